package models

import (
	"time"
)

// Outcome is the canonical job status shared by every monitor and the reaper.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Terminal reports whether no further polling may occur for this outcome.
func (o Outcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeCancelled
}

// Job kinds. Each maps to a policy in internal/monitor.
const (
	KindLogin        = "login"
	KindWarmup       = "warmup"
	KindPostVideo    = "post_video"
	KindPostCarousel = "post_carousel"
	KindBulkPost     = "bulk_post"
	KindEngagement   = "engagement"
)

// Failure reasons recorded alongside a failed outcome.
const (
	ReasonTimeout       = "timeout"
	ReasonNotFound      = "not_found"
	ReasonEmergencyStop = "emergency_stop"
)

// Job is one watched unit of remote work running on a rented device.
type Job struct {
	ID             string     `json:"id"`
	ExternalTaskID string     `json:"external_task_id"`
	Kind           string     `json:"kind"`
	AccountID      string     `json:"account_id"`
	DeviceID       string     `json:"device_id"`
	BatchID        *string    `json:"batch_id,omitempty"`
	RentalID       *string    `json:"rental_id,omitempty"`
	Status         Outcome    `json:"status"`
	FailReason     *string    `json:"fail_reason,omitempty"`
	Attempts       int        `json:"attempts"`
	StartedAt      time.Time  `json:"started_at"`
	TerminalAt     *time.Time `json:"terminal_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Rental lifecycle states for a disposable phone number.
const (
	RentalRequesting   = "requesting"
	RentalWaiting      = "waiting"
	RentalCodeReceived = "code_received"
	RentalCancelled    = "cancelled"
	RentalExpired      = "expired"
	RentalFinalized    = "finalized"
)

// Rental final outcomes reported to the vendor exactly once.
const (
	RentalOutcomeConsumed = "consumed"
	RentalOutcomeRefunded = "refunded"
)

// Rental is a disposable phone number leased for OTP-based login.
type Rental struct {
	RentalID     string    `json:"rental_id"`
	AccountID    string    `json:"account_id"`
	PhoneNumber  string    `json:"phone_number"`
	Status       string    `json:"status"`
	Code         *string   `json:"code,omitempty"`
	FinalOutcome *string   `json:"final_outcome,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Device power states. Transitions to "stopped" happen only through the
// release coordinator.
const (
	PowerStarting = "starting"
	PowerRunning  = "running"
	PowerStopped  = "stopped"
	PowerExpired  = "expired"
)

// Device is a rented cloud phone bound 1:1 to an account.
type Device struct {
	DeviceID   string    `json:"device_id"`
	AccountID  string    `json:"account_id"`
	PowerState string    `json:"power_state"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Account lifecycle states, the subset the monitors write.
const (
	AccountNew          = "new"
	AccountProvisioning = "provisioning"
	AccountWarmingUp    = "warming_up"
	AccountActive       = "active"
	AccountError        = "error"
	AccountBanned       = "banned"
)

// Account carries the coarse lifecycle status updated on terminal outcomes.
type Account struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	WarmupDone bool      `json:"warmup_done"`
	LastError  *string   `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Post statuses.
const (
	PostPending = "pending"
	PostPosted  = "posted"
	PostFailed  = "failed"
)

// Post tracks one piece of published content tied to a posting job.
type Post struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"account_id"`
	JobID        string     `json:"job_id"`
	Status       string     `json:"status"`
	VendorPostID *string    `json:"vendor_post_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Proxy is a synced residential proxy row; the core never routes through it.
type Proxy struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	Region    string    `json:"region"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditLog is an append-only event row.
type AuditLog struct {
	EntityID string    `json:"entity_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
