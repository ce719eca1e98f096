package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"phoneops/internal/models"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for Job/Rental/Device/Account state; monitors and the reaper write
// terminal fields only through the conditional updates below.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job. ExternalTaskID is
// mandatory: a job row without a confirmed vendor task id must never exist,
// because nothing could ever resolve it.
type CreateJobParams struct {
	Kind           string
	AccountID      string
	DeviceID       string
	ExternalTaskID string
	BatchID        string
	RentalID       string
}

// CreateJob inserts a pending job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.ExternalTaskID == "" {
		return models.Job{}, errors.New("external task id is required")
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, external_task_id, kind, account_id, device_id, batch_id, rental_id, status, attempts, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9, $9)
	`, id, p.ExternalTaskID, p.Kind, p.AccountID, p.DeviceID, emptyToNil(p.BatchID), emptyToNil(p.RentalID), models.OutcomePending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:             id,
		ExternalTaskID: p.ExternalTaskID,
		Kind:           p.Kind,
		AccountID:      p.AccountID,
		DeviceID:       p.DeviceID,
		BatchID:        emptyToNil(p.BatchID),
		RentalID:       emptyToNil(p.RentalID),
		Status:         models.OutcomePending,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

const jobColumns = `id, external_task_id, kind, account_id, device_id, batch_id, rental_id, status, fail_reason, attempts, started_at, terminal_at, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var batch, rental, reason pgtype.Text
	var terminal pgtype.Timestamptz
	err := row.Scan(&job.ID, &job.ExternalTaskID, &job.Kind, &job.AccountID, &job.DeviceID,
		&batch, &rental, &job.Status, &reason, &job.Attempts, &job.StartedAt, &terminal, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.BatchID = textPtr(batch)
	job.RentalID = textPtr(rental)
	job.FailReason = textPtr(reason)
	if terminal.Valid {
		t := terminal.Time
		job.TerminalAt = &t
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobsInBatch returns every job created under a bulk batch id.
func (s *Store) JobsInBatch(ctx context.Context, batchID string) ([]models.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 ORDER BY created_at`, batchID)
}

// MarkJobRunning advances pending → running. A no-op for any other state.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, models.OutcomeRunning, models.OutcomePending)
	return err
}

// UpdateJobAttempts records the poll attempt count.
func (s *Store) UpdateJobAttempts(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET attempts = $2, updated_at = NOW() WHERE id = $1
	`, id, attempts)
	return err
}

// FinishJob writes a terminal outcome, but only if the job is still
// non-terminal. The returned bool reports whether this caller won the write;
// a loser (a monitor racing the reaper, or vice versa) must not run the
// release sequence again.
func (s *Store) FinishJob(ctx context.Context, id string, outcome models.Outcome, reason string) (bool, error) {
	if !outcome.Terminal() {
		return false, fmt.Errorf("outcome %s is not terminal", outcome)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, fail_reason = $3, terminal_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, outcome, emptyToNil(reason), models.OutcomePending, models.OutcomeRunning)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActiveJobsStartedBefore returns non-terminal jobs of a kind whose clock
// started before the cutoff. The reaper drives this with per-kind cutoffs.
func (s *Store) ActiveJobsStartedBefore(ctx context.Context, kind string, cutoff time.Time, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE kind = $1 AND status IN ($2, $3) AND started_at < $4
		ORDER BY started_at LIMIT $5
	`, kind, models.OutcomePending, models.OutcomeRunning, cutoff, limit)
}

// RunningJobs returns all non-terminal jobs, newest first.
func (s *Store) RunningJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ($1, $2) ORDER BY started_at DESC LIMIT $3
	`, models.OutcomePending, models.OutcomeRunning, limit)
}

// HasActiveJob reports whether the account owns any non-terminal job.
func (s *Store) HasActiveJob(ctx context.Context, accountID string) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE account_id = $1 AND status IN ($2, $3)
	`, accountID, models.OutcomePending, models.OutcomeRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active jobs: %w", err)
	}
	return n > 0, nil
}

// CreateRental inserts a rental row in the waiting state.
func (s *Store) CreateRental(ctx context.Context, r models.Rental) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rentals (rental_id, account_id, phone_number, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, r.RentalID, r.AccountID, r.PhoneNumber, models.RentalWaiting, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert rental: %w", err)
	}
	return nil
}

// GetRental fetches a rental by vendor id.
func (s *Store) GetRental(ctx context.Context, rentalID string) (models.Rental, error) {
	var r models.Rental
	var code, final pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT rental_id, account_id, phone_number, status, code, final_outcome, expires_at, created_at, updated_at
		FROM rentals WHERE rental_id = $1
	`, rentalID).Scan(&r.RentalID, &r.AccountID, &r.PhoneNumber, &r.Status, &code, &final, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Rental{}, fmt.Errorf("rental %s: %w", rentalID, ErrNotFound)
	}
	if err != nil {
		return models.Rental{}, fmt.Errorf("scan rental: %w", err)
	}
	r.Code = textPtr(code)
	r.FinalOutcome = textPtr(final)
	return r, nil
}

// SetRentalCode records a received OTP code, waiting → code_received only.
func (s *Store) SetRentalCode(ctx context.Context, rentalID, code string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rentals SET status = $2, code = $3, updated_at = NOW()
		WHERE rental_id = $1 AND status = $4
	`, rentalID, models.RentalCodeReceived, code, models.RentalWaiting)
	if err != nil {
		return false, fmt.Errorf("set rental code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionRental moves a rental from one of the given states to another.
func (s *Store) TransitionRental(ctx context.Context, rentalID, to string, from ...string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rentals SET status = $2, updated_at = NOW()
		WHERE rental_id = $1 AND status = ANY($3)
	`, rentalID, to, from)
	if err != nil {
		return false, fmt.Errorf("transition rental: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeRental marks the rental finalized with its outcome. Conditional so
// that a monitor and the reaper finalizing concurrently update exactly once.
func (s *Store) FinalizeRental(ctx context.Context, rentalID, outcome string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rentals SET status = $2, final_outcome = $3, updated_at = NOW()
		WHERE rental_id = $1 AND status <> $2
	`, rentalID, models.RentalFinalized, outcome)
	if err != nil {
		return false, fmt.Errorf("finalize rental: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// WaitingRentals returns rentals still waiting on a code, oldest first.
func (s *Store) WaitingRentals(ctx context.Context, limit int) ([]models.Rental, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rental_id, account_id, phone_number, status, code, final_outcome, expires_at, created_at, updated_at
		FROM rentals WHERE status = $1 ORDER BY created_at LIMIT $2
	`, models.RentalWaiting, limit)
	if err != nil {
		return nil, fmt.Errorf("query waiting rentals: %w", err)
	}
	defer rows.Close()

	var rentals []models.Rental
	for rows.Next() {
		var r models.Rental
		var code, final pgtype.Text
		if err := rows.Scan(&r.RentalID, &r.AccountID, &r.PhoneNumber, &r.Status, &code, &final, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rental: %w", err)
		}
		r.Code = textPtr(code)
		r.FinalOutcome = textPtr(final)
		rentals = append(rentals, r)
	}
	return rentals, rows.Err()
}

// UpsertDevice registers a device row.
func (s *Store) UpsertDevice(ctx context.Context, deviceID, accountID, powerState string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, account_id, power_state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (device_id) DO UPDATE SET account_id = $2, power_state = $3, updated_at = NOW()
	`, deviceID, accountID, powerState)
	return err
}

// SetDevicePower records the device power state. Stop transitions come only
// from the release coordinator.
func (s *Store) SetDevicePower(ctx context.Context, deviceID, state string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET power_state = $2, updated_at = NOW() WHERE device_id = $1
	`, deviceID, state)
	return err
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (models.Device, error) {
	var d models.Device
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, account_id, power_state, updated_at FROM devices WHERE device_id = $1
	`, deviceID).Scan(&d.DeviceID, &d.AccountID, &d.PowerState, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Device{}, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return models.Device{}, fmt.Errorf("scan device: %w", err)
	}
	return d, nil
}

// UpsertAccount registers an account row.
func (s *Store) UpsertAccount(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, status, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET status = $2, updated_at = NOW()
	`, id, status)
	return err
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	var a models.Account
	var lastErr pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, warmup_done, last_error, updated_at FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Status, &a.WarmupDone, &lastErr, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.LastError = textPtr(lastErr)
	return a, nil
}

// SetAccountStatus writes the coarse lifecycle status and last error.
func (s *Store) SetAccountStatus(ctx context.Context, id, status, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, status, emptyToNil(lastError))
	return err
}

// SetAccountActive marks the account active, optionally flagging warmup done.
func (s *Store) SetAccountActive(ctx context.Context, id string, warmupDone bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET status = $2, warmup_done = warmup_done OR $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.AccountActive, warmupDone)
	return err
}

// AccountsStuckSince returns accounts sitting in a transitional status since
// before the cutoff.
func (s *Store) AccountsStuckSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, warmup_done, last_error, updated_at FROM accounts
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at LIMIT $4
	`, models.AccountProvisioning, models.AccountWarmingUp, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		var lastErr pgtype.Text
		if err := rows.Scan(&a.ID, &a.Status, &a.WarmupDone, &lastErr, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.LastError = textPtr(lastErr)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CreatePost inserts a pending post row tied to a job.
func (s *Store) CreatePost(ctx context.Context, accountID, jobID string) (models.Post, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO posts (id, account_id, job_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, accountID, jobID, models.PostPending, now)
	if err != nil {
		return models.Post{}, fmt.Errorf("insert post: %w", err)
	}
	return models.Post{ID: id, AccountID: accountID, JobID: jobID, Status: models.PostPending, CreatedAt: now, UpdatedAt: now}, nil
}

// MarkPostPosted records a successful post with the vendor's post id.
func (s *Store) MarkPostPosted(ctx context.Context, jobID, vendorPostID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, vendor_post_id = $3, posted_at = NOW(), updated_at = NOW()
		WHERE job_id = $1
	`, jobID, models.PostPosted, emptyToNil(vendorPostID))
	return err
}

// MarkPostFailed records a failed post with the vendor's error description.
func (s *Store) MarkPostFailed(ctx context.Context, jobID, errorMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, error_message = $3, updated_at = NOW()
		WHERE job_id = $1
	`, jobID, models.PostFailed, errorMessage)
	return err
}

// UpsertProxy stores a proxy row synced from the proxy plane.
func (s *Store) UpsertProxy(ctx context.Context, p models.Proxy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proxies (id, host, port, username, region, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET host = $2, port = $3, username = $4, region = $5, updated_at = NOW()
	`, p.ID, p.Host, p.Port, p.Username, p.Region)
	return err
}

// AppendAudit adds an audit row. Audit writes are fire-and-forget for
// callers; they log failures but never fail the operation being audited.
func (s *Store) AppendAudit(ctx context.Context, entityID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (entity_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, entityID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
