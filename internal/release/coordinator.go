// Package release owns the exactly-once release of billable resources: the
// rented cloud device behind every job and the disposable number behind a
// login. Both operations are idempotent and safe to call from a live monitor
// and the reaper concurrently.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"phoneops/internal/cloudphone"
	"phoneops/internal/models"
	"phoneops/internal/smsline"
	"phoneops/internal/taxonomy"
	"phoneops/internal/telemetry"
)

// ErrReleaseFailed means the stop/finalize call exhausted its retry budget.
// The job stays terminal; the audit trail flags the resource for follow-up.
var ErrReleaseFailed = errors.New("resource release failed")

// DevicePlane is the slice of the device control plane the coordinator uses.
type DevicePlane interface {
	StopDevices(ctx context.Context, deviceIDs []string) (cloudphone.BatchResult, error)
	DeviceStatus(ctx context.Context, deviceIDs []string) (cloudphone.BatchResult, error)
}

// RentalPlane is the slice of the number rental plane the coordinator uses.
type RentalPlane interface {
	SetFinalState(ctx context.Context, rentalID string, state smsline.FinalState) error
}

// Store is the record-store surface the coordinator writes through.
type Store interface {
	SetDevicePower(ctx context.Context, deviceID, state string) error
	FinalizeRental(ctx context.Context, rentalID, outcome string) (bool, error)
	AppendAudit(ctx context.Context, entityID, event, detail string) error
}

// Locks serializes stop attempts per device.
type Locks interface {
	AcquireDevice(ctx context.Context, deviceID string, ttl time.Duration) (string, bool, error)
	ReleaseDevice(ctx context.Context, deviceID, token string) error
}

// Coordinator implements the idempotent stop/finalize operations.
type Coordinator struct {
	devices DevicePlane
	rentals RentalPlane
	store   Store
	locks   Locks
	log     *slog.Logger

	lockTTL    time.Duration
	retryDelay time.Duration
	maxRetries int
}

// Options tune the retry budget; zero values get defaults matching the
// vendor's busy-conflict guidance (3 retries, 5s apart).
type Options struct {
	LockTTL    time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

func New(devices DevicePlane, rentals RentalPlane, store Store, locks Locks, log *slog.Logger, opts Options) *Coordinator {
	if opts.LockTTL == 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Coordinator{
		devices:    devices,
		rentals:    rentals,
		store:      store,
		locks:      locks,
		log:        log,
		lockTTL:    opts.LockTTL,
		retryDelay: opts.RetryDelay,
		maxRetries: opts.MaxRetries,
	}
}

// StopDevice issues the stop command for a device at most once. Concurrent
// callers (live monitor vs reaper) are serialized by the per-device lock;
// the loser observes the lock and exits cleanly. Busy conflicts are retried
// on a fixed delay; exhausting the budget records a release_failed audit
// entry and returns ErrReleaseFailed without re-opening the job.
func (c *Coordinator) StopDevice(ctx context.Context, deviceID string) error {
	token, ok, err := c.locks.AcquireDevice(ctx, deviceID, c.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire device lock: %w", err)
	}
	if !ok {
		c.log.Info("device stop already in progress", "device_id", deviceID)
		return nil
	}
	defer func() {
		if err := c.locks.ReleaseDevice(context.WithoutCancel(ctx), deviceID, token); err != nil {
			c.log.Warn("release device lock", "device_id", deviceID, "error", err)
		}
	}()

	if done, err := c.alreadyStopped(ctx, deviceID); err == nil && done {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				lastErr = err
				break
			}
		}

		res, err := c.devices.StopDevices(ctx, []string{deviceID})
		if err != nil {
			lastErr = err
			continue
		}

		detail := failFor(res.FailDetails, deviceID)
		if detail == nil {
			return c.markStopped(ctx, deviceID, models.PowerStopped)
		}

		switch detail.Code {
		case cloudphone.CodeDeviceBusy:
			lastErr = fmt.Errorf("device busy: %s", detail.Msg)
			c.log.Info("device busy, retrying stop", "device_id", deviceID, "attempt", attempt+1)
			continue
		case cloudphone.CodeDeviceNotRunning:
			// Someone else's stop landed first; that is still a release.
			return c.markStopped(ctx, deviceID, models.PowerStopped)
		case cloudphone.CodeDeviceExpired:
			return c.markStopped(ctx, deviceID, models.PowerExpired)
		case cloudphone.CodeDeviceNotFound:
			c.auditf(ctx, deviceID, "device_missing", "stop skipped: %s", detail.Msg)
			return nil
		default:
			lastErr = fmt.Errorf("stop rejected: %s (code %d)", detail.Msg, detail.Code)
			attempt = c.maxRetries // permanent, no more retries
		}
	}

	telemetry.ReleaseFailures.Inc()
	c.auditf(ctx, deviceID, "release_failed", "device left running: %v", lastErr)
	c.log.Error("device release failed", "device_id", deviceID, "error", lastErr)
	return fmt.Errorf("%w: device %s: %v", ErrReleaseFailed, deviceID, lastErr)
}

// alreadyStopped probes the vendor power state before issuing a stop.
func (c *Coordinator) alreadyStopped(ctx context.Context, deviceID string) (bool, error) {
	res, err := c.devices.DeviceStatus(ctx, []string{deviceID})
	if err != nil {
		return false, err
	}
	for _, d := range res.SuccessDetails {
		if d.ID != deviceID {
			continue
		}
		state, _ := taxonomy.MapDevice(d.Status)
		if state == models.PowerStopped || state == models.PowerExpired {
			return true, c.markStopped(ctx, deviceID, state)
		}
	}
	return false, nil
}

func (c *Coordinator) markStopped(ctx context.Context, deviceID, state string) error {
	telemetry.DevicesReleased.Inc()
	if err := c.store.SetDevicePower(ctx, deviceID, state); err != nil {
		c.log.Warn("record device power", "device_id", deviceID, "error", err)
	}
	c.auditf(ctx, deviceID, "device_stopped", "power_state=%s", state)
	return nil
}

// FinalizeRental reports the rental verdict to the vendor and records it.
// Repeats are no-ops: the vendor's already-finalized answer counts as
// success, and the store write is conditional.
func (c *Coordinator) FinalizeRental(ctx context.Context, rentalID, outcome string) error {
	state := smsline.FinalRefund
	if outcome == models.RentalOutcomeConsumed {
		state = smsline.FinalConsume
	}

	if err := c.rentals.SetFinalState(ctx, rentalID, state); err != nil {
		if !errors.Is(err, smsline.ErrAlreadyFinalized) {
			telemetry.ReleaseFailures.Inc()
			c.auditf(ctx, rentalID, "release_failed", "rental finalize failed: %v", err)
			return fmt.Errorf("%w: rental %s: %v", ErrReleaseFailed, rentalID, err)
		}
	}

	won, err := c.store.FinalizeRental(ctx, rentalID, outcome)
	if err != nil {
		return fmt.Errorf("record rental finalize: %w", err)
	}
	if won {
		telemetry.RentalsFinalized.Inc()
		c.auditf(ctx, rentalID, "rental_finalized", "outcome=%s", outcome)
	}
	return nil
}

func (c *Coordinator) auditf(ctx context.Context, entityID, event, format string, args ...any) {
	if err := c.store.AppendAudit(ctx, entityID, event, fmt.Sprintf(format, args...)); err != nil {
		c.log.Warn("append audit", "entity_id", entityID, "event", event, "error", err)
	}
}

func failFor(details []cloudphone.FailDetail, deviceID string) *cloudphone.FailDetail {
	for i := range details {
		if details[i].ID == deviceID {
			return &details[i]
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
