// Package rental owns the disposable phone number lifecycle: renting a
// number for a login, pumping OTP codes from the vendor into the store, and
// sweeping leases that ran out.
package rental

import (
	"context"
	"log/slog"
	"time"

	"phoneops/internal/models"
	"phoneops/internal/smsline"
)

// RentalPlane is the slice of the sms vendor the manager calls.
type RentalPlane interface {
	Rent(ctx context.Context) (smsline.Rental, error)
	OTPStatus(ctx context.Context, rentalID string) (smsline.OTPStatus, error)
}

// Store is the record-store surface the manager writes through.
type Store interface {
	CreateRental(ctx context.Context, r models.Rental) error
	WaitingRentals(ctx context.Context, limit int) ([]models.Rental, error)
	SetRentalCode(ctx context.Context, rentalID, code string) (bool, error)
	TransitionRental(ctx context.Context, rentalID, to string, from ...string) (bool, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
}

// Releaser reports final rental verdicts exactly once.
type Releaser interface {
	FinalizeRental(ctx context.Context, rentalID, outcome string) error
}

// Manager polls waiting rentals for OTP codes and expires stale leases.
type Manager struct {
	sms      RentalPlane
	store    Store
	releaser Releaser
	log      *slog.Logger

	pollEvery  time.Duration
	sweepLimit int
}

// Options tune the manager; zero values get defaults.
type Options struct {
	PollEvery  time.Duration
	SweepLimit int
}

func New(sms RentalPlane, st Store, releaser Releaser, log *slog.Logger, opts Options) *Manager {
	if opts.PollEvery == 0 {
		opts.PollEvery = 3 * time.Second
	}
	if opts.SweepLimit == 0 {
		opts.SweepLimit = 200
	}
	return &Manager{
		sms:        sms,
		store:      st,
		releaser:   releaser,
		log:        log,
		pollEvery:  opts.PollEvery,
		sweepLimit: opts.SweepLimit,
	}
}

// Rent leases a fresh number for the account and records it as waiting.
// Vendor stock and balance problems surface as smsline sentinels.
func (m *Manager) Rent(ctx context.Context, accountID string) (models.Rental, error) {
	leased, err := m.sms.Rent(ctx)
	if err != nil {
		return models.Rental{}, err
	}
	r := models.Rental{
		RentalID:    leased.ID,
		AccountID:   accountID,
		PhoneNumber: leased.PhoneNumber,
		Status:      models.RentalWaiting,
		ExpiresAt:   leased.ExpiresAt,
	}
	if err := m.store.CreateRental(ctx, r); err != nil {
		return models.Rental{}, err
	}
	m.log.Info("number rented", "rental_id", r.RentalID, "account_id", accountID)
	return r, nil
}

// Run sweeps on a fixed cadence until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Error("rental sweep", "error", err)
			}
		}
	}
}

// Sweep makes one pass over waiting rentals: expired leases are closed out,
// live ones are polled for an OTP code.
func (m *Manager) Sweep(ctx context.Context) error {
	rentals, err := m.store.WaitingRentals(ctx, m.sweepLimit)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, r := range rentals {
		if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
			m.expire(ctx, r)
			continue
		}
		m.pump(ctx, r)
	}
	return nil
}

// pump fetches the vendor OTP state for one waiting rental.
func (m *Manager) pump(ctx context.Context, r models.Rental) {
	status, err := m.sms.OTPStatus(ctx, r.RentalID)
	if err != nil {
		m.log.Warn("otp status", "rental_id", r.RentalID, "error", err)
		return
	}
	switch status.State {
	case smsline.OTPReceived:
		won, err := m.store.SetRentalCode(ctx, r.RentalID, status.Code)
		if err != nil {
			m.log.Error("record otp code", "rental_id", r.RentalID, "error", err)
			return
		}
		if won {
			m.log.Info("otp code received", "rental_id", r.RentalID, "account_id", r.AccountID)
		}
	case smsline.OTPCancelled:
		won, err := m.store.TransitionRental(ctx, r.RentalID, models.RentalCancelled, models.RentalWaiting)
		if err != nil {
			m.log.Error("record rental cancel", "rental_id", r.RentalID, "error", err)
			return
		}
		if won {
			if err := m.releaser.FinalizeRental(ctx, r.RentalID, models.RentalOutcomeRefunded); err != nil {
				m.log.Error("finalize cancelled rental", "rental_id", r.RentalID, "error", err)
			}
		}
	}
}

// expire closes out a rental whose lease window ran past. An account that
// went active without ever receiving a code still consumed the rental; every
// other expiry refunds.
func (m *Manager) expire(ctx context.Context, r models.Rental) {
	won, err := m.store.TransitionRental(ctx, r.RentalID, models.RentalExpired, models.RentalWaiting)
	if err != nil {
		m.log.Error("record rental expiry", "rental_id", r.RentalID, "error", err)
		return
	}
	if !won {
		return
	}

	outcome := models.RentalOutcomeRefunded
	if acct, err := m.store.GetAccount(ctx, r.AccountID); err == nil && acct.Status == models.AccountActive {
		outcome = models.RentalOutcomeConsumed
	}
	if err := m.releaser.FinalizeRental(ctx, r.RentalID, outcome); err != nil {
		m.log.Error("finalize expired rental", "rental_id", r.RentalID, "error", err)
		return
	}
	m.log.Info("rental expired", "rental_id", r.RentalID, "outcome", outcome)
}
