// Package reaper is the safety net behind the live monitors. It finds active
// jobs whose monitor died (process restart, crashed goroutine) and either
// resumes watching them or, once the kind's wait ceiling is well past,
// forces a timeout resolution so devices and rentals are not leaked.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"phoneops/internal/cloudphone"
	"phoneops/internal/models"
	"phoneops/internal/monitor"
	"phoneops/internal/telemetry"
)

// Engine is the monitor surface the reaper drives.
type Engine interface {
	Watch(ctx context.Context, job models.Job)
	Resolve(ctx context.Context, job models.Job, outcome models.Outcome, reason string, last *cloudphone.TaskStatus)
}

// Store is the record-store surface the reaper reads and repairs.
type Store interface {
	ActiveJobsStartedBefore(ctx context.Context, kind string, cutoff time.Time, limit int) ([]models.Job, error)
	AccountsStuckSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error)
	HasActiveJob(ctx context.Context, accountID string) (bool, error)
	SetAccountStatus(ctx context.Context, id, status, lastError string) error
}

// Locks tells a dead monitor from a slow one.
type Locks interface {
	JobLeaseLive(ctx context.Context, jobID string) (bool, error)
}

// Reaper sweeps on a fixed interval.
type Reaper struct {
	engine Engine
	store  Store
	locks  Locks
	log    *slog.Logger

	interval     time.Duration
	grace        time.Duration
	stuckCeiling time.Duration
	sweepLimit   int
}

// Options tune the reaper; zero values get defaults.
type Options struct {
	Interval     time.Duration
	Grace        time.Duration
	StuckCeiling time.Duration
	SweepLimit   int
}

func New(engine Engine, st Store, locks Locks, log *slog.Logger, opts Options) *Reaper {
	if opts.Interval == 0 {
		opts.Interval = 3 * time.Minute
	}
	if opts.Grace == 0 {
		opts.Grace = 5 * time.Minute
	}
	if opts.StuckCeiling == 0 {
		opts.StuckCeiling = 6 * time.Hour
	}
	if opts.SweepLimit == 0 {
		opts.SweepLimit = 500
	}
	return &Reaper{
		engine:       engine,
		store:        st,
		locks:        locks,
		log:          log,
		interval:     opts.Interval,
		grace:        opts.Grace,
		stuckCeiling: opts.StuckCeiling,
		sweepLimit:   opts.SweepLimit,
	}
}

// Run sweeps until the context ends. The first sweep happens immediately so
// a restart picks up orphans without waiting a full interval.
func (r *Reaper) Run(ctx context.Context) {
	if err := r.Sweep(ctx); err != nil {
		r.log.Error("reaper sweep", "error", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("reaper sweep", "error", err)
			}
		}
	}
}

// Sweep makes one pass over every job kind plus the stuck-account check.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	for _, kind := range []string{
		models.KindLogin, models.KindWarmup, models.KindPostVideo,
		models.KindPostCarousel, models.KindBulkPost, models.KindEngagement,
	} {
		if err := r.sweepKind(ctx, kind, now); err != nil {
			r.log.Error("sweep kind", "kind", kind, "error", err)
		}
	}
	return r.sweepStuckAccounts(ctx, now)
}

// sweepKind reaps expired jobs of one kind and resumes younger orphans.
func (r *Reaper) sweepKind(ctx context.Context, kind string, now time.Time) error {
	policy, err := monitor.PolicyFor(kind)
	if err != nil {
		return err
	}
	jobs, err := r.store.ActiveJobsStartedBefore(ctx, kind, now, r.sweepLimit)
	if err != nil {
		return err
	}
	hardCutoff := now.Add(-(policy.MaxWait() + r.grace))

	for _, job := range jobs {
		if job.StartedAt.Before(hardCutoff) {
			// Way past any legitimate completion. Force the timeout path;
			// the conditional terminal write keeps this safe against a
			// monitor racing us.
			telemetry.ReapedJobs.Inc()
			r.log.Warn("reaping expired job",
				"job_id", job.ID, "kind", kind, "started_at", job.StartedAt)
			r.engine.Resolve(ctx, job, models.OutcomeFailed, models.ReasonTimeout, nil)
			continue
		}

		live, err := r.locks.JobLeaseLive(ctx, job.ID)
		if err != nil {
			r.log.Warn("check job lease", "job_id", job.ID, "error", err)
			continue
		}
		if live {
			continue
		}
		telemetry.ResumedJobs.Inc()
		r.log.Info("resuming orphaned job", "job_id", job.ID, "kind", kind)
		go r.engine.Watch(ctx, job)
	}
	return nil
}

// sweepStuckAccounts flags accounts parked in a transitional status with no
// active job to move them forward.
func (r *Reaper) sweepStuckAccounts(ctx context.Context, now time.Time) error {
	accounts, err := r.store.AccountsStuckSince(ctx, now.Add(-r.stuckCeiling), r.sweepLimit)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		active, err := r.store.HasActiveJob(ctx, acct.ID)
		if err != nil {
			r.log.Warn("check active job", "account_id", acct.ID, "error", err)
			continue
		}
		if active {
			continue
		}
		r.log.Warn("flagging stuck account", "account_id", acct.ID, "status", acct.Status)
		if err := r.store.SetAccountStatus(ctx, acct.ID, models.AccountError,
			"stuck in "+acct.Status+" with no active job"); err != nil {
			r.log.Error("flag stuck account", "account_id", acct.ID, "error", err)
		}
	}
	return nil
}
