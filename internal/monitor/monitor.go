// Package monitor runs the poll loop that tracks a remote automation task
// from launch to a terminal outcome, then walks the job through resolution:
// conditional terminal write, kind-specific record mutations, device release,
// and rental finalization.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"phoneops/internal/cloudphone"
	"phoneops/internal/models"
	"phoneops/internal/taxonomy"
	"phoneops/internal/telemetry"
)

// batchMissLimit is how many consecutive polls a task id may be absent from
// a batch query before it counts as purged vendor-side. Single-job queries
// treat the first empty answer as purged.
const batchMissLimit = 3

// TaskPlane is the slice of the device control plane the engine polls.
type TaskPlane interface {
	QueryTasks(ctx context.Context, taskIDs []string) ([]cloudphone.TaskStatus, error)
}

// Releaser hands back billable resources once a job is terminal.
type Releaser interface {
	StopDevice(ctx context.Context, deviceID string) error
	FinalizeRental(ctx context.Context, rentalID, outcome string) error
}

// Leases guarantees a single live monitor per job.
type Leases interface {
	AcquireJob(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error)
	HeartbeatJob(ctx context.Context, jobID, token string, ttl time.Duration) (bool, error)
	ReleaseJob(ctx context.Context, jobID, token string) error
}

// Diagnoser captures failure evidence from the device. Optional.
type Diagnoser interface {
	CaptureFailure(ctx context.Context, job models.Job)
}

// Engine is the generic job monitor. One Watch goroutine per job; WatchBatch
// covers bulk posts with a shared query loop.
type Engine struct {
	tasks    TaskPlane
	releaser Releaser
	store    Store
	leases   Leases
	diag     Diagnoser
	log      *slog.Logger

	leaseTTL time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// Options tune the engine; zero values get defaults.
type Options struct {
	LeaseTTL time.Duration
	// Diagnoser, when set, is invoked asynchronously on failed jobs.
	Diagnoser Diagnoser
}

func New(tasks TaskPlane, releaser Releaser, st Store, leases Leases, log *slog.Logger, opts Options) *Engine {
	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = 90 * time.Second
	}
	return &Engine{
		tasks:    tasks,
		releaser: releaser,
		store:    st,
		leases:   leases,
		diag:     opts.Diagnoser,
		log:      log,
		leaseTTL: opts.LeaseTTL,
		sleep:    sleepCtx,
	}
}

// Watch polls one job until the vendor reports a terminal status or the
// attempt budget runs out, then resolves it. A job whose lease is already
// held by another monitor is left alone.
func (e *Engine) Watch(ctx context.Context, job models.Job) {
	policy, err := PolicyFor(job.Kind)
	if err != nil {
		e.log.Error("monitor refused", "job_id", job.ID, "error", err)
		return
	}
	if job.ExternalTaskID == "" {
		e.log.Error("monitor refused: job has no external task id", "job_id", job.ID)
		return
	}

	token, ok, err := e.leases.AcquireJob(ctx, job.ID, e.leaseTTL)
	if err != nil {
		e.log.Warn("acquire job lease", "job_id", job.ID, "error", err)
	} else if !ok {
		e.log.Info("job already monitored", "job_id", job.ID)
		return
	}
	defer e.dropLease(ctx, job.ID, token)

	telemetry.MonitorsStarted.Inc()
	telemetry.MonitorsInFlight.Inc()
	defer telemetry.MonitorsInFlight.Dec()

	outcome := models.OutcomePending
	reason := ""
	attempts := job.Attempts
	var last *cloudphone.TaskStatus

	for attempts < policy.MaxAttempts {
		if err := e.sleep(ctx, policy.PollInterval); err != nil {
			// Shutdown. Leave the job active; the reaper resumes it.
			e.log.Info("monitor interrupted", "job_id", job.ID)
			return
		}
		attempts++
		e.heartbeat(ctx, job.ID, token)

		statuses, err := e.tasks.QueryTasks(ctx, []string{job.ExternalTaskID})
		if err != nil {
			e.log.Warn("task query failed", "job_id", job.ID, "error", err)
			continue
		}

		st := statusFor(statuses, job.ExternalTaskID)
		if st == nil {
			outcome, reason = models.OutcomeFailed, models.ReasonNotFound
			break
		}
		last = st

		mapped, known := taxonomy.MapTask(st.Status)
		if !known {
			telemetry.UnknownStatusCodes.Inc()
			e.log.Warn("unknown task status code, treating as running",
				"job_id", job.ID, "status_code", st.Status)
		}

		if mapped == models.OutcomeRunning && outcome == models.OutcomePending {
			if err := e.store.MarkJobRunning(ctx, job.ID); err != nil {
				e.log.Warn("mark job running", "job_id", job.ID, "error", err)
			}
		}
		if err := e.store.UpdateJobAttempts(ctx, job.ID, attempts); err != nil {
			e.log.Warn("persist attempts", "job_id", job.ID, "error", err)
		}

		outcome = mapped
		if outcome.Terminal() {
			if outcome == models.OutcomeFailed {
				reason = st.FailDesc
			}
			break
		}
	}

	if !outcome.Terminal() {
		outcome, reason = models.OutcomeFailed, models.ReasonTimeout
		telemetry.JobsTimedOut.Inc()
	}
	job.Attempts = attempts
	e.Resolve(ctx, job, outcome, reason, last)
}

// WatchBatch polls a set of jobs sharing one vendor batch with a single
// query loop. Each job resolves independently as its task turns terminal;
// ids absent from a few consecutive answers are tolerated as partial
// results before counting as purged.
func (e *Engine) WatchBatch(ctx context.Context, jobs []models.Job) {
	if len(jobs) == 0 {
		return
	}
	policy, err := PolicyFor(models.KindBulkPost)
	if err != nil {
		e.log.Error("batch monitor refused", "error", err)
		return
	}

	pending := make(map[string]models.Job, len(jobs))
	tokens := make(map[string]string, len(jobs))
	misses := make(map[string]int, len(jobs))
	for _, job := range jobs {
		if job.ExternalTaskID == "" {
			e.log.Error("batch monitor skipped job with no external task id", "job_id", job.ID)
			continue
		}
		token, ok, err := e.leases.AcquireJob(ctx, job.ID, e.leaseTTL)
		if err != nil {
			e.log.Warn("acquire job lease", "job_id", job.ID, "error", err)
		} else if !ok {
			e.log.Info("job already monitored", "job_id", job.ID)
			continue
		}
		pending[job.ExternalTaskID] = job
		tokens[job.ID] = token
		telemetry.MonitorsStarted.Inc()
	}
	if len(pending) == 0 {
		return
	}

	telemetry.MonitorsInFlight.Inc()
	defer telemetry.MonitorsInFlight.Dec()
	defer func() {
		for jobID, token := range tokens {
			e.dropLease(ctx, jobID, token)
		}
	}()

	attempts := 0
	for len(pending) > 0 && attempts < policy.MaxAttempts {
		if err := e.sleep(ctx, policy.PollInterval); err != nil {
			e.log.Info("batch monitor interrupted", "remaining", len(pending))
			return
		}
		attempts++
		for jobID, token := range tokens {
			e.heartbeat(ctx, jobID, token)
		}

		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		statuses, err := e.tasks.QueryTasks(ctx, ids)
		if err != nil {
			e.log.Warn("batch task query failed", "error", err)
			continue
		}

		seen := make(map[string]bool, len(statuses))
		for i := range statuses {
			st := &statuses[i]
			job, ok := pending[st.ID]
			if !ok {
				continue
			}
			seen[st.ID] = true
			misses[st.ID] = 0

			mapped, known := taxonomy.MapTask(st.Status)
			if !known {
				telemetry.UnknownStatusCodes.Inc()
				e.log.Warn("unknown task status code, treating as running",
					"job_id", job.ID, "status_code", st.Status)
			}
			if mapped == models.OutcomeRunning && job.Status == models.OutcomePending {
				if err := e.store.MarkJobRunning(ctx, job.ID); err != nil {
					e.log.Warn("mark job running", "job_id", job.ID, "error", err)
				}
				job.Status = models.OutcomeRunning
				pending[st.ID] = job
			}
			if err := e.store.UpdateJobAttempts(ctx, job.ID, attempts); err != nil {
				e.log.Warn("persist attempts", "job_id", job.ID, "error", err)
			}

			if mapped.Terminal() {
				reason := ""
				if mapped == models.OutcomeFailed {
					reason = st.FailDesc
				}
				job.Attempts = attempts
				e.Resolve(ctx, job, mapped, reason, st)
				e.finishBatchJob(ctx, pending, tokens, st.ID)
			}
		}

		for id, job := range pending {
			if seen[id] {
				continue
			}
			misses[id]++
			if misses[id] >= batchMissLimit {
				job.Attempts = attempts
				e.Resolve(ctx, job, models.OutcomeFailed, models.ReasonNotFound, nil)
				e.finishBatchJob(ctx, pending, tokens, id)
			}
		}
	}

	for id, job := range pending {
		telemetry.JobsTimedOut.Inc()
		job.Attempts = attempts
		e.Resolve(ctx, job, models.OutcomeFailed, models.ReasonTimeout, nil)
		e.finishBatchJob(ctx, pending, tokens, id)
	}
}

func (e *Engine) finishBatchJob(ctx context.Context, pending map[string]models.Job, tokens map[string]string, externalID string) {
	job := pending[externalID]
	delete(pending, externalID)
	e.dropLease(ctx, job.ID, tokens[job.ID])
	delete(tokens, job.ID)
}

// Resolve writes the terminal state and, only if this caller won the
// conditional write, runs the post-terminal pipeline: policy mutations,
// device stop, rental finalize, diagnostics. Losing the write means another
// actor already resolved the job; nothing else runs.
func (e *Engine) Resolve(ctx context.Context, job models.Job, outcome models.Outcome, reason string, last *cloudphone.TaskStatus) {
	won, err := e.store.FinishJob(ctx, job.ID, outcome, reason)
	if err != nil {
		e.log.Error("finish job", "job_id", job.ID, "error", err)
		return
	}
	if !won {
		e.log.Info("job already resolved elsewhere", "job_id", job.ID)
		return
	}

	policy, err := PolicyFor(job.Kind)
	if err != nil {
		e.log.Error("resolve without policy", "job_id", job.ID, "error", err)
		return
	}

	switch outcome {
	case models.OutcomeSucceeded:
		telemetry.JobsSucceeded.Inc()
		if policy.OnSuccess != nil {
			if err := policy.OnSuccess(ctx, e.store, job, last); err != nil {
				e.log.Error("success mutation", "job_id", job.ID, "error", err)
			}
		}
	case models.OutcomeCancelled:
		telemetry.JobsCancelled.Inc()
	default:
		telemetry.JobsFailed.Inc()
		if policy.OnFailure != nil {
			if err := policy.OnFailure(ctx, e.store, job, reason); err != nil {
				e.log.Error("failure mutation", "job_id", job.ID, "error", err)
			}
		}
	}

	// Resources are handed back on every terminal path, success included.
	if job.DeviceID != "" {
		if err := e.releaser.StopDevice(ctx, job.DeviceID); err != nil {
			e.log.Error("stop device", "job_id", job.ID, "device_id", job.DeviceID, "error", err)
		}
	}
	if policy.FinalizeRental && job.RentalID != nil {
		e.finalizeRental(ctx, job, outcome)
	}

	if outcome == models.OutcomeFailed && e.diag != nil {
		go e.diag.CaptureFailure(context.WithoutCancel(ctx), job)
	}

	elapsed := time.Duration(0)
	if !job.StartedAt.IsZero() {
		elapsed = time.Since(job.StartedAt).Round(time.Second)
	}
	e.auditf(ctx, job.ID, "job_resolved", "kind=%s outcome=%s reason=%s attempts=%d elapsed=%s",
		job.Kind, outcome, reason, job.Attempts, elapsed)
	e.log.Info("job resolved",
		"job_id", job.ID, "kind", job.Kind, "outcome", outcome,
		"reason", reason, "elapsed", elapsed)
}

func (e *Engine) finalizeRental(ctx context.Context, job models.Job, outcome models.Outcome) {
	rental, err := e.store.GetRental(ctx, *job.RentalID)
	if err != nil {
		e.log.Error("load rental", "job_id", job.ID, "rental_id", *job.RentalID, "error", err)
		return
	}
	if rental.Status == models.RentalFinalized {
		return
	}
	verdict := rentalOutcome(outcome, rental)
	if err := e.releaser.FinalizeRental(ctx, rental.RentalID, verdict); err != nil {
		e.log.Error("finalize rental", "job_id", job.ID, "rental_id", rental.RentalID, "error", err)
	}
}

func (e *Engine) heartbeat(ctx context.Context, jobID, token string) {
	if token == "" {
		return
	}
	ok, err := e.leases.HeartbeatJob(ctx, jobID, token, e.leaseTTL)
	if err != nil {
		e.log.Warn("lease heartbeat", "job_id", jobID, "error", err)
	} else if !ok {
		// Lost the lease (expiry or takeover). The conditional terminal
		// write keeps a duplicate resolution harmless, so keep polling.
		e.log.Warn("lease lost, continuing", "job_id", jobID)
	}
}

func (e *Engine) dropLease(ctx context.Context, jobID, token string) {
	if token == "" {
		return
	}
	if err := e.leases.ReleaseJob(context.WithoutCancel(ctx), jobID, token); err != nil {
		e.log.Warn("release job lease", "job_id", jobID, "error", err)
	}
}

func (e *Engine) auditf(ctx context.Context, entityID, event, format string, args ...any) {
	if err := e.store.AppendAudit(ctx, entityID, event, fmt.Sprintf(format, args...)); err != nil {
		e.log.Warn("append audit", "entity_id", entityID, "event", event, "error", err)
	}
}

func statusFor(statuses []cloudphone.TaskStatus, id string) *cloudphone.TaskStatus {
	for i := range statuses {
		if statuses[i].ID == id {
			return &statuses[i]
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
