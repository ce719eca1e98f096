package reaper

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"phoneops/internal/cloudphone"
	"phoneops/internal/models"
	"phoneops/internal/monitor"
)

type fakeEngine struct {
	mu       sync.Mutex
	watched  []string
	resolved map[string]models.Outcome
	reasons  map[string]string
	done     chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		resolved: map[string]models.Outcome{},
		reasons:  map[string]string{},
		done:     make(chan struct{}, 8),
	}
}

func (f *fakeEngine) Watch(_ context.Context, job models.Job) {
	f.mu.Lock()
	f.watched = append(f.watched, job.ID)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeEngine) Resolve(_ context.Context, job models.Job, outcome models.Outcome, reason string, _ *cloudphone.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[job.ID] = outcome
	f.reasons[job.ID] = reason
}

type fakeStore struct {
	jobs     map[string][]models.Job
	stuck    []models.Account
	active   map[string]bool
	statuses map[string]string
}

func (f *fakeStore) ActiveJobsStartedBefore(_ context.Context, kind string, _ time.Time, _ int) ([]models.Job, error) {
	return f.jobs[kind], nil
}

func (f *fakeStore) AccountsStuckSince(_ context.Context, _ time.Time, _ int) ([]models.Account, error) {
	return f.stuck, nil
}

func (f *fakeStore) HasActiveJob(_ context.Context, accountID string) (bool, error) {
	return f.active[accountID], nil
}

func (f *fakeStore) SetAccountStatus(_ context.Context, id, status, _ string) error {
	if f.statuses == nil {
		f.statuses = map[string]string{}
	}
	f.statuses[id] = status
	return nil
}

type fakeLocks struct {
	live map[string]bool
}

func (f *fakeLocks) JobLeaseLive(_ context.Context, jobID string) (bool, error) {
	return f.live[jobID], nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestReaper(e *fakeEngine, st *fakeStore, locks *fakeLocks) *Reaper {
	return New(e, st, locks, slog.New(slog.NewTextHandler(nopWriter{}, nil)), Options{})
}

func TestSweepForceFailsExpiredJob(t *testing.T) {
	pol, _ := monitor.PolicyFor(models.KindLogin)
	old := time.Now().UTC().Add(-(pol.MaxWait() + time.Hour))
	st := &fakeStore{jobs: map[string][]models.Job{
		models.KindLogin: {{ID: "j1", Kind: models.KindLogin, StartedAt: old}},
	}}
	e := newFakeEngine()

	if err := newTestReaper(e, st, &fakeLocks{}).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if e.resolved["j1"] != models.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", e.resolved["j1"])
	}
	if e.reasons["j1"] != models.ReasonTimeout {
		t.Errorf("reason = %q, want timeout", e.reasons["j1"])
	}
	if len(e.watched) != 0 {
		t.Errorf("expired job was resumed: %v", e.watched)
	}
}

func TestSweepResumesYoungOrphan(t *testing.T) {
	st := &fakeStore{jobs: map[string][]models.Job{
		models.KindWarmup: {{ID: "j2", Kind: models.KindWarmup, StartedAt: time.Now().UTC().Add(-time.Minute)}},
	}}
	e := newFakeEngine()

	if err := newTestReaper(e, st, &fakeLocks{}).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		t.Fatal("orphan was not resumed")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.watched) != 1 || e.watched[0] != "j2" {
		t.Errorf("watched = %v, want [j2]", e.watched)
	}
	if len(e.resolved) != 0 {
		t.Errorf("young orphan was force-resolved: %v", e.resolved)
	}
}

func TestSweepLeavesMonitoredJobAlone(t *testing.T) {
	st := &fakeStore{jobs: map[string][]models.Job{
		models.KindEngagement: {{ID: "j3", Kind: models.KindEngagement, StartedAt: time.Now().UTC()}},
	}}
	e := newFakeEngine()
	locks := &fakeLocks{live: map[string]bool{"j3": true}}

	if err := newTestReaper(e, st, locks).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.watched) != 0 || len(e.resolved) != 0 {
		t.Errorf("live job touched: watched=%v resolved=%v", e.watched, e.resolved)
	}
}

func TestSweepFlagsStuckAccounts(t *testing.T) {
	st := &fakeStore{
		stuck: []models.Account{
			{ID: "a1", Status: models.AccountWarmingUp},
			{ID: "a2", Status: models.AccountProvisioning},
		},
		active: map[string]bool{"a2": true},
	}
	e := newFakeEngine()

	if err := newTestReaper(e, st, &fakeLocks{}).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if st.statuses["a1"] != models.AccountError {
		t.Errorf("a1 status = %q, want error", st.statuses["a1"])
	}
	if _, touched := st.statuses["a2"]; touched {
		t.Error("a2 has an active job and must not be flagged")
	}
}
