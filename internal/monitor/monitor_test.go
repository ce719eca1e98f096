package monitor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"phoneops/internal/cloudphone"
	"phoneops/internal/models"
	"phoneops/internal/taxonomy"
)

type fakeTasks struct {
	mu    sync.Mutex
	polls int
	// script maps poll number (1-based) to the response for that poll;
	// the last configured response repeats.
	script [][]cloudphone.TaskStatus
}

func (f *fakeTasks) QueryTasks(_ context.Context, _ []string) ([]cloudphone.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	idx := f.polls - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	return f.script[idx], nil
}

type fakeReleaser struct {
	mu        sync.Mutex
	stops     []string
	finalized map[string]string
}

func (f *fakeReleaser) StopDevice(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, deviceID)
	return nil
}

func (f *fakeReleaser) FinalizeRental(_ context.Context, rentalID, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalized == nil {
		f.finalized = map[string]string{}
	}
	f.finalized[rentalID] = outcome
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	finished map[string]models.Outcome
	reasons  map[string]string
	running  map[string]bool
	attempts map[string]int
	accounts map[string]string
	warmups  map[string]bool
	posts    map[string]string
	rentals  map[string]models.Rental
	audits   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		finished: map[string]models.Outcome{},
		reasons:  map[string]string{},
		running:  map[string]bool{},
		attempts: map[string]int{},
		accounts: map[string]string{},
		warmups:  map[string]bool{},
		posts:    map[string]string{},
		rentals:  map[string]models.Rental{},
	}
}

func (f *fakeStore) MarkJobRunning(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = true
	return nil
}

func (f *fakeStore) UpdateJobAttempts(_ context.Context, id string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id] = attempts
	return nil
}

func (f *fakeStore) FinishJob(_ context.Context, id string, outcome models.Outcome, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.finished[id]; done {
		return false, nil
	}
	f.finished[id] = outcome
	f.reasons[id] = reason
	return true, nil
}

func (f *fakeStore) GetRental(_ context.Context, rentalID string) (models.Rental, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rentals[rentalID], nil
}

func (f *fakeStore) SetAccountStatus(_ context.Context, id, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = status
	return nil
}

func (f *fakeStore) SetAccountActive(_ context.Context, id string, warmupDone bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = models.AccountActive
	f.warmups[id] = warmupDone
	return nil
}

func (f *fakeStore) MarkPostPosted(_ context.Context, jobID, vendorPostID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[jobID] = "posted:" + vendorPostID
	return nil
}

func (f *fakeStore) MarkPostFailed(_ context.Context, jobID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[jobID] = "failed:" + errorMessage
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, entityID, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entityID+" "+event+" "+detail)
	return nil
}

func (f *fakeStore) auditContaining(parts ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.audits {
		ok := true
		for _, p := range parts {
			if !strings.Contains(a, p) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// fakeLeases hands out a lease per job id exactly once until released.
type fakeLeases struct {
	mu   sync.Mutex
	held map[string]string
}

func (f *fakeLeases) AcquireJob(_ context.Context, jobID string, _ time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = map[string]string{}
	}
	if _, ok := f.held[jobID]; ok {
		return "", false, nil
	}
	token := "tok-" + jobID
	f.held[jobID] = token
	return token, true, nil
}

func (f *fakeLeases) HeartbeatJob(_ context.Context, jobID, token string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[jobID] == token, nil
}

func (f *fakeLeases) ReleaseJob(_ context.Context, jobID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[jobID] == token {
		delete(f.held, jobID)
	}
	return nil
}

func newTestEngine(tasks *fakeTasks, rel *fakeReleaser, st *fakeStore) *Engine {
	e := New(tasks, rel, st, &fakeLeases{}, slog.New(slog.NewTextHandler(testWriter{}, nil)), Options{})
	e.sleep = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}
	return e
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func runningStatus(id string) []cloudphone.TaskStatus {
	return []cloudphone.TaskStatus{{ID: id, Status: taxonomy.TaskInProgress}}
}

func TestWatchLoginSuccessReleasesAndFinalizes(t *testing.T) {
	rentalID := "r1"
	job := models.Job{
		ID: "j1", ExternalTaskID: "t1", Kind: models.KindLogin,
		AccountID: "a1", DeviceID: "d1", RentalID: &rentalID,
		StartedAt: time.Now(),
	}
	code := "123456"
	tasks := &fakeTasks{script: [][]cloudphone.TaskStatus{
		runningStatus("t1"),
		{{ID: "t1", Status: taxonomy.TaskCompleted}},
	}}
	rel := &fakeReleaser{}
	st := newFakeStore()
	st.rentals[rentalID] = models.Rental{RentalID: rentalID, Status: models.RentalCodeReceived, Code: &code}

	newTestEngine(tasks, rel, st).Watch(context.Background(), job)

	if got := st.finished["j1"]; got != models.OutcomeSucceeded {
		t.Fatalf("outcome = %v, want succeeded", got)
	}
	if !st.running["j1"] {
		t.Error("job never marked running")
	}
	if st.accounts["a1"] != models.AccountActive {
		t.Errorf("account status = %q, want active", st.accounts["a1"])
	}
	if len(rel.stops) != 1 || rel.stops[0] != "d1" {
		t.Errorf("stops = %v, want exactly [d1]", rel.stops)
	}
	if rel.finalized[rentalID] != models.RentalOutcomeConsumed {
		t.Errorf("rental outcome = %q, want consumed", rel.finalized[rentalID])
	}
}

func TestWatchTimeoutFailsAndRefunds(t *testing.T) {
	rentalID := "r2"
	job := models.Job{
		ID: "j2", ExternalTaskID: "t2", Kind: models.KindLogin,
		AccountID: "a2", DeviceID: "d2", RentalID: &rentalID,
	}
	tasks := &fakeTasks{script: [][]cloudphone.TaskStatus{runningStatus("t2")}}
	rel := &fakeReleaser{}
	st := newFakeStore()
	st.rentals[rentalID] = models.Rental{RentalID: rentalID, Status: models.RentalWaiting}

	newTestEngine(tasks, rel, st).Watch(context.Background(), job)

	if got := st.finished["j2"]; got != models.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	if st.reasons["j2"] != models.ReasonTimeout {
		t.Errorf("reason = %q, want timeout", st.reasons["j2"])
	}
	if st.accounts["a2"] != models.AccountError {
		t.Errorf("account status = %q, want error", st.accounts["a2"])
	}
	if len(rel.stops) != 1 {
		t.Errorf("stops = %v, want exactly one", rel.stops)
	}
	if rel.finalized[rentalID] != models.RentalOutcomeRefunded {
		t.Errorf("rental outcome = %q, want refunded", rel.finalized[rentalID])
	}
	pol, _ := PolicyFor(models.KindLogin)
	if tasks.polls != pol.MaxAttempts {
		t.Errorf("polls = %d, want %d", tasks.polls, pol.MaxAttempts)
	}
}

func TestWatchUnknownStatusCodeKeepsPolling(t *testing.T) {
	job := models.Job{ID: "j3", ExternalTaskID: "t3", Kind: models.KindWarmup, AccountID: "a3", DeviceID: "d3"}
	tasks := &fakeTasks{script: [][]cloudphone.TaskStatus{
		{{ID: "t3", Status: 99}},
		{{ID: "t3", Status: 99}},
		{{ID: "t3", Status: taxonomy.TaskCompleted}},
	}}
	rel := &fakeReleaser{}
	st := newFakeStore()

	newTestEngine(tasks, rel, st).Watch(context.Background(), job)

	if got := st.finished["j3"]; got != models.OutcomeSucceeded {
		t.Fatalf("outcome = %v, want succeeded after unknown codes", got)
	}
	if !st.warmups["a3"] {
		t.Error("warmup_done not recorded")
	}
	if tasks.polls != 3 {
		t.Errorf("polls = %d, want 3", tasks.polls)
	}
	if !st.auditContaining("j3 job_resolved", "attempts=3") {
		t.Errorf("resolution audit missing live poll count: %v", st.audits)
	}
}

func TestWatchVendorPurgedTask(t *testing.T) {
	job := models.Job{ID: "j4", ExternalTaskID: "t4", Kind: models.KindEngagement, AccountID: "a4", DeviceID: "d4"}
	tasks := &fakeTasks{script: [][]cloudphone.TaskStatus{{}}}
	rel := &fakeReleaser{}
	st := newFakeStore()

	newTestEngine(tasks, rel, st).Watch(context.Background(), job)

	if got := st.finished["j4"]; got != models.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}
	if st.reasons["j4"] != models.ReasonNotFound {
		t.Errorf("reason = %q, want not_found", st.reasons["j4"])
	}
	if len(rel.stops) != 1 {
		t.Errorf("stops = %v, want exactly one", rel.stops)
	}
}

func TestResolveAtMostOnce(t *testing.T) {
	job := models.Job{ID: "j5", ExternalTaskID: "t5", Kind: models.KindEngagement, AccountID: "a5", DeviceID: "d5"}
	rel := &fakeReleaser{}
	st := newFakeStore()
	e := newTestEngine(&fakeTasks{script: [][]cloudphone.TaskStatus{{}}}, rel, st)

	// Live monitor and reaper race to resolve the same job.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Resolve(context.Background(), job, models.OutcomeFailed, models.ReasonTimeout, nil)
		}()
	}
	wg.Wait()

	if len(rel.stops) != 1 {
		t.Fatalf("device stopped %d times, want 1", len(rel.stops))
	}
}

func TestWatchRefusedWhenLeaseHeld(t *testing.T) {
	job := models.Job{ID: "j6", ExternalTaskID: "t6", Kind: models.KindLogin, AccountID: "a6", DeviceID: "d6"}
	tasks := &fakeTasks{script: [][]cloudphone.TaskStatus{runningStatus("t6")}}
	rel := &fakeReleaser{}
	st := newFakeStore()

	leases := &fakeLeases{}
	if _, ok, _ := leases.AcquireJob(context.Background(), job.ID, time.Minute); !ok {
		t.Fatal("setup: could not pre-acquire lease")
	}

	e := New(tasks, rel, st, leases, slog.New(slog.NewTextHandler(testWriter{}, nil)), Options{})
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	e.Watch(context.Background(), job)

	if tasks.polls != 0 {
		t.Errorf("polls = %d, want 0 while lease is held elsewhere", tasks.polls)
	}
	if len(st.finished) != 0 {
		t.Errorf("job resolved despite held lease: %v", st.finished)
	}
}

func TestWatchBatchResolvesEachJob(t *testing.T) {
	batch := "b1"
	jobs := []models.Job{
		{ID: "j7", ExternalTaskID: "t7", Kind: models.KindBulkPost, AccountID: "a7", DeviceID: "d7", BatchID: &batch},
		{ID: "j8", ExternalTaskID: "t8", Kind: models.KindBulkPost, AccountID: "a8", DeviceID: "d8", BatchID: &batch},
	}
	tasks := &fakeTasks{script: [][]cloudphone.TaskStatus{
		{
			{ID: "t7", Status: taxonomy.TaskInProgress},
			{ID: "t8", Status: taxonomy.TaskInProgress},
		},
		{
			{ID: "t7", Status: taxonomy.TaskCompleted, Result: &cloudphone.TaskResult{PostID: "p7"}},
			{ID: "t8", Status: taxonomy.TaskFailed, FailDesc: "upload rejected"},
		},
	}}
	rel := &fakeReleaser{}
	st := newFakeStore()

	newTestEngine(tasks, rel, st).WatchBatch(context.Background(), jobs)

	if st.finished["j7"] != models.OutcomeSucceeded {
		t.Errorf("j7 outcome = %v, want succeeded", st.finished["j7"])
	}
	if st.posts["j7"] != "posted:p7" {
		t.Errorf("j7 post record = %q", st.posts["j7"])
	}
	if st.finished["j8"] != models.OutcomeFailed {
		t.Errorf("j8 outcome = %v, want failed", st.finished["j8"])
	}
	if st.posts["j8"] != "failed:upload rejected" {
		t.Errorf("j8 post record = %q", st.posts["j8"])
	}
	if len(rel.stops) != 2 {
		t.Errorf("stops = %v, want both devices", rel.stops)
	}
	if !st.auditContaining("j7 job_resolved", "attempts=2") {
		t.Errorf("batch resolution audit missing poll count: %v", st.audits)
	}
}

func TestWatchBatchToleratesPartialResults(t *testing.T) {
	jobs := []models.Job{
		{ID: "j9", ExternalTaskID: "t9", Kind: models.KindBulkPost, AccountID: "a9", DeviceID: "d9"},
	}
	// Absent twice, then terminal: the miss counter must reset.
	tasks := &fakeTasks{script: [][]cloudphone.TaskStatus{
		{},
		{},
		{{ID: "t9", Status: taxonomy.TaskCompleted}},
	}}
	rel := &fakeReleaser{}
	st := newFakeStore()

	newTestEngine(tasks, rel, st).WatchBatch(context.Background(), jobs)

	if st.finished["j9"] != models.OutcomeSucceeded {
		t.Fatalf("outcome = %v, want succeeded despite partial results", st.finished["j9"])
	}
}

func TestWatchBatchPurgedAfterRepeatedMisses(t *testing.T) {
	jobs := []models.Job{
		{ID: "j10", ExternalTaskID: "t10", Kind: models.KindBulkPost, AccountID: "a10", DeviceID: "d10"},
	}
	tasks := &fakeTasks{script: [][]cloudphone.TaskStatus{{}}}
	rel := &fakeReleaser{}
	st := newFakeStore()

	newTestEngine(tasks, rel, st).WatchBatch(context.Background(), jobs)

	if st.finished["j10"] != models.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", st.finished["j10"])
	}
	if st.reasons["j10"] != models.ReasonNotFound {
		t.Errorf("reason = %q, want not_found", st.reasons["j10"])
	}
	if tasks.polls != batchMissLimit {
		t.Errorf("polls = %d, want %d", tasks.polls, batchMissLimit)
	}
}

func TestRentalOutcome(t *testing.T) {
	code := "000111"
	cases := []struct {
		name   string
		job    models.Outcome
		rental models.Rental
		want   string
	}{
		{"code delivered, job failed", models.OutcomeFailed, models.Rental{Code: &code}, models.RentalOutcomeConsumed},
		{"no code, job succeeded", models.OutcomeSucceeded, models.Rental{}, models.RentalOutcomeConsumed},
		{"no code, job failed", models.OutcomeFailed, models.Rental{}, models.RentalOutcomeRefunded},
		{"no code, job cancelled", models.OutcomeCancelled, models.Rental{}, models.RentalOutcomeRefunded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rentalOutcome(tc.job, tc.rental); got != tc.want {
				t.Errorf("rentalOutcome = %q, want %q", got, tc.want)
			}
		})
	}
}
