package release

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"phoneops/internal/cloudphone"
	"phoneops/internal/lock"
	"phoneops/internal/models"
	"phoneops/internal/smsline"
)

type fakeDevices struct {
	mu     sync.Mutex
	stops  int
	probes int
	// stopScript maps stop-call number (1-based) to the fail detail for that
	// call; nil means the stop succeeded. The last entry repeats.
	stopScript []*cloudphone.FailDetail
	powerCode  int
	havePower  bool
}

func (f *fakeDevices) StopDevices(_ context.Context, ids []string) (cloudphone.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	idx := f.stops - 1
	if idx >= len(f.stopScript) {
		idx = len(f.stopScript) - 1
	}
	var res cloudphone.BatchResult
	if idx >= 0 && f.stopScript[idx] != nil {
		d := *f.stopScript[idx]
		d.ID = ids[0]
		res.FailDetails = []cloudphone.FailDetail{d}
		return res, nil
	}
	res.SuccessAmount = 1
	res.SuccessDetails = []cloudphone.DeviceDetail{{ID: ids[0]}}
	return res, nil
}

func (f *fakeDevices) DeviceStatus(_ context.Context, ids []string) (cloudphone.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if !f.havePower {
		return cloudphone.BatchResult{}, nil
	}
	return cloudphone.BatchResult{
		SuccessAmount:  1,
		SuccessDetails: []cloudphone.DeviceDetail{{ID: ids[0], Status: f.powerCode}},
	}, nil
}

type fakeRentals struct {
	mu      sync.Mutex
	calls   int
	states  map[string]smsline.FinalState
	respond error
}

func (f *fakeRentals) SetFinalState(_ context.Context, rentalID string, state smsline.FinalState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.respond != nil {
		return f.respond
	}
	if f.states == nil {
		f.states = map[string]smsline.FinalState{}
	}
	f.states[rentalID] = state
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	power     map[string]string
	finalized map[string]string
	audits    []string
}

func (f *fakeStore) SetDevicePower(_ context.Context, deviceID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.power == nil {
		f.power = map[string]string{}
	}
	f.power[deviceID] = state
	return nil
}

func (f *fakeStore) FinalizeRental(_ context.Context, rentalID, outcome string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalized == nil {
		f.finalized = map[string]string{}
	}
	if _, done := f.finalized[rentalID]; done {
		return false, nil
	}
	f.finalized[rentalID] = outcome
	return true, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, _, event, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, event)
	return nil
}

func testLocker(t *testing.T) *lock.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return lock.New(client)
}

func newTestCoordinator(t *testing.T, devices *fakeDevices, rentals *fakeRentals, st *fakeStore) *Coordinator {
	t.Helper()
	log := slog.New(slog.NewTextHandler(discard{}, nil))
	return New(devices, rentals, st, testLocker(t), log, Options{
		RetryDelay: time.Millisecond,
	})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestStopDeviceSingleStop(t *testing.T) {
	devices := &fakeDevices{stopScript: []*cloudphone.FailDetail{nil}}
	st := &fakeStore{}
	c := newTestCoordinator(t, devices, &fakeRentals{}, st)

	if err := c.StopDevice(context.Background(), "dev-1"); err != nil {
		t.Fatalf("StopDevice: %v", err)
	}
	if devices.stops != 1 {
		t.Errorf("stop calls = %d, want 1", devices.stops)
	}
	if st.power["dev-1"] != models.PowerStopped {
		t.Errorf("power = %q, want stopped", st.power["dev-1"])
	}
}

func TestStopDeviceRetriesBusyThenStops(t *testing.T) {
	busy := &cloudphone.FailDetail{Code: cloudphone.CodeDeviceBusy, Msg: "task running"}
	devices := &fakeDevices{stopScript: []*cloudphone.FailDetail{busy, busy, nil}}
	st := &fakeStore{}
	c := newTestCoordinator(t, devices, &fakeRentals{}, st)

	if err := c.StopDevice(context.Background(), "dev-2"); err != nil {
		t.Fatalf("StopDevice: %v", err)
	}
	if devices.stops != 3 {
		t.Errorf("stop calls = %d, want 3", devices.stops)
	}
	if st.power["dev-2"] != models.PowerStopped {
		t.Errorf("power = %q, want stopped", st.power["dev-2"])
	}
}

func TestStopDeviceExhaustsBusyBudget(t *testing.T) {
	busy := &cloudphone.FailDetail{Code: cloudphone.CodeDeviceBusy, Msg: "task running"}
	devices := &fakeDevices{stopScript: []*cloudphone.FailDetail{busy}}
	st := &fakeStore{}
	c := newTestCoordinator(t, devices, &fakeRentals{}, st)

	err := c.StopDevice(context.Background(), "dev-3")
	if !errors.Is(err, ErrReleaseFailed) {
		t.Fatalf("err = %v, want ErrReleaseFailed", err)
	}
	if devices.stops != 4 { // initial attempt + 3 retries
		t.Errorf("stop calls = %d, want 4", devices.stops)
	}
	if !containsEvent(st.audits, "release_failed") {
		t.Errorf("audits = %v, want release_failed", st.audits)
	}
}

func TestStopDeviceAlreadyStoppedByOtherActor(t *testing.T) {
	detail := &cloudphone.FailDetail{Code: cloudphone.CodeDeviceNotRunning, Msg: "already stopped"}
	devices := &fakeDevices{stopScript: []*cloudphone.FailDetail{detail}}
	st := &fakeStore{}
	c := newTestCoordinator(t, devices, &fakeRentals{}, st)

	if err := c.StopDevice(context.Background(), "dev-4"); err != nil {
		t.Fatalf("StopDevice: %v", err)
	}
	if st.power["dev-4"] != models.PowerStopped {
		t.Errorf("power = %q, want stopped", st.power["dev-4"])
	}
}

func TestStopDeviceSkipsWhenProbeShowsStopped(t *testing.T) {
	devices := &fakeDevices{havePower: true, powerCode: 2} // vendor: shutdown
	st := &fakeStore{}
	c := newTestCoordinator(t, devices, &fakeRentals{}, st)

	if err := c.StopDevice(context.Background(), "dev-5"); err != nil {
		t.Fatalf("StopDevice: %v", err)
	}
	if devices.stops != 0 {
		t.Errorf("stop calls = %d, want 0 when probe shows stopped", devices.stops)
	}
	if st.power["dev-5"] != models.PowerStopped {
		t.Errorf("power = %q, want stopped", st.power["dev-5"])
	}
}

func TestStopDeviceLockExcludesConcurrentCaller(t *testing.T) {
	devices := &fakeDevices{stopScript: []*cloudphone.FailDetail{nil}}
	st := &fakeStore{}
	log := slog.New(slog.NewTextHandler(discard{}, nil))
	locker := testLocker(t)
	c := New(devices, &fakeRentals{}, st, locker, log, Options{RetryDelay: time.Millisecond})

	// Simulate a reaper already mid-stop for the device.
	_, ok, err := locker.AcquireDevice(context.Background(), "dev-6", time.Minute)
	if err != nil || !ok {
		t.Fatalf("setup: acquire lock: ok=%v err=%v", ok, err)
	}

	if err := c.StopDevice(context.Background(), "dev-6"); err != nil {
		t.Fatalf("StopDevice: %v", err)
	}
	if devices.stops != 0 {
		t.Errorf("stop calls = %d, want 0 while lock is held elsewhere", devices.stops)
	}
}

func TestStopDeviceMissingDevice(t *testing.T) {
	detail := &cloudphone.FailDetail{Code: cloudphone.CodeDeviceNotFound, Msg: "no such device"}
	devices := &fakeDevices{stopScript: []*cloudphone.FailDetail{detail}}
	st := &fakeStore{}
	c := newTestCoordinator(t, devices, &fakeRentals{}, st)

	if err := c.StopDevice(context.Background(), "dev-7"); err != nil {
		t.Fatalf("StopDevice: %v", err)
	}
	if devices.stops != 1 {
		t.Errorf("stop calls = %d, want 1", devices.stops)
	}
	if !containsEvent(st.audits, "device_missing") {
		t.Errorf("audits = %v, want device_missing", st.audits)
	}
}

func TestFinalizeRentalIdempotent(t *testing.T) {
	rentals := &fakeRentals{}
	st := &fakeStore{}
	c := newTestCoordinator(t, &fakeDevices{}, rentals, st)

	if err := c.FinalizeRental(context.Background(), "r-1", models.RentalOutcomeConsumed); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if rentals.states["r-1"] != smsline.FinalConsume {
		t.Errorf("vendor state = %q, want consume", rentals.states["r-1"])
	}
	if st.finalized["r-1"] != models.RentalOutcomeConsumed {
		t.Errorf("stored outcome = %q, want consumed", st.finalized["r-1"])
	}

	// Second call: vendor answers already-finalized, store write loses.
	rentals.respond = smsline.ErrAlreadyFinalized
	if err := c.FinalizeRental(context.Background(), "r-1", models.RentalOutcomeConsumed); err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if st.finalized["r-1"] != models.RentalOutcomeConsumed {
		t.Errorf("stored outcome changed on repeat: %q", st.finalized["r-1"])
	}
}

func TestFinalizeRentalVendorFailure(t *testing.T) {
	rentals := &fakeRentals{respond: errors.New("network down")}
	st := &fakeStore{}
	c := newTestCoordinator(t, &fakeDevices{}, rentals, st)

	err := c.FinalizeRental(context.Background(), "r-2", models.RentalOutcomeRefunded)
	if !errors.Is(err, ErrReleaseFailed) {
		t.Fatalf("err = %v, want ErrReleaseFailed", err)
	}
	if len(st.finalized) != 0 {
		t.Errorf("store finalized despite vendor failure: %v", st.finalized)
	}
}

func containsEvent(events []string, want string) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}
