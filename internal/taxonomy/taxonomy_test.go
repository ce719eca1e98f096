package taxonomy

import (
	"testing"

	"phoneops/internal/models"
)

func TestMapTask(t *testing.T) {
	cases := []struct {
		code  int
		want  models.Outcome
		known bool
	}{
		{TaskWaiting, models.OutcomePending, true},
		{TaskInProgress, models.OutcomeRunning, true},
		{TaskCompleted, models.OutcomeSucceeded, true},
		{TaskFailed, models.OutcomeFailed, true},
		{TaskCancelled, models.OutcomeCancelled, true},
	}
	for _, c := range cases {
		got, known := MapTask(c.code)
		if got != c.want || known != c.known {
			t.Fatalf("MapTask(%d) = %s/%v, want %s/%v", c.code, got, known, c.want, c.known)
		}
	}
}

func TestMapTaskFailsOpen(t *testing.T) {
	for _, code := range []int{0, 5, 6, 8, 99, -1} {
		got, known := MapTask(code)
		if known {
			t.Fatalf("code %d should be unknown", code)
		}
		if got != models.OutcomeRunning {
			t.Fatalf("unknown code %d mapped to %s, must stay running", code, got)
		}
		if got.Terminal() {
			t.Fatalf("unknown code %d produced terminal outcome", code)
		}
	}
}

func TestMapDevice(t *testing.T) {
	if state, known := MapDevice(DeviceStopped); state != models.PowerStopped || !known {
		t.Fatalf("stopped code mapped to %s/%v", state, known)
	}
	if state, known := MapDevice(42); state != models.PowerRunning || known {
		t.Fatalf("unknown device code mapped to %s/%v, want running/false", state, known)
	}
}
