// Package taxonomy translates vendor status codes into canonical outcomes.
package taxonomy

import (
	"phoneops/internal/models"
)

// Vendor task status codes. The vendor never reuses retired codes, so gaps
// (5, 6) are expected.
const (
	TaskWaiting    = 1
	TaskInProgress = 2
	TaskCompleted  = 3
	TaskFailed     = 4
	TaskCancelled  = 7
)

// Vendor device power codes.
const (
	DeviceRunning  = 0
	DeviceStarting = 1
	DeviceStopped  = 2
	DeviceExpired  = 3
)

// MapTask converts a vendor task code to a canonical outcome. Unknown codes
// fail open: they map to running so a job is never marked terminal on a code
// we do not recognize. The second return reports whether the code was known;
// callers log unknown codes as anomalies.
func MapTask(code int) (models.Outcome, bool) {
	switch code {
	case TaskWaiting:
		return models.OutcomePending, true
	case TaskInProgress:
		return models.OutcomeRunning, true
	case TaskCompleted:
		return models.OutcomeSucceeded, true
	case TaskFailed:
		return models.OutcomeFailed, true
	case TaskCancelled:
		return models.OutcomeCancelled, true
	default:
		return models.OutcomeRunning, false
	}
}

// MapDevice converts a vendor device power code to a power state. Unknown
// codes report as running so nobody treats an unrecognized state as released.
func MapDevice(code int) (string, bool) {
	switch code {
	case DeviceRunning:
		return models.PowerRunning, true
	case DeviceStarting:
		return models.PowerStarting, true
	case DeviceStopped:
		return models.PowerStopped, true
	case DeviceExpired:
		return models.PowerExpired, true
	default:
		return models.PowerRunning, false
	}
}
