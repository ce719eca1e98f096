package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MonitorsStarted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_monitors_started_total", Help: "Job monitors launched"})
	MonitorsInFlight   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "phoneops_monitors_inflight", Help: "Job monitors currently polling"})
	JobsSucceeded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_jobs_succeeded_total", Help: "Jobs resolved as succeeded"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_jobs_failed_total", Help: "Jobs resolved as failed"})
	JobsCancelled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_jobs_cancelled_total", Help: "Jobs resolved as cancelled"})
	JobsTimedOut       = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_jobs_timed_out_total", Help: "Jobs forced terminal by the max-wait ceiling"})
	DevicesReleased    = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_devices_released_total", Help: "Device stop commands that took effect"})
	ReleaseFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_release_failures_total", Help: "Stop/finalize calls that exhausted their retry budget"})
	RentalsFinalized   = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_rentals_finalized_total", Help: "Rental finalize calls that took effect"})
	ReapedJobs         = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_reaped_jobs_total", Help: "Jobs resolved by the reaper instead of a live monitor"})
	ResumedJobs        = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_resumed_jobs_total", Help: "Orphaned jobs re-attached to a fresh monitor"})
	UnknownStatusCodes = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_unknown_status_codes_total", Help: "Vendor status codes outside the known taxonomy"})
	LaunchRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "phoneops_launch_rejects_total", Help: "Job launches rejected by the per-account rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MonitorsStarted,
			MonitorsInFlight,
			JobsSucceeded,
			JobsFailed,
			JobsCancelled,
			JobsTimedOut,
			DevicesReleased,
			ReleaseFailures,
			RentalsFinalized,
			ReapedJobs,
			ResumedJobs,
			UnknownStatusCodes,
			LaunchRejects,
		)
	})
	return promhttp.Handler()
}
