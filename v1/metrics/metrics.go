package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values of RequestsTotal.
const (
	OutcomeAcquired    = "acquired"
	OutcomeBusy        = "busy"
	OutcomeWaitTimeout = "wait_timeout"
	OutcomeHangTimeout = "hang_timeout"
	OutcomeError       = "error"
)

var (
	// RequestsTotal counts lock requests by provider and outcome.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockable_requests_total",
		Help: "Total number of lock requests",
	}, []string{"provider", "outcome"})
	// HangTimeouts counts callbacks abandoned by the hang guard.
	HangTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_hang_timeouts_total",
		Help: "Total number of callbacks that exceeded the hang timeout",
	})
	// WaitSeconds observes how long a request waited before the lock was
	// granted or the wait gave up.
	WaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockable_wait_seconds",
		Help:    "Time spent acquiring a lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"provider"})
	// Held reports the number of locks currently held by this process.
	Held = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockable_held",
		Help: "Current number of locks held by this process",
	}, []string{"provider"})
	// BusPublishFailures counts release notifications that could not be
	// published.
	BusPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_bus_publish_failures_total",
		Help: "Total number of failed release notifications",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RequestsTotal, HangTimeouts, WaitSeconds, Held, BusPublishFailures)
}
