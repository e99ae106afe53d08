package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnelbridge_build_info",
			Help: "Build information",
		},
		[]string{"component", "date", "sha", "version"},
	)

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelbridge_invocations_total",
			Help: "Gateway invocations by worker and outcome",
		},
		[]string{"worker_id", "outcome"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunnelbridge_invocation_duration_seconds",
			Help:    "Time from publish to settlement of an invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker_id"},
	)

	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelbridge_events_total",
			Help: "Transport events handled by the event router",
		},
		[]string{"kind", "outcome"},
	)

	readinessChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelbridge_readiness_changes_total",
			Help: "Readiness updates applied to the registry",
		},
		[]string{"ready"},
	)

	hubConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelbridge_hub_connections",
			Help: "Open client connections on the hub",
		},
	)

	hubMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelbridge_hub_messages_total",
			Help: "Messages routed by the hub",
		},
		[]string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, invocations, invocationDuration, events, readinessChanges, hubConnections, hubMessages)
}

// RegisterPending exposes the size of a pending correlation table.
func RegisterPending(r prometheus.Registerer, size func() int) {
	r.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tunnelbridge_pending_requests",
			Help: "Invocations waiting for a worker response",
		},
		func() float64 { return float64(size()) },
	))
}

// SetBuildInfo sets the build info metric for a component.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, date, sha, version).Set(1)
}

// RecordInvocation counts a gateway invocation outcome.
func RecordInvocation(workerID, outcome string) {
	invocations.WithLabelValues(workerID, outcome).Inc()
}

// ObserveInvocationDuration records how long an invocation waited.
func ObserveInvocationDuration(workerID string, d time.Duration) {
	invocationDuration.WithLabelValues(workerID).Observe(d.Seconds())
}

// RecordEvent counts a routed transport event.
func RecordEvent(kind, outcome string) {
	events.WithLabelValues(kind, outcome).Inc()
}

// RecordReadinessChange counts a readiness update.
func RecordReadinessChange(ready bool) {
	v := "false"
	if ready {
		v = "true"
	}
	readinessChanges.WithLabelValues(v).Inc()
}

// SetHubConnections sets the open hub connection count.
func SetHubConnections(n int) {
	hubConnections.Set(float64(n))
}

// RecordHubMessage counts a message routed by the hub.
func RecordHubMessage(kind string) {
	hubMessages.WithLabelValues(kind).Inc()
}
