package dagexec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics is the default Metrics implementation, registered against a
// caller-supplied prometheus.Registerer.
type PromMetrics struct {
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewPromMetrics constructs and registers the kernel's node-level counters
// and histograms on reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro_hive",
			Subsystem: "dagexec",
			Name:      "node_completed_total",
			Help:      "Nodes that reached the completed state, by persona.",
		}, []string{"persona_id"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro_hive",
			Subsystem: "dagexec",
			Name:      "node_failed_total",
			Help:      "Nodes that reached the failed state, by persona and failure category.",
		}, []string{"persona_id", "category"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro_hive",
			Subsystem: "dagexec",
			Name:      "node_retry_total",
			Help:      "Node execution attempts beyond the first, by persona.",
		}, []string{"persona_id"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro_hive",
			Subsystem: "dagexec",
			Name:      "node_duration_seconds",
			Help:      "Wall-clock duration of completed node executions, by persona.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"persona_id"}),
	}
	reg.MustRegister(m.completed, m.failed, m.retries, m.duration)
	return m
}

func (m *PromMetrics) ObserveNodeCompleted(personaID string, duration time.Duration) {
	m.completed.WithLabelValues(personaID).Inc()
	m.duration.WithLabelValues(personaID).Observe(duration.Seconds())
}

func (m *PromMetrics) ObserveNodeFailed(personaID, category string) {
	m.failed.WithLabelValues(personaID, category).Inc()
}

func (m *PromMetrics) ObserveNodeRetry(personaID string) {
	m.retries.WithLabelValues(personaID).Inc()
}
