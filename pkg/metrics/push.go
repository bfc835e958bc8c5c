package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshreg/meshreg/pkg/session/push"
)

// pushMetrics implements push.Metrics on Prometheus collectors.
type pushMetrics struct {
	pushes  *prometheus.CounterVec
	retries prometheus.Counter
	pending prometheus.Gauge
}

// NewPushMetrics builds the push processor's collectors, nil when metrics
// are disabled.
func NewPushMetrics() push.Metrics {
	if !IsEnabled() {
		return nil
	}

	m := &pushMetrics{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshreg",
			Subsystem: "push",
			Name:      "total",
			Help:      "Push outcomes by result (success, fail, conflict, stopped, exhausted).",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshreg",
			Subsystem: "push",
			Name:      "retry_total",
			Help:      "Push retries scheduled.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshreg",
			Subsystem: "push",
			Name:      "pending_tasks",
			Help:      "Push tasks currently pending.",
		}),
	}
	register(m.pushes, m.retries, m.pending)
	return m
}

func (m *pushMetrics) ObservePush(result string) {
	m.pushes.WithLabelValues(result).Inc()
}

func (m *pushMetrics) ObservePushRetry() {
	m.retries.Inc()
}

func (m *pushMetrics) SetPendingTasks(n int) {
	m.pending.Set(float64(n))
}
