package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshreg/meshreg/pkg/slot"
)

// slotMetrics implements slot.Metrics on Prometheus collectors.
type slotMetrics struct {
	access    *prometheus.CounterVec
	leaders   prometheus.Gauge
	followers prometheus.Gauge
	syncDur   *prometheus.HistogramVec
	migration prometheus.Histogram
}

// NewSlotMetrics builds the slot manager's collectors, nil when metrics are
// disabled.
func NewSlotMetrics() slot.Metrics {
	if !IsEnabled() {
		return nil
	}

	m := &slotMetrics{
		access: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshreg",
			Subsystem: "slot",
			Name:      "access_total",
			Help:      "Slot access check results by verdict.",
		}, []string{"result"}),
		leaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshreg",
			Subsystem: "slot",
			Name:      "leader_count",
			Help:      "Slots this node currently leads.",
		}),
		followers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshreg",
			Subsystem: "slot",
			Name:      "follower_count",
			Help:      "Slots this node currently follows.",
		}),
		syncDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshreg",
			Subsystem: "slot",
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync runs by kind (migrate, session, leader).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		migration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meshreg",
			Subsystem: "slot",
			Name:      "migration_duration_seconds",
			Help:      "Time from gaining leadership to migration finish.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
	register(m.access, m.leaders, m.followers, m.syncDur, m.migration)
	return m
}

func (m *slotMetrics) ObserveSlotAccess(result string) {
	m.access.WithLabelValues(result).Inc()
}

func (m *slotMetrics) SetSlotCounts(leaders, followers int) {
	m.leaders.Set(float64(leaders))
	m.followers.Set(float64(followers))
}

func (m *slotMetrics) ObserveSyncDuration(kind string, d time.Duration) {
	m.syncDur.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *slotMetrics) ObserveMigrationDuration(d time.Duration) {
	m.migration.Observe(d.Seconds())
}
