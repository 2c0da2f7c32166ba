package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for sweeps.
type Metrics struct {
	SweepsTotal   *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	SkippedTotal  *prometheus.CounterVec
	AlertsTotal   *prometheus.CounterVec
}

// NewMetrics constructs the sweep collectors and registers them on reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	sweeps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_sweeps_total",
			Help: "Sweeps by final status.",
		},
		[]string{"status"},
	)
	duration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_sweep_duration_seconds",
			Help:    "Wall time of completed sweeps.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	skipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_products_skipped_total",
			Help: "Products skipped during a sweep, by reason.",
		},
		[]string{"reason"},
	)
	alerts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_alerts_total",
			Help: "Alerts produced, by kind.",
		},
		[]string{"kind"},
	)

	if reg != nil {
		reg.MustRegister(sweeps, duration, skipped, alerts)
	}

	return &Metrics{
		SweepsTotal:   sweeps,
		SweepDuration: duration,
		SkippedTotal:  skipped,
		AlertsTotal:   alerts,
	}
}

func (m *Metrics) IncSweep(status string) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) IncSkipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncAlert(kind string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind).Inc()
}
