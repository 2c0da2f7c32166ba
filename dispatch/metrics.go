package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles Prometheus collectors for notification delivery.
type Metrics struct {
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics constructs the delivery collectors and registers them on reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_notifications_total",
			Help: "Notifications by result.",
		},
		[]string{"result"},
	)
	if reg != nil {
		reg.MustRegister(notifications)
	}
	return &Metrics{NotificationsTotal: notifications}
}

func (m *Metrics) IncNotification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}
