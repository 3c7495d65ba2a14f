package notify

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for delivery results.
const (
	resultSent   = "sent"
	resultFailed = "failed"
)

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "attemptd_notifications_total",
		Help: "Total number of notification dispatches by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)

	notificationsTotal.WithLabelValues(resultSent)
	notificationsTotal.WithLabelValues(resultFailed)
}
