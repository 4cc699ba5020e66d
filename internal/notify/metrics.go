package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errtally_notifications_total",
			Help: "Notifications handled by the dispatcher by mailer and outcome.",
		},
		[]string{"mailer", "status"},
	)
	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "errtally_notification_send_duration_seconds",
			Help:    "Time spent in Mailer.Send, including retries.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mailer"},
	)
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "errtally_notification_queue_depth",
		Help: "Notifications waiting for a dispatcher worker.",
	})
)
