package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_delivered_total",
			Help: "Total number of operator alerts delivered",
		},
		[]string{"channel", "event_type", "status"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alert_delivery_duration_seconds",
			Help:    "Alert delivery duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	suppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_suppressed_total",
			Help: "Alerts dropped because an identical alert was sent within the cooldown",
		},
		[]string{"event_type"},
	)
)

func recordDelivery(channel, eventType, status string, d time.Duration) {
	deliveredTotal.WithLabelValues(channel, eventType, status).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
}
