package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Duration of one full reconciliation cycle.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_cycle_duration_seconds",
			Help:    "Duration of one reconciliation cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
	)

	// Duration of one detector pass.
	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detector_pass_duration_seconds",
			Help:    "Duration of one detector pass in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"detector"},
	)

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Total number of user notifications pushed to the bot queues",
		},
		[]string{"type"},
	)

	ReferralBonusesGranted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "referral_bonuses_granted_total",
			Help: "Total number of traffic referral bonuses granted",
		},
	)

	RWMSRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rwms_request_duration_seconds",
			Help:    "Provisioning service request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"endpoint", "status"},
	)
)

// RecordDetectorDuration records the duration of one detector pass.
func RecordDetectorDuration(detector string, duration time.Duration) {
	DetectorDuration.WithLabelValues(detector).Observe(duration.Seconds())
}

// RecordRWMSRequest records one provisioning service call.
func RecordRWMSRequest(endpoint, status string, duration time.Duration) {
	RWMSRequestDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

// IncrementNotificationsPublished increments the published counter for a notification type.
func IncrementNotificationsPublished(notificationType string) {
	NotificationsPublished.WithLabelValues(notificationType).Inc()
}
