package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the fulfillment pipeline
var (
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_webhook_events_total",
			Help: "Total number of webhook deliveries by pipeline outcome",
		},
		[]string{"outcome"},
	)

	WebhookRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_webhook_rejected_total",
			Help: "Total number of webhook deliveries rejected before processing",
		},
		[]string{"reason"},
	)

	WebhookProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fulfillment_webhook_processing_duration_seconds",
			Help:    "Duration of webhook processing",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_claims_total",
			Help: "Total number of idempotency claims by result",
		},
		[]string{"status"},
	)

	OrdersFinalizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_orders_finalized_total",
			Help: "Total number of orders finalized",
		},
	)

	AmountMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_amount_mismatch_total",
			Help: "Total number of carts whose total did not match the amount paid",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_notifications_total",
			Help: "Total number of notifications by recipient role and delivery outcome",
		},
		[]string{"role", "outcome"},
	)

	NotificationRetriesQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_notification_retries_queued_total",
			Help: "Total number of failed notifications handed to the retry queue",
		},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_job_runs_total",
			Help: "Total number of scheduled job runs by job and result",
		},
		[]string{"job", "result"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(WebhookEventsTotal)
		prometheus.MustRegister(WebhookRejectedTotal)
		prometheus.MustRegister(WebhookProcessingDuration)
		prometheus.MustRegister(ClaimsTotal)
		prometheus.MustRegister(OrdersFinalizedTotal)
		prometheus.MustRegister(AmountMismatchTotal)
		prometheus.MustRegister(NotificationsTotal)
		prometheus.MustRegister(NotificationRetriesQueuedTotal)
		prometheus.MustRegister(JobRunsTotal)
	})
}
