package metrics

import "time"

var (
	WebhooksTotal = Default.Counter("webhooks_total", "Webhook deliveries received", "")
	JobsEnqueued  = Default.Counter("jobs_enqueued_total", "Jobs accepted by the queue", "")
	JobsDuplicate = Default.Counter("jobs_duplicate_total", "Enqueues dropped as duplicate message ids", "")
	JobsProcessed = Default.Counter("jobs_processed_total", "Jobs acknowledged after successful processing", "")
	JobsFailed    = Default.Counter("jobs_failed_total", "Job attempts that returned an error", "")
	JobsRetried   = Default.Counter("jobs_retried_total", "Failed jobs scheduled for another attempt", "")
	JobsDead      = Default.Counter("jobs_dead_total", "Jobs dead-lettered after exhausting attempts", "")
	RepliesSent   = Default.Counter("replies_sent_total", "Text messages sent to users", "")
	JobsInFlight  = Default.Gauge("jobs_in_flight", "Jobs currently being processed", "")

	JobDuration = Default.Histogram("job_duration_seconds", "Job processing time in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300})
)

var adapterBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

// WebhookRejected counts rejected webhook deliveries by reason.
func WebhookRejected(reason string) *Counter {
	return Default.Counter("webhook_rejected_total", "Webhook deliveries rejected", Labels("reason", reason))
}

// ObserveAdapter records the latency of one external service call.
func ObserveAdapter(service, op string, d time.Duration) {
	Default.Histogram("adapter_latency_seconds", "External service call latency in seconds",
		Labels("service", service, "op", op), adapterBuckets).Observe(d.Seconds())
}
