package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by outcome"}, []string{"outcome"})
	EventsSkipped     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_events_skipped_total", Help: "Inbound events discarded before dispatch"}, []string{"reason"})
	RulesTriggered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_rules_triggered_total", Help: "Rule matches that produced a dispatch job"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "upstream_rate_limit_rejects_total", Help: "Upstream calls refused by the local token bucket"})

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"}, []string{"job_type"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"job_type"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed executions scheduled for retry"}, []string{"job_type"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_permanently_total", Help: "Jobs that exhausted retries or failed non-retryably"}, []string{"job_type"})
	JobsConfigErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_config_errors_total", Help: "Jobs failed by unknown type, payload mismatch, or handler panic"}, []string{"job_type"})
	JobsStale        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_stale_total", Help: "Jobs removed by the stale sweep"}, []string{"reason"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"job_type"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Jobs waiting in the priority queue"})
	ActiveJobsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_active", Help: "Jobs currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhookDeliveries,
			EventsSkipped,
			RulesTriggered,
			RateLimitRejects,
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsConfigErrors,
			JobsStale,
			JobDuration,
			QueueDepthGauge,
			ActiveJobsGauge,
		)
	})
	return promhttp.Handler()
}
