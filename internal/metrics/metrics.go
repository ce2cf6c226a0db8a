package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Total HTTP requests partitioned by method, route, and status code
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// Admission attempts by result: admitted, promoted, queued, contention, error.
	AdmissionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_admission_attempts_total",
			Help: "Campaign admission attempts partitioned by result",
		},
		[]string{"result"},
	)

	// Queue job outcomes by kind and outcome: completed, skipped, contention, retry, failed.
	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Queue job executions partitioned by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_dispatch_attempts_total",
			Help: "Webhook POST attempts to the external worker partitioned by result",
		},
		[]string{"result"},
	)

	// Callbacks by result: applied, duplicate_cache, duplicate_store, not_found, rejected.
	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_callbacks_total",
			Help: "Worker callbacks partitioned by result",
		},
		[]string{"result"},
	)

	UnknownOutcomes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_callback_unknown_outcome_total",
			Help: "Callbacks whose outcome value was not recognized and mapped to FAILED",
		},
	)

	CampaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_transitions_total",
			Help: "Campaign status transitions partitioned by target status",
		},
		[]string{"to"},
	)

	CascadeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_cascade_errors_total",
			Help: "Errors while promoting the next queued campaign",
		},
	)
)

// Middleware records request metrics for gin.
// Labels use the matched route template to keep cardinality low.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
