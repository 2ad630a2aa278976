package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakeve_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wakeve_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	domainEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakeve_domain_events_total",
			Help: "Domain events handled by the notification engine, by type and source",
		},
		[]string{"type", "source"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakeve_notifications_dispatched_total",
			Help: "Notification requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakeve_rate_limit_rejections_total",
			Help: "Notification requests dropped by the per-recipient rate limiter",
		},
		[]string{"kind"},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wakeve_vote_batch_size",
			Help:    "Number of votes merged into one flushed batch",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
		},
	)

	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakeve_sweeps_total",
			Help: "Periodic sweeps by loop and outcome",
		},
		[]string{"loop", "outcome"},
	)

	taskPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wakeve_task_panics_total",
			Help: "Background tasks that panicked and were recovered",
		},
	)

	registeredJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wakeve_registered_jobs",
			Help: "Jobs and markers currently held by the job registry",
		},
	)

	pushLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wakeve_push_latency_seconds",
			Help:    "Time spent in the push provider per message",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"platform"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wakeve_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wakeve_push_breaker_state",
			Help: "Push provider circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	apiRateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wakeve_api_rate_limit_rejections_total",
			Help: "API requests rejected by the per-client rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDomainEvent counts a domain event accepted from source (api, sqs).
func RecordDomainEvent(eventType, source string) {
	domainEventsTotal.WithLabelValues(eventType, source).Inc()
}

// RecordNotificationDispatched records the outcome of one notification request
func RecordNotificationDispatched(kind, outcome string) {
	notificationsDispatched.WithLabelValues(kind, outcome).Inc()
}

// RecordRateLimitRejection records a request dropped by the recipient limiter
func RecordRateLimitRejection(kind string) {
	rateLimitRejections.WithLabelValues(kind).Inc()
}

// RecordBatchFlushed records the size of a flushed vote batch
func RecordBatchFlushed(size int) {
	batchSize.Observe(float64(size))
}

// RecordSweep records one pass of a periodic loop
func RecordSweep(loop, outcome string) {
	sweepsTotal.WithLabelValues(loop, outcome).Inc()
}

// RecordTaskPanic records a recovered background panic
func RecordTaskPanic() {
	taskPanics.Inc()
}

// SetRegisteredJobs sets the job registry size
func SetRegisteredJobs(count int) {
	registeredJobs.Set(float64(count))
}

// RecordPushLatency records provider latency for one message
func RecordPushLatency(platform string, latency time.Duration) {
	pushLatency.WithLabelValues(platform).Observe(latency.Seconds())
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetBreakerState records a provider circuit breaker state
func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordAPIRateLimitRejection records an API request rejected by the limiter
func RecordAPIRateLimitRejection() {
	apiRateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
