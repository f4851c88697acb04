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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	queueAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_queue_admitted_total",
			Help: "Notifications admitted to the dispatch queue by priority",
		},
		[]string{"priority"},
	)

	queueRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_queue_rejected_total",
			Help: "Notifications refused admission (queue at capacity)",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_queue_depth",
			Help: "Current queued notifications per priority lane",
		},
		[]string{"priority"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Channel delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_latency_seconds",
			Help:    "Time from enqueue to channel delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	relayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_relay_published_total",
			Help: "Cross-process relay events published by type",
		},
		[]string{"type"},
	)

	liveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_live_connections",
			Help: "Current live real-time connections on this instance",
		},
	)

	rateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_waits_total",
			Help: "Sends delayed or refused by per-channel rate limits",
		},
		[]string{"channel", "outcome"},
	)

	analyticsEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_analytics_events_total",
			Help: "Lifecycle events recorded by type",
		},
		[]string{"type"},
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

// RecordQueueAdmitted records a successful queue admission
func RecordQueueAdmitted(priority string) {
	queueAdmitted.WithLabelValues(priority).Inc()
}

// RecordQueueRejected records a backpressure rejection
func RecordQueueRejected() {
	queueRejected.Inc()
}

// SetQueueDepth sets the current depth of one priority lane
func SetQueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordDelivery records a channel delivery attempt outcome
func RecordDelivery(channel, outcome string) {
	deliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryLatency records enqueue-to-delivery time for a channel
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetBreakerState exposes a breaker's state as a gauge
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRelayPublished records a cross-process relay publish
func RecordRelayPublished(eventType string) {
	relayPublished.WithLabelValues(eventType).Inc()
}

// SetLiveConnections sets the current local connection count
func SetLiveConnections(count int) {
	liveConnections.Set(float64(count))
}

// RecordRateLimitWait records a rate-limited send outcome
func RecordRateLimitWait(channel, outcome string) {
	rateLimitWaits.WithLabelValues(channel, outcome).Inc()
}

// RecordAnalyticsEvent records a lifecycle event by type
func RecordAnalyticsEvent(eventType string) {
	analyticsEvents.WithLabelValues(eventType).Inc()
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
