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
			Name: "notiq_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notiq_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	ordersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_orders_created_total",
			Help: "Total notification orders created by creator and scheme",
		},
		[]string{"creator", "scheme"},
	)

	ordersCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_orders_completed_total",
			Help: "Total orders moved to a terminal status, by status and source",
		},
		[]string{"status", "source"},
	)

	completionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notiq_completion_conflicts_total",
			Help: "Completion attempts that lost the compare-and-set race",
		},
	)

	feedEntriesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_feed_entries_total",
			Help: "Status feed entries appended, by path (live or reconcile)",
		},
		[]string{"path"},
	)

	callbackResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_callback_results_total",
			Help: "Provider callback results applied, by channel and result",
		},
		[]string{"channel", "result"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_notifications_dispatched_total",
			Help: "Notifications handed to a provider, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	expiredTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notiq_expired_terminations_total",
			Help: "Hanging notifications force-terminated by the expiry sweep",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notiq_idempotency_hits_total",
			Help: "Order requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notiq_rate_limit_rejections_total",
			Help: "Requests rejected by the per-creator rate limiter",
		},
		[]string{"creator"},
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

// RecordOrderCreated records a created order
func RecordOrderCreated(creator, scheme string) {
	ordersCreated.WithLabelValues(creator, scheme).Inc()
}

// RecordOrderCompleted records an order terminal transition
func RecordOrderCompleted(status, source string) {
	ordersCompleted.WithLabelValues(status, source).Inc()
}

// RecordCompletionConflict records a lost compare-and-set race
func RecordCompletionConflict() {
	completionConflicts.Inc()
}

// RecordFeedEntry records a feed append by path ("live" or "reconcile")
func RecordFeedEntry(path string) {
	feedEntriesAppended.WithLabelValues(path).Inc()
}

// RecordCallbackResult records a provider callback application
func RecordCallbackResult(channel, result string) {
	callbackResults.WithLabelValues(channel, result).Inc()
}

// RecordDispatch records a provider hand-off outcome
func RecordDispatch(channel, outcome string) {
	notificationsDispatched.WithLabelValues(channel, outcome).Inc()
}

// RecordExpiredTerminations records force-terminated notifications
func RecordExpiredTerminations(n int) {
	expiredTerminations.Add(float64(n))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(creator string) {
	rateLimitRejections.WithLabelValues(creator).Inc()
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
