package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Channel states reported by the realtime gauge.
var channelStates = []string{"disconnected", "connecting", "connected", "error", "not-logged-in"}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveline_http_requests_total",
			Help: "Total local API requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driveline_http_request_duration_seconds",
			Help:    "Local API request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	backendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveline_backend_requests_total",
			Help: "Backend REST calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	backendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driveline_backend_request_duration_seconds",
			Help:    "Backend REST call latency",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	pushMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveline_push_messages_total",
			Help: "Push messages received by topic and result",
		},
		[]string{"topic", "result"},
	)

	channelState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driveline_realtime_state",
			Help: "1 for the realtime channel's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	reconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driveline_realtime_reconnects_total",
			Help: "Reconnect attempts scheduled by the realtime channel",
		},
	)

	storeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driveline_store_notifications",
			Help: "Notifications currently held in the store",
		},
	)

	storeUnread = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driveline_store_unread",
			Help: "Unread notifications currently held in the store",
		},
	)

	markAllReadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driveline_mark_all_read_failures_total",
			Help: "read-all calls the backend did not confirm",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveline_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	snapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driveline_snapshot_writes_total",
			Help: "Store snapshots written to Redis by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records local API request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBackendCall records one backend REST call
func RecordBackendCall(operation string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	backendRequests.WithLabelValues(operation, outcome).Inc()
	backendLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPushMessage records a push message outcome (accepted, duplicate, invalid)
func RecordPushMessage(topic, result string) {
	pushMessages.WithLabelValues(topic, result).Inc()
}

// SetChannelState marks state as the realtime channel's current state
func SetChannelState(state string) {
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		channelState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect records a scheduled reconnect attempt
func RecordReconnect() {
	reconnectAttempts.Inc()
}

// SetStoreSize sets total and unread notification gauges
func SetStoreSize(total, unread int) {
	storeSize.Set(float64(total))
	storeUnread.Set(float64(unread))
}

// RecordMarkAllReadFailure records a read-all call that failed
func RecordMarkAllReadFailure() {
	markAllReadFailures.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// RecordSnapshotWrite records a snapshot persistence result
func RecordSnapshotWrite(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	snapshotWrites.WithLabelValues(result).Inc()
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

// Flush keeps server-sent event streams working through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
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
