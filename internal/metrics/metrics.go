// Package metrics exposes Prometheus instrumentation for the delivery
// engine.
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
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_created_total",
			Help: "Total notifications created by channel and priority",
		},
		[]string{"channel", "priority"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_status_transitions_total",
			Help: "Total status transitions by channel and new status",
		},
		[]string{"channel", "status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from creation to delivery confirmation",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	dispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_attempts_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	sweepEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_sweep_enqueued_total",
			Help: "Notifications submitted to the broker by the periodic sweep",
		},
	)

	watchdogReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_watchdog_reclaimed_total",
			Help: "Stuck processing notifications reclaimed by the watchdog",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Jobs waiting in the dispatch queue",
		},
	)

	batchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_batches_processed_total",
			Help: "Batches driven to a terminal status",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationCreated records a creation event.
func RecordNotificationCreated(channel, priority string) {
	notificationsCreated.WithLabelValues(channel, priority).Inc()
}

// RecordStatusTransition records a committed state machine transition.
func RecordStatusTransition(channel, status string) {
	statusTransitions.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryLatency records creation-to-delivery time.
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDispatchAttempt records one delivery attempt outcome.
func RecordDispatchAttempt(channel, outcome string) {
	dispatchAttempts.WithLabelValues(channel, outcome).Inc()
}

// RecordSweepEnqueued counts sweep submissions to the broker.
func RecordSweepEnqueued(n int) {
	sweepEnqueued.Add(float64(n))
}

// RecordWatchdogReclaimed counts stuck notifications reclaimed.
func RecordWatchdogReclaimed(n int) {
	watchdogReclaimed.Add(float64(n))
}

// SetQueueDepth sets the current waiting-job count.
func SetQueueDepth(depth int64) {
	queueDepth.Set(float64(depth))
}

// RecordBatchProcessed records a batch reaching a terminal status.
func RecordBatchProcessed(status string) {
	batchesProcessed.WithLabelValues(status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
