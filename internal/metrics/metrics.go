// Package metrics provides Prometheus instrumentation for the trading
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
	// OrdersAccepted counts accepted orders, partitioned by side and
	// whether the accept created a new order or hit an idempotent replay.
	OrdersAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_accepted_total",
		Help: "Total orders accepted",
	}, []string{"side", "created"})

	// OrdersProcessed counts processed orders by side and outcome.
	OrdersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_processed_total",
		Help: "Total orders processed",
	}, []string{"side", "outcome"})

	// ProcessLatency tracks order execution latency.
	ProcessLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_order_process_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// DepositsTotal counts completed deposits.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_deposits_total",
		Help: "Total deposits applied",
	})

	// QuoteFetches counts provider fetch attempts by result.
	QuoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_quote_fetches_total",
		Help: "Quote provider fetch attempts",
	}, []string{"result"})

	// QuoteCacheHits counts quote reads served from cache.
	QuoteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_quote_cache_hits_total",
		Help: "Quote reads served from cache",
	})

	// RebooksTotal counts lot splits performed by sells.
	RebooksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_lot_rebooks_total",
		Help: "Open lots split during FIFO consumption",
	})

	// DispatcherQueueDepth tracks pending jobs across per-user queues.
	DispatcherQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_dispatcher_queue_depth",
		Help: "Pending order executions across all user queues",
	})

	// WebSocketClients tracks connected quote-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
