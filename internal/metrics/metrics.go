// Package metrics provides Prometheus instrumentation for the portfolio engine.
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
	// OperationsExecuted counts committed trades, partitioned by side.
	OperationsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_operations_executed_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// OperationFailures counts trades that failed at execution time.
	OperationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_operation_failures_total",
		Help: "Trades that failed execution",
	}, []string{"side", "reason"})

	// AuthorizationRequests counts authorization requests sent, by side.
	AuthorizationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_authorization_requests_total",
		Help: "Authorization requests sent to the wallet authority",
	}, []string{"side"})

	// AuthorizationsDenied counts denials received.
	AuthorizationsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_authorizations_denied_total",
		Help: "Authorization requests denied by the wallet authority",
	})

	// CooldownSkips counts rebalance or signal attempts suppressed by a
	// cooldown gate.
	CooldownSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_cooldown_skips_total",
		Help: "Operations suppressed by a cooldown gate",
	}, []string{"gate"})

	// AlertsEmitted counts alert rows written, by kind.
	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_alerts_total",
		Help: "Alert records written",
	}, []string{"kind"})

	// TotalValue tracks the last computed portfolio value.
	TotalValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_total_value",
		Help: "Mark-to-market portfolio value including cash",
	})

	// CashBalance tracks the wallet's available cash.
	CashBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_cash_balance",
		Help: "Available cash balance",
	})

	// PendingOperations tracks the authorized-but-unexecuted queue depth.
	PendingOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_pending_operations",
		Help: "Authorized operations waiting for execution",
	})

	// CycleDuration observes perceive→act cycle latency per agent.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_cycle_duration_seconds",
		Help:    "Agent perceive/act cycle duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"agent"})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
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
