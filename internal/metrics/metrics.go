// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts orders accepted by the broker, by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_placed_total",
		Help: "Orders accepted by the broker",
	}, []string{"side"})

	// CascadeSteps counts sell cascade steps started, by mode and step index.
	CascadeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cascade_steps_total",
		Help: "Sell cascade steps started",
	}, []string{"mode", "step"})

	// Executions counts finished buy and sell flows by final state.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_executions_total",
		Help: "Finished execution flows",
	}, []string{"flow", "final_status"})

	// ExecutionDuration tracks how long a flow took from submit to terminal state.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_execution_duration_seconds",
		Help:    "Execution flow duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 600},
	}, []string{"flow"})

	// IntentsTotal counts dispatched intents by action and error code ("" on success).
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_intents_total",
		Help: "Dispatched trade intents",
	}, []string{"action", "error_code"})

	// LockBusy counts lock acquisitions refused because the CI was held.
	LockBusy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_lock_busy_total",
		Help: "Lock acquisitions refused because the contract was held",
	})

	// ReconcileRuns counts reconciliation cycles by outcome.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_runs_total",
		Help: "Reconciliation cycles",
	}, []string{"outcome"})

	// ReconcileDrift counts corrections applied from broker truth, by kind.
	ReconcileDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_drift_total",
		Help: "Ledger corrections applied from broker holdings",
	}, []string{"kind"})

	// DriftStreak is the number of consecutive cycles a CI has drifted.
	DriftStreak = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_drift_streak",
		Help: "Consecutive reconciliation cycles with drift on a contract",
	}, []string{"ci"})

	// DriftAlert is 1 while any CI is at or past the drift threshold.
	DriftAlert = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_drift_alert",
		Help: "1 while repeated drift needs operator attention",
	})

	// OpenPositions tracks active ledger positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_open_positions",
		Help: "Positions that are open, trimmed or pending exit",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not raw path, to keep CI values out of the labels.
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
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
