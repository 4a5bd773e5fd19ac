package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks total number of HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "code"},
	)

	// RequestDuration tracks request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reconciler_http_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveRequests tracks currently active requests
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciler_http_active_requests",
			Help: "Number of active HTTP requests",
		},
	)

	// ImportsTotal counts import attempts by outcome: committed, noop or aborted.
	ImportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_imports_total",
			Help: "Total number of snapshot imports by outcome",
		},
		[]string{"outcome"},
	)

	// ImportPhaseDuration times each phase of an import.
	ImportPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reconciler_import_phase_duration_seconds",
			Help:    "Duration of each import phase in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"phase"},
	)

	// TransactionsApplied counts transactions touched by committed imports.
	TransactionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_transactions_applied_total",
			Help: "Transactions inserted, rolled back or confirmed by imports",
		},
		[]string{"action"},
	)

	// ImportWarnings counts advisories attached to successful imports.
	ImportWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_import_warnings_total",
			Help: "Advisory warnings raised by imports",
		},
		[]string{"warning"},
	)
)

// ObservePhase records the time since start against phase.
func ObservePhase(phase string, start time.Time) {
	ImportPhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Metrics is HTTP middleware that collects Prometheus metrics per chi route.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ActiveRequests.Inc()
		defer ActiveRequests.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		// The route pattern is only known once chi has matched it.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}
