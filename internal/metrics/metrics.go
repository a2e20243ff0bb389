// Package metrics registers the Prometheus collectors exported by the valence service.
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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valence_http_requests_total",
			Help: "HTTP requests served by the valence API.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valence_http_request_duration_seconds",
			Help:    "Latency of HTTP requests served by the valence API.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// DriverRequestDuration observes outbound pod manager calls.
	DriverRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "valence_driver_request_duration_seconds",
			Help:    "Latency of outbound pod manager HTTP requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"driver", "method", "outcome"},
	)

	// CompositionsTotal counts node compositions by driver and result.
	CompositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valence_compositions_total",
			Help: "Node composition attempts by driver and result.",
		},
		[]string{"driver", "result"},
	)

	// RollbacksTotal counts compensating actions after failed compositions.
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valence_composition_rollbacks_total",
			Help: "Compensating rollbacks issued after partial compositions.",
		},
		[]string{"driver", "result"},
	)

	// DeviceOperationsTotal counts completed pooled device attach/detach operations.
	DeviceOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valence_device_operations_total",
			Help: "Pooled device attach and detach operations completed.",
		},
		[]string{"operation"},
	)

	// ReconcileMutationsTotal counts datastore mutations applied by device reconciliation.
	ReconcileMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valence_reconcile_mutations_total",
			Help: "Device records inserted, updated or deleted by reconciliation.",
		},
		[]string{"operation"},
	)

	// ReconcileRunsTotal counts per-pod-manager reconciliation passes.
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valence_reconcile_runs_total",
			Help: "Device reconciliation passes by result.",
		},
		[]string{"result"},
	)

	// WorkerRejectionsTotal counts submissions rejected by a full worker pool.
	WorkerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "valence_worker_rejections_total",
			Help: "Background jobs rejected because the worker pool was saturated.",
		},
		[]string{"job"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
