package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const resultOK = "ok"

// Metrics mengumpulkan metrik Prometheus untuk engine ledger dan server ops.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	postings        *prometheus.CounterVec
	costing         *prometheus.CounterVec
	estimated       *prometheus.CounterVec
	retryable       *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry beserta metrik HTTP dan domain.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "HTTP requests served by the ops router by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Ops router request latency per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_postings_total",
		Help: "Ledger posting attempts by transaction type and result code.",
	}, []string{"type", "result"})
	costing := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_costing_operations_total",
		Help: "Inventory costing operations by operation and result code.",
	}, []string{"operation", "result"})
	estimated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_costing_estimated_issues_total",
		Help: "Issues costed partly at the running average because stock went negative.",
	}, []string{"method"})
	retryable := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_retryable_failures_total",
		Help: "Failures the caller may retry, by component.",
	}, []string{"component"})
	registry.MustRegister(requests, duration, postings, costing, estimated, retryable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		postings:        postings,
		costing:         costing,
		estimated:       estimated,
		retryable:       retryable,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk metrik job dan komponen lain.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObservePosting implements the ledger metrics port.
func (m *Metrics) ObservePosting(txType string, err error) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(txType, result(err)).Inc()
	if shared.IsRetryable(err) {
		m.retryable.WithLabelValues("ledger").Inc()
	}
}

// ObserveCosting implements the inventory metrics port.
func (m *Metrics) ObserveCosting(operation string, err error) {
	if m == nil {
		return
	}
	m.costing.WithLabelValues(operation, result(err)).Inc()
	if shared.IsRetryable(err) {
		m.retryable.WithLabelValues("inventory").Inc()
	}
}

// ObserveEstimatedIssue counts issues priced on the negative stock path.
func (m *Metrics) ObserveEstimatedIssue(method string) {
	if m == nil {
		return
	}
	m.estimated.WithLabelValues(method).Inc()
}

func result(err error) string {
	if err == nil {
		return resultOK
	}
	return shared.CodeOf(err)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
