// Package metrics exposes Prometheus instrumentation for the ledger engine
// and its HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/stamp-ledger/loyalty"
)

const namespace = "stamp_ledger"

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	rewardsIssued   prometheus.Counter
	requests        *prometheus.CounterVec
	requestTime     *prometheus.HistogramVec
	throttled       *prometheus.CounterVec
	idempotentHits  prometheus.Counter
	integrityErrors prometheus.Gauge
	integrityRuns   *prometheus.CounterVec
}

var _ loyalty.Observer = (*Metrics)(nil)

// New registers every collector, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Stamp operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency of stamp operations including lock waits.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		rewardsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rewards_issued_total",
			Help:      "Rewards issued by completed stamp cycles.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route, method and status code.",
		}, []string{"route", "method", "status"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttled_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		idempotentHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "idempotent_replays_total",
			Help:      "Responses replayed for a repeated Idempotency-Key.",
		}),
		integrityErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "violations",
			Help:      "Violations found by the most recent integrity check.",
		}),
		integrityRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "runs_total",
			Help:      "Integrity check runs segmented by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations, m.operationTime, m.rewardsIssued,
		m.requests, m.requestTime, m.throttled, m.idempotentHits,
		m.integrityErrors, m.integrityRuns,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLedgerOperation implements loyalty.Observer.
func (m *Metrics) ObserveLedgerOperation(op loyalty.Operation, outcome string, rewardIssued bool, d time.Duration) {
	m.operations.WithLabelValues(string(op), outcome).Inc()
	m.operationTime.WithLabelValues(string(op)).Observe(d.Seconds())
	if rewardIssued {
		m.rewardsIssued.Inc()
	}
}

// ObserveThrottle counts one rate-limited request.
func (m *Metrics) ObserveThrottle(route string) {
	m.throttled.WithLabelValues(route).Inc()
}

// ObserveIdempotentReplay counts one replayed response.
func (m *Metrics) ObserveIdempotentReplay() {
	m.idempotentHits.Inc()
}

// ObserveIntegrity records the outcome of one integrity pass.
func (m *Metrics) ObserveIntegrity(report loyalty.IntegrityReport, err error) {
	switch {
	case err != nil:
		m.integrityRuns.WithLabelValues("error").Inc()
		return
	case report.OK():
		m.integrityRuns.WithLabelValues("ok").Inc()
	default:
		m.integrityRuns.WithLabelValues("violations").Inc()
	}
	m.integrityErrors.Set(float64(len(report.Violations)))
}

// Middleware records request counts and latencies labelled by chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		m.requestTime.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
