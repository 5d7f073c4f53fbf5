// Package metrics exposes bridge counters in the Prometheus format.
//
// Each Metrics owns its registry, so several bridges in one process (or in
// one test binary) never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/rpc"
)

// Namespace prefixes every metric name.
const Namespace = "cln_floresta"

// OutcomeOK labels a successful call.
const OutcomeOK = "ok"

// Metrics holds the bridge collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendStatus   prometheus.Gauge
	syncProgress    prometheus.Gauge
}

// New creates the collectors on a fresh registry. inflight, if non-nil,
// backs the in-flight request gauge.
func New(inflight func() int64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Requests served to lightningd by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of lightningd requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_calls_total",
			Help:      "Backend JSON-RPC calls by RPC and outcome.",
		}, []string{"rpc", "outcome"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Duration of backend JSON-RPC calls in seconds, including a retry.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rpc"}),
		backendStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_status",
			Help:      "Backend readiness: 0 unreachable, 1 syncing, 2 ready.",
		}),
		syncProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_sync_progress",
			Help:      "Backend sync progress in [0, 1].",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.backendCalls,
		m.backendDuration,
		m.backendStatus,
		m.syncProgress,
	)
	if inflight != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "inflight_requests",
			Help:      "Requests currently being served.",
		}, func() float64 { return float64(inflight()) }))
	}
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one dispatched request. It matches
// rpc.Config.OnDispatch.
func (m *Metrics) ObserveRequest(method string, err *rpc.RPCError, d time.Duration) {
	m.requests.WithLabelValues(method, RequestOutcome(err)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveBackendCall records one backend call. It matches backend.Config.OnCall.
func (m *Metrics) ObserveBackendCall(method string, err error, d time.Duration) {
	outcome := OutcomeOK
	if err != nil {
		outcome = backend.CategoryOf(err).String()
	}
	m.backendCalls.WithLabelValues(method, outcome).Inc()
	m.backendDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveStatus records a readiness change. It matches readiness.Tracker.OnChange.
func (m *Metrics) ObserveStatus(_, s readiness.Snapshot) {
	m.backendStatus.Set(float64(s.State))
	m.syncProgress.Set(s.Progress)
}

var requestOutcomes = map[int]string{
	rpc.ParseError:         "parse_error",
	rpc.InvalidRequest:     "invalid_request",
	rpc.MethodNotFound:     "method_not_found",
	rpc.InvalidParams:      "invalid_params",
	rpc.InternalError:      "internal_error",
	rpc.BackendUnreachable: "unreachable",
	rpc.BackendNotReady:    "not_ready",
	rpc.BackendRejected:    "rejected",
	rpc.TranslationFailed:  "translation_failed",
	rpc.BackendNotFound:    "not_found",
	rpc.BackendUnavailable: "unavailable",
}

// RequestOutcome labels a dispatch result.
func RequestOutcome(err *rpc.RPCError) string {
	if err == nil {
		return OutcomeOK
	}
	if outcome, ok := requestOutcomes[err.Code]; ok {
		return outcome
	}
	return "other"
}
