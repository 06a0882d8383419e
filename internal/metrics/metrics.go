package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeReplayed  = "replayed"
)

// Metrics holds the service's Prometheus collectors on a private registry.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchInFlight prometheus.Gauge
	failuresTotal    *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() (*Metrics, error) {
	// Custom registry (don't pollute default)
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnerax_dispatch_total",
			Help: "Scan dispatches by outcome",
		},
		[]string{"outcome"},
	)
	m.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vulnerax_dispatch_duration_seconds",
			Help:    "Time from agent request to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	m.dispatchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vulnerax_dispatch_in_flight",
		Help: "Agent requests currently outstanding",
	})
	m.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnerax_dispatch_failures_total",
			Help: "Failed scans by failure kind",
		},
		[]string{"kind"},
	)
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnerax_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vulnerax_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	collectorsToRegister := []prometheus.Collector{
		m.dispatchTotal,
		m.dispatchDuration,
		m.dispatchInFlight,
		m.failuresTotal,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range collectorsToRegister {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// DispatchOutcome counts a dispatch that ended without reaching the agent.
func (m *Metrics) DispatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
}

// AgentCallStarted marks an outstanding agent request.
func (m *Metrics) AgentCallStarted() {
	if m == nil {
		return
	}
	m.dispatchInFlight.Inc()
}

// AgentCallFinished records a dispatch that reached a terminal state.
// failureKind is empty for completed scans.
func (m *Metrics) AgentCallFinished(outcome, failureKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchInFlight.Dec()
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if failureKind != "" {
		m.failuresTotal.WithLabelValues(failureKind).Inc()
	}
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, fmt.Sprintf("%d", status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
