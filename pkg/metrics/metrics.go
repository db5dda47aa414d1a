// Package metrics holds the Prometheus collectors exported on /metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studio"

// Dispatch outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeDeclared   = "declared"
	OutcomeUndeclared = "undeclared"
	OutcomeNotFound   = "not_found"
)

// Metrics bundles every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchInflight prometheus.Gauge
	rpcPending       prometheus.Gauge
	wsConnections    prometheus.Gauge
	rendererStarts   *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched operations by method and outcome.",
		}, []string{"method", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Operation execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		dispatchInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_inflight",
			Help:      "Operations currently executing.",
		}),
		rpcPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpcclient_pending",
			Help:      "Calls to the renderer awaiting a response.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open caller WebSocket connections.",
		}),
		rendererStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renderer_starts_total",
			Help:      "Renderer launch attempts by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.dispatchInflight,
		m.rpcPending,
		m.wsConnections,
		m.rendererStarts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// DispatchStarted marks an operation as in flight and returns a func that
// records its outcome.
func (m *Metrics) DispatchStarted(method string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.dispatchInflight.Inc()
	return func(outcome string) {
		m.dispatchInflight.Dec()
		m.dispatchTotal.WithLabelValues(method, outcome).Inc()
		m.dispatchDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// SetPending records the size of the renderer client's pending table.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.rpcPending.Set(float64(n))
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// RendererStart counts a renderer launch attempt.
func (m *Metrics) RendererStart(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.rendererStarts.WithLabelValues(outcome).Inc()
}
