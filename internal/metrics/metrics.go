// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway metric collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	inFlight     prometheus.Gauge

	backendUp      *prometheus.GaugeVec
	backendLatency *prometheus.GaugeVec

	routerFallbacks *prometheus.CounterVec
	syncOps         *prometheus.CounterVec
	syncConflicts   prometheus.Counter
}

// New creates and registers all gateway collectors under the given namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by the gateway API.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method", "path"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "Backend reachability (1 healthy, 0 unhealthy).",
		}, []string{"backend"}),
		backendLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health_latency_seconds",
			Help:      "Latency of the last health probe per backend.",
		}, []string{"backend"}),
		routerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_fallbacks_total",
			Help:      "Operations that fell back to a single backend.",
		}, []string{"operation"}),
		syncOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Sync engine fetches and mutations by result.",
		}, []string{"endpoint", "result"}),
		syncConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Conflicts detected between pending local writes and server pushes.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.httpRequests,
		m.httpDuration,
		m.inFlight,
		m.backendUp,
		m.backendLatency,
		m.routerFallbacks,
		m.syncOps,
		m.syncConflicts,
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one completed API request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// IncrementInFlight marks a request as started.
func (m *Metrics) IncrementInFlight() { m.inFlight.Inc() }

// DecrementInFlight marks a request as finished.
func (m *Metrics) DecrementInFlight() { m.inFlight.Dec() }

// SetBackendHealth records the outcome of a health probe.
func (m *Metrics) SetBackendHealth(backend string, up bool, latency time.Duration) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.backendUp.WithLabelValues(backend).Set(v)
	m.backendLatency.WithLabelValues(backend).Set(latency.Seconds())
}

// RecordFallback counts an operation that fell back to a single backend.
func (m *Metrics) RecordFallback(operation string) {
	m.routerFallbacks.WithLabelValues(operation).Inc()
}

// RecordSyncOp counts a sync engine operation outcome.
func (m *Metrics) RecordSyncOp(endpoint, result string) {
	m.syncOps.WithLabelValues(endpoint, result).Inc()
}

// RecordConflict counts a detected sync conflict.
func (m *Metrics) RecordConflict() { m.syncConflicts.Inc() }
