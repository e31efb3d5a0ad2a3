package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the tool engine
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ExecutionErrorsTotal *prometheus.CounterVec
	RetriesTotal         *prometheus.CounterVec
	ActiveExecutions     prometheus.Gauge

	// Permission metrics
	PermissionRequestsTotal *prometheus.CounterVec

	// Registry metrics
	RegisteredTools prometheus.Gauge

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of tool executions by final status",
			},
			[]string{"tool", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		ExecutionErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_execution_errors_total",
				Help: "Total number of failed execution attempts, retried attempts included",
			},
			[]string{"tool", "kind"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_retries_total",
				Help: "Total number of execution retry attempts",
			},
			[]string{"tool"},
		),
		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tool_executions_active",
				Help: "Number of executions currently running",
			},
		),

		PermissionRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_permission_requests_total",
				Help: "Total number of permission requests by outcome",
			},
			[]string{"outcome"},
		),

		RegisteredTools: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tool_registry_size",
				Help: "Number of currently registered tools",
			},
		),

		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tool_result_cache_hits_total",
				Help: "Total number of result cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tool_result_cache_misses_total",
				Help: "Total number of result cache misses",
			},
		),
	}

	registry.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrorsTotal,
		m.RetriesTotal,
		m.ActiveExecutions,
		m.PermissionRequestsTotal,
		m.RegisteredTools,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
