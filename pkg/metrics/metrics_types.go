package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Pool Metrics
	PoolRentsTotal   *prometheus.CounterVec
	PoolReturnsTotal *prometheus.CounterVec
	PoolTrimmedTotal *prometheus.CounterVec
	PoolRentBytes    *prometheus.HistogramVec

	// Workload Metrics
	WorkloadAllocationsTotal *prometheus.CounterVec
	WorkloadAllocationErrors *prometheus.CounterVec
	WorkloadDuration         *prometheus.HistogramVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
	pools    map[string]prometheus.Collector
	pressure prometheus.Collector
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		pools:    make(map[string]prometheus.Collector),
	}

	// Initialize all metrics
	r.initHTTPMetrics()
	r.initPoolMetrics()
	r.initNativeMetrics()
	r.initWorkloadMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
