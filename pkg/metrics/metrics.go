package metrics

import (
	"runtime"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/prometheus/client_golang/prometheus"
)

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// Rented implements diagnostics.PoolObserver.
func (r *Registry) Rented(pool string, bytes int, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.PoolRentsTotal.WithLabelValues(pool, outcome).Inc()
	r.PoolRentBytes.WithLabelValues(pool).Observe(float64(bytes))
}

// Returned implements diagnostics.PoolObserver.
func (r *Registry) Returned(pool string, ok bool) {
	outcome := "dropped"
	if ok {
		outcome = "retained"
	}
	r.PoolReturnsTotal.WithLabelValues(pool, outcome).Inc()
}

// Trimmed implements diagnostics.PoolObserver.
func (r *Registry) Trimmed(pool string, buffers int) {
	if buffers <= 0 {
		return
	}
	r.PoolTrimmedTotal.WithLabelValues(pool).Add(float64(buffers))
}

// RecordAllocation records one allocate/dispose cycle of the workload generator
func (r *Registry) RecordAllocation(kind string, lifetime time.Duration, err error) {
	if err != nil {
		r.WorkloadAllocationErrors.WithLabelValues(kind).Inc()
		return
	}
	r.WorkloadAllocationsTotal.WithLabelValues(kind).Inc()
	r.WorkloadDuration.WithLabelValues(kind).Observe(lifetime.Seconds())
}

// RegisterPool exports the bytes a pool currently retains. Registering the
// same name again replaces the previous source.
func (r *Registry) RegisterPool(name string, retainedBytes func() float64) error {
	c := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "pixmem_pool_retained_bytes",
			Help:        "Bytes currently retained by a pool",
			ConstLabels: prometheus.Labels{"pool": name},
		},
		retainedBytes,
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.pools[name]; ok {
		r.registry.Unregister(old)
	}
	if err := r.registry.Register(c); err != nil {
		return err
	}
	r.pools[name] = c
	return nil
}

// UnregisterPool removes a pool registered with RegisterPool.
func (r *Registry) UnregisterPool(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.pools[name]; ok {
		r.registry.Unregister(c)
		delete(r.pools, name)
	}
}

// RegisterPressure exports the load ratio reported by m.
func (r *Registry) RegisterPressure(m pressure.Monitor) error {
	c := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pixmem_memory_pressure_ratio",
			Help: "Memory load divided by the process memory capacity",
		},
		func() float64 { return m.Sample().Ratio() },
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pressure != nil {
		r.registry.Unregister(r.pressure)
	}
	if err := r.registry.Register(c); err != nil {
		return err
	}
	r.pressure = c
	return nil
}

// UpdateSystemMetrics refreshes uptime and Go runtime gauges
func (r *Registry) UpdateSystemMetrics(start time.Time) {
	r.UptimeSeconds.Set(time.Since(start).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.MemoryAllocBytes.Set(float64(m.Alloc))
	r.MemorySysBytes.Set(float64(m.Sys))
}
