package metrics

import (
	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/native"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Native memory and leak counters live in their own packages; these gauges
// read them at scrape time.
func (r *Registry) initNativeMetrics() {
	promauto.With(r.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pixmem_native_outstanding_handles",
			Help: "Number of native memory handles not yet freed",
		},
		func() float64 { return float64(native.TotalOutstandingHandles()) },
	)

	promauto.With(r.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pixmem_native_outstanding_bytes",
			Help: "Bytes of native memory not yet freed",
		},
		func() float64 { return float64(native.TotalOutstandingBytes()) },
	)

	promauto.With(r.registry).NewCounterFunc(
		prometheus.CounterOpts{
			Name: "pixmem_native_oom_retries_total",
			Help: "Number of native allocations retried after an out-of-memory failure",
		},
		func() float64 { return float64(native.TotalOOMRetries()) },
	)

	promauto.With(r.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pixmem_undisposed_allocations",
			Help: "Number of allocations that have not been disposed",
		},
		func() float64 { return float64(diagnostics.UndisposedAllocations()) },
	)

	promauto.With(r.registry).NewCounterFunc(
		prometheus.CounterOpts{
			Name: "pixmem_leaks_total",
			Help: "Number of allocations reclaimed by the garbage collector without disposal",
		},
		func() float64 { return float64(diagnostics.TotalLeaks()) },
	)
}
