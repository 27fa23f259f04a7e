package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWorkloadMetrics() {
	r.WorkloadAllocationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixmem_workload_allocations_total",
			Help: "Total number of allocations made by the workload generator",
		},
		[]string{"kind"},
	)

	r.WorkloadAllocationErrors = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixmem_workload_allocation_errors_total",
			Help: "Total number of failed workload allocations",
		},
		[]string{"kind"},
	)

	r.WorkloadDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixmem_workload_allocation_duration_seconds",
			Help:    "Time from allocate to dispose in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"kind"},
	)
}
