package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initPoolMetrics() {
	r.PoolRentsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixmem_pool_rents_total",
			Help: "Total number of rents by pool and outcome (hit or miss)",
		},
		[]string{"pool", "outcome"},
	)

	r.PoolReturnsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixmem_pool_returns_total",
			Help: "Total number of returns by pool and outcome (retained or dropped)",
		},
		[]string{"pool", "outcome"},
	)

	r.PoolTrimmedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixmem_pool_trimmed_buffers_total",
			Help: "Total number of retained buffers released by trimming",
		},
		[]string{"pool"},
	)

	r.PoolRentBytes = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixmem_pool_rent_bytes",
			Help:    "Size of rented buffers in bytes",
			Buckets: prometheus.ExponentialBuckets(16, 4, 10),
		},
		[]string{"pool"},
	)
}
