package health

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/native"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
)

// Common health check functions

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// PressureCheck reports memory pressure as seen by the pools: degraded at
// medium pressure and unhealthy at high pressure.
func PressureCheck(m pressure.Monitor, highThreshold float64) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "memory_pressure",
			Details: make(map[string]any),
		}

		sample := m.Sample()
		level := sample.Level(highThreshold)

		check.Details["load_bytes"] = sample.LoadBytes
		check.Details["capacity_bytes"] = sample.CapacityBytes
		check.Details["ratio"] = sample.Ratio()
		check.Details["level"] = level.String()

		switch level {
		case pressure.High:
			check.Status = StatusUnhealthy
			check.Message = "High memory pressure"
		case pressure.Medium:
			check.Status = StatusDegraded
			check.Message = "Elevated memory pressure"
		default:
			check.Status = StatusHealthy
			check.Message = "Memory pressure normal"
		}

		return check
	}
}

// LeakCheck reports allocations that were collected without being disposed.
func LeakCheck() CheckFunc {
	return func() Check {
		check := Check{
			Name:    "leaks",
			Details: make(map[string]any),
		}

		leaks := diagnostics.TotalLeaks()
		check.Details["leaks_total"] = leaks
		check.Details["undisposed"] = diagnostics.UndisposedAllocations()

		if leaks > 0 {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d allocations leaked", leaks)
		} else {
			check.Status = StatusHealthy
			check.Message = "No leaks detected"
		}

		return check
	}
}

// NativeMemoryCheck degrades once outstanding native memory exceeds
// limitBytes. A limit of zero or less only reports the figures.
func NativeMemoryCheck(limitBytes int64) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "native_memory",
			Details: make(map[string]any),
		}

		outstanding := native.TotalOutstandingBytes()
		check.Details["outstanding_bytes"] = outstanding
		check.Details["outstanding_handles"] = native.TotalOutstandingHandles()
		check.Details["oom_retries"] = native.TotalOOMRetries()

		if limitBytes > 0 && outstanding > limitBytes {
			check.Status = StatusDegraded
			check.Message = "Native memory above limit"
		} else {
			check.Status = StatusHealthy
			check.Message = "Native memory within limit"
		}

		return check
	}
}
