// Package pressure classifies how close the process is to running out of
// memory. Pools use the classification to decide how much retained memory
// to give back on a trim.
package pressure

import (
	"math"
	"math/bits"
	"runtime/debug"
	"runtime/metrics"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/native"
)

// Level is a coarse memory pressure classification.
type Level int

const (
	Low Level = iota
	Medium
	High
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// mediumBand is how far below the high threshold medium pressure begins.
const mediumBand = 0.2

// Sample is one reading of memory load against the capacity it is judged by.
type Sample struct {
	LoadBytes     uint64
	CapacityBytes uint64
}

// Ratio returns load/capacity, or 0 when the capacity is unknown.
func (s Sample) Ratio() float64 {
	if s.CapacityBytes == 0 {
		return 0
	}
	return float64(s.LoadBytes) / float64(s.CapacityBytes)
}

// Level classifies the sample. Loads at or above highThreshold of capacity
// are High; loads within mediumBand below it are Medium.
func (s Sample) Level(highThreshold float64) Level {
	r := s.Ratio()
	switch {
	case r >= highThreshold:
		return High
	case r >= highThreshold-mediumBand:
		return Medium
	default:
		return Low
	}
}

// Monitor produces memory samples.
type Monitor interface {
	Sample() Sample
}

// Fixed is a Monitor that always reports the same sample.
type Fixed Sample

// Sample implements Monitor.
func (f Fixed) Sample() Sample { return Sample(f) }

// FixedRatio returns a Monitor reporting ratio of a nominal 1 GiB capacity.
func FixedRatio(ratio float64) Fixed {
	const capacity = 1 << 30
	return Fixed{LoadBytes: uint64(ratio * capacity), CapacityBytes: capacity}
}

// MonitorFunc adapts a function to Monitor.
type MonitorFunc func() Sample

// Sample implements Monitor.
func (f MonitorFunc) Sample() Sample { return f() }

// SystemMonitor samples both system-wide memory and the process's own
// footprint (Go runtime plus native handles) and reports whichever is
// closer to its limit.
type SystemMonitor struct {
	virtualMemory func() (*mem.VirtualMemoryStat, error)
	memoryLimit   func() int64
	logger        logging.Logger
	warnOnce      sync.Once
}

// NewSystemMonitor creates a monitor backed by gopsutil and runtime/metrics.
func NewSystemMonitor(logger logging.Logger) *SystemMonitor {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &SystemMonitor{
		virtualMemory: mem.VirtualMemory,
		memoryLimit:   func() int64 { return debug.SetMemoryLimit(-1) },
		logger:        logger.With(logging.Component("pressure")),
	}
}

var (
	defaultMonitor     Monitor
	defaultMonitorOnce sync.Once
)

// Default returns the process-wide system monitor.
func Default() Monitor {
	defaultMonitorOnce.Do(func() {
		defaultMonitor = NewSystemMonitor(nil)
	})
	return defaultMonitor
}

// Sample implements Monitor.
func (m *SystemMonitor) Sample() Sample {
	best := Sample{}

	if vm, err := m.virtualMemory(); err == nil && vm.Total > 0 {
		used := vm.Total - vm.Available
		if vm.Available > vm.Total {
			used = vm.Used
		}
		best = Sample{LoadBytes: used, CapacityBytes: vm.Total}
	} else if err != nil {
		m.warnOnce.Do(func() {
			m.logger.Warn("system memory unavailable, using process figures only", logging.Error(err))
		})
	}

	if limit := m.processCapacity(best.CapacityBytes); limit > 0 {
		proc := Sample{LoadBytes: ProcessBytes(), CapacityBytes: limit}
		if proc.Ratio() > best.Ratio() || best.CapacityBytes == 0 {
			best = proc
		}
	}
	return best
}

// processCapacity is the tightest of GOMEMLIMIT and the addressable range,
// or 0 when neither is tighter than system memory.
func (m *SystemMonitor) processCapacity(system uint64) uint64 {
	limit := AddressSpaceBytes()
	if l := m.memoryLimit(); l > 0 && l != math.MaxInt64 && uint64(l) < limit {
		limit = uint64(l)
	}
	if system != 0 && limit >= system {
		return 0
	}
	if limit == math.MaxUint64 {
		return 0
	}
	return limit
}

// AddressSpaceBytes returns the usable user address space for this
// pointer width. 64-bit targets are treated as unbounded.
func AddressSpaceBytes() uint64 {
	if bits.UintSize >= 64 {
		return math.MaxUint64
	}
	// half of a 32-bit space; the kernel keeps the rest
	return 1 << (bits.UintSize - 1)
}

var processSamples = []metrics.Sample{
	{Name: "/memory/classes/total:bytes"},
	{Name: "/memory/classes/heap/released:bytes"},
}

var processMu sync.Mutex

// ProcessBytes returns the memory the process currently holds: Go runtime
// mappings minus pages returned to the OS, plus outstanding native handles.
func ProcessBytes() uint64 {
	processMu.Lock()
	metrics.Read(processSamples)
	total := readUint(processSamples[0])
	released := readUint(processSamples[1])
	processMu.Unlock()

	used := uint64(0)
	if total > released {
		used = total - released
	}
	if n := native.TotalOutstandingBytes(); n > 0 {
		used += uint64(n)
	}
	return used
}

func readUint(s metrics.Sample) uint64 {
	if s.Value.Kind() == metrics.KindUint64 {
		return s.Value.Uint64()
	}
	return 0
}

// TotalSystemBytes returns physical memory size, or 0 if it cannot be read.
func TotalSystemBytes() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Total
}
