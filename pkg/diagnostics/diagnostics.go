// Package diagnostics tracks allocations that were never disposed and the
// leak reports raised when the garbage collector finds them.
package diagnostics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/go-stack/stack"
	"github.com/google/uuid"

	"github.com/dd0wney/cluso-pixmem/pkg/logging"
)

// HistorySize is the number of leak reports kept for RecentLeaks.
const HistorySize = 32

// LeakReport describes an allocation that became unreachable without being
// disposed.
type LeakReport struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Bytes int    `json:"bytes"`
	// Pinned is set when the owner disposed the allocation but a pin was
	// dropped without being unpinned.
	Pinned bool      `json:"pinned,omitempty"`
	Stack  string    `json:"stack,omitempty"`
	Time   time.Time `json:"time"`
}

// LeakHandler receives leak reports. Handlers run on the finalizer goroutine
// and must not block.
type LeakHandler func(LeakReport)

var (
	undisposed    atomic.Int64
	leaks         atomic.Int64
	captureStacks atomic.Bool

	mu       sync.Mutex
	history  = queue.New()
	handlers = map[uint64]LeakHandler{}
	nextID   uint64
	logger   logging.Logger
)

// UndisposedAllocations returns the number of live allocations that have
// not been released.
func UndisposedAllocations() int64 { return undisposed.Load() }

// TrackAllocation records a new undisposed allocation.
func TrackAllocation() { undisposed.Add(1) }

// UntrackAllocation records that an allocation was released cleanly.
func UntrackAllocation() { undisposed.Add(-1) }

// TotalLeaks returns the number of leak reports raised by this process.
func TotalLeaks() int64 { return leaks.Load() }

// SetCaptureAllocationStacks enables recording the call stack of each
// allocation so leak reports can point at it. Off by default.
func SetCaptureAllocationStacks(enabled bool) { captureStacks.Store(enabled) }

// CaptureAllocationStacks reports whether stacks are being captured.
func CaptureAllocationStacks() bool { return captureStacks.Load() }

// CaptureStack returns the caller's stack, skipping skip frames above the
// caller, or "" when capture is disabled.
func CaptureStack(skip int) string {
	if !captureStacks.Load() {
		return ""
	}
	trace := stack.Trace().TrimRuntime()
	// drop CaptureStack itself
	skip++
	if skip >= len(trace) {
		return ""
	}
	return fmt.Sprintf("%+v", trace[skip:])
}

// SetLogger sets the logger used for leak and violation reports.
// A nil logger restores the default.
func SetLogger(l logging.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func currentLogger() logging.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		return logging.DefaultLogger().With(logging.Component("diagnostics"))
	}
	return l
}

// OnLeak subscribes h to leak reports and returns a function removing it.
func OnLeak(h LeakHandler) (unsubscribe func()) {
	mu.Lock()
	id := nextID
	nextID++
	handlers[id] = h
	mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			delete(handlers, id)
			mu.Unlock()
		})
	}
}

// ReportLeak records r, logs it and notifies subscribers.
func ReportLeak(r LeakReport) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	leaks.Add(1)

	mu.Lock()
	history.Add(r)
	for history.Length() > HistorySize {
		history.Remove()
	}
	subscribers := make([]LeakHandler, 0, len(handlers))
	for _, h := range handlers {
		subscribers = append(subscribers, h)
	}
	mu.Unlock()

	fields := []logging.Field{
		logging.String("leak_id", r.ID),
		logging.String("kind", r.Kind),
		logging.Bytes(r.Bytes),
	}
	if r.Pinned {
		fields = append(fields, logging.Bool("pinned", true))
	}
	if r.Stack != "" {
		fields = append(fields, logging.String("allocated_at", r.Stack))
	} else {
		fields = append(fields, logging.String("hint", "enable allocation stack capture to locate the allocation"))
	}
	currentLogger().Error("allocation became unreachable before it was released", fields...)

	for _, h := range subscribers {
		h(r)
	}
}

// RecentLeaks returns up to HistorySize of the most recent leak reports,
// oldest first.
func RecentLeaks() []LeakReport {
	mu.Lock()
	defer mu.Unlock()

	out := make([]LeakReport, history.Length())
	for i := range out {
		out[i] = history.Get(i).(LeakReport)
	}
	return out
}
