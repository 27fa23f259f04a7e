// Package native wraps raw allocations made outside the Go heap.
//
// A Handle owns exactly one allocation. Its address never moves, so it can be
// handed to SIMD kernels or foreign code without pinning. Every live handle
// is counted in process-wide totals that the pressure monitor and the
// diagnostics surface read.
package native

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// MaxAllocationAttempts bounds the retries made when the system reports
	// it is out of memory.
	MaxAllocationAttempts = 10

	retryBackoff = time.Millisecond
)

var (
	totalOutstandingHandles atomic.Int64
	totalOutstandingBytes   atomic.Int64
	totalOOMRetries         atomic.Int64

	lowMemory = newBroadcaster()
)

// Handle is one native allocation. The zero value and the nil pointer are
// both invalid handles and serve as "not yet allocated" slot markers.
type Handle struct {
	ptr    unsafe.Pointer
	length int
	mem    []byte
	freed  atomic.Bool
}

// Allocate reserves exactly length bytes of zeroed native memory. When the
// system is out of memory the call blocks briefly and retries, up to
// MaxAllocationAttempts, giving concurrent Free calls a chance to land.
func Allocate(length int) (*Handle, error) {
	if length <= 0 {
		return nil, &AllocationError{Op: "Allocate", Size: length, Attempts: 0, Cause: ErrInvalidLength}
	}

	var (
		mem []byte
		err error
	)
	attempt := 0
	for attempt < MaxAllocationAttempts {
		attempt++
		mem, err = sysAlloc(length)
		if err == nil {
			break
		}
		if !isOutOfMemory(err) || attempt == MaxAllocationAttempts {
			return nil, &AllocationError{Op: "Allocate", Size: length, Attempts: attempt, Cause: err}
		}
		totalOOMRetries.Add(1)
		lowMemory.wait(retryBackoff)
	}

	totalOutstandingHandles.Add(1)
	totalOutstandingBytes.Add(int64(length))
	return &Handle{
		ptr:    unsafe.Pointer(unsafe.SliceData(mem)),
		length: length,
		mem:    mem,
	}, nil
}

// Free releases the allocation. Only the first call has an effect; it also
// wakes any goroutine waiting in Allocate's retry loop.
func (h *Handle) Free() {
	if h == nil || h.ptr == nil || !h.freed.CompareAndSwap(false, true) {
		return
	}
	sysFree(h.mem)
	h.mem = nil
	totalOutstandingHandles.Add(-1)
	totalOutstandingBytes.Add(-int64(h.length))
	lowMemory.signal()
}

// IsValid reports whether h refers to a live allocation.
func (h *Handle) IsValid() bool {
	return h != nil && h.ptr != nil && !h.freed.Load()
}

// IsInvalid is the negation of IsValid.
func (h *Handle) IsInvalid() bool {
	return !h.IsValid()
}

// Pointer returns the base address of the allocation, or nil.
func (h *Handle) Pointer() unsafe.Pointer {
	if h == nil {
		return nil
	}
	return h.ptr
}

// Len returns the allocation size in bytes. It never changes.
func (h *Handle) Len() int {
	if h == nil {
		return 0
	}
	return h.length
}

// Bytes exposes the allocation as a byte slice. The slice must not be used
// after Free.
func (h *Handle) Bytes() []byte {
	if h == nil || h.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(h.ptr), h.length)
}

// Equal compares handles by address.
func (h *Handle) Equal(other *Handle) bool {
	return h.Pointer() == other.Pointer()
}

// TotalOutstandingHandles returns the number of allocations not yet freed.
func TotalOutstandingHandles() int64 {
	return totalOutstandingHandles.Load()
}

// TotalOutstandingBytes returns the number of native bytes not yet freed.
func TotalOutstandingBytes() int64 {
	return totalOutstandingBytes.Load()
}

// TotalOOMRetries returns how many times Allocate had to back off and retry.
func TotalOOMRetries() int64 {
	return totalOOMRetries.Load()
}

func isOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfMemory)
}

// broadcaster lets Free wake every goroutine parked in a retry backoff.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

func (b *broadcaster) wait(timeout time.Duration) {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}

func (b *broadcaster) signal() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}
