// Package lifetime provides reference-counted guards that hand pooled memory
// back to its origin exactly once.
package lifetime

import (
	"errors"
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/native"
)

// ErrReleased is returned when a reference is taken or dropped on a guard
// whose memory was already released.
var ErrReleased = errors.New("lifetime: guard already released")

// Returner hands storage back to the pool it came from. It reports false
// when the pool no longer accepts it, in which case the guard frees the
// storage itself.
type Returner func(Storage) bool

// WeakReturner builds a Returner that reaches the pool through a weak
// pointer, so outstanding guards never keep a pool alive. Once the pool has
// been collected the Returner reports false.
func WeakReturner[P any](pool *P, ret func(*P, Storage) bool) Returner {
	w := weak.Make(pool)
	return func(s Storage) bool {
		p := w.Value()
		if p == nil {
			return false
		}
		return ret(p, s)
	}
}

// Guard owns one Storage and releases it when its reference count drops to
// zero. The construction reference belongs to the owner and is dropped by
// Dispose; AddRef/ReleaseRef pairs protect in-flight users such as pins.
//
// If a guard becomes unreachable before its storage was released, either
// because Dispose was never called or because a pin was dropped without
// Unpin, a finalizer reports a leak and hands the storage back.
type Guard struct {
	refs     atomic.Int32
	disposed atomic.Bool
	released atomic.Bool
	leaked   atomic.Bool

	storage  Storage
	returner Returner
	stack    string
}

// New creates a guard over s. A nil returner frees the storage directly.
func New(s Storage, returner Returner) *Guard {
	g := &Guard{
		storage:  s,
		returner: returner,
		stack:    diagnostics.CaptureStack(1),
	}
	g.refs.Store(1)
	diagnostics.TrackAllocation()
	runtime.SetFinalizer(g, (*Guard).finalize)
	return g
}

// NewArray creates a guard over a managed byte array.
func NewArray(b []byte, returner Returner) *Guard {
	return New(Storage{Kind: KindArray, Array: b}, returner)
}

// NewNative creates a guard over a native handle.
func NewNative(h *native.Handle, returner Returner) *Guard {
	return New(Storage{Kind: KindNative, Native: h}, returner)
}

// NewNativeGroup creates a guard over handles that are returned as a batch.
func NewNativeGroup(hs []*native.Handle, returner Returner) *Guard {
	return New(Storage{Kind: KindNativeGroup, Natives: hs}, returner)
}

// Storage returns the guarded storage. It must not be used after the guard
// is released.
func (g *Guard) Storage() Storage { return g.storage }

// Bytes returns the guarded memory for single-block storage.
func (g *Guard) Bytes() []byte { return g.storage.Bytes() }

// Refs returns the current reference count.
func (g *Guard) Refs() int32 { return g.refs.Load() }

// IsDisposed reports whether Dispose ran or the guard was finalized.
func (g *Guard) IsDisposed() bool { return g.disposed.Load() }

// IsReleased reports whether the storage has been handed back.
func (g *Guard) IsReleased() bool { return g.released.Load() }

// AddRef takes an additional reference. It fails once the guard has been
// released; disposal alone does not prevent it.
func (g *Guard) AddRef() error {
	for {
		n := g.refs.Load()
		if n <= 0 {
			return ErrReleased
		}
		if g.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// ReleaseRef drops a reference, releasing the storage when it was the last.
func (g *Guard) ReleaseRef() error {
	for {
		n := g.refs.Load()
		if n <= 0 {
			return diagnostics.Violation(ErrReleased, logging.String("op", "release_ref"))
		}
		if g.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				g.release()
			}
			return nil
		}
	}
}

// Dispose drops the owner's reference. Calling it more than once has no
// further effect.
func (g *Guard) Dispose() {
	if !g.disposed.CompareAndSwap(false, true) {
		return
	}
	_ = g.ReleaseRef()
}

func (g *Guard) release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	// The finalizer stays armed while pins outlive Dispose.
	runtime.SetFinalizer(g, nil)
	if g.returner == nil || !g.returner(g.storage) {
		g.storage.Free()
	}
	if !g.leaked.Load() {
		diagnostics.UntrackAllocation()
	}
}

func (g *Guard) finalize() {
	if g.released.Load() {
		return
	}
	pinned := !g.disposed.CompareAndSwap(false, true)
	g.leaked.Store(true)
	diagnostics.ReportLeak(diagnostics.LeakReport{
		Kind:   g.storage.Kind.String(),
		Bytes:  g.storage.Len(),
		Pinned: pinned,
		Stack:  g.stack,
	})
	// Unreachable, so any references still counted belong to pins that
	// were dropped without unpinning.
	for g.refs.Load() > 0 {
		_ = g.ReleaseRef()
	}
}
