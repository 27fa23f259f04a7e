package lifetime

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/native"
)

func init() {
	diagnostics.SetLogger(logging.NewNopLogger())
}

type countingPool struct {
	returns atomic.Int32
	accept  bool
}

func (p *countingPool) put(Storage) bool {
	p.returns.Add(1)
	return p.accept
}

func TestGuardDoubleDispose(t *testing.T) {
	pool := &countingPool{accept: true}
	before := diagnostics.UndisposedAllocations()

	g := NewArray(make([]byte, 64), pool.put)
	assert.Equal(t, before+1, diagnostics.UndisposedAllocations())

	g.Dispose()
	g.Dispose()

	assert.Equal(t, int32(1), pool.returns.Load())
	assert.True(t, g.IsDisposed())
	assert.True(t, g.IsReleased())
	assert.Equal(t, before, diagnostics.UndisposedAllocations())
}

func TestGuardPinnedAfterDispose(t *testing.T) {
	pool := &countingPool{accept: true}
	g := NewArray(make([]byte, 16), pool.put)

	require.NoError(t, g.AddRef())
	g.Dispose()

	assert.False(t, g.IsReleased(), "pinned guard must not release on dispose")
	assert.Zero(t, pool.returns.Load())

	require.NoError(t, g.ReleaseRef())
	assert.True(t, g.IsReleased())
	assert.Equal(t, int32(1), pool.returns.Load())
}

func TestGuardRefAfterRelease(t *testing.T) {
	if diagnostics.Strict {
		t.Skip("violations panic in strict builds")
	}
	g := NewArray(make([]byte, 16), nil)
	g.Dispose()

	assert.ErrorIs(t, g.AddRef(), ErrReleased)
	assert.ErrorIs(t, g.ReleaseRef(), ErrReleased)
	assert.Equal(t, int32(0), g.Refs())
}

func TestGuardRejectedReturnFreesNative(t *testing.T) {
	h, err := native.Allocate(4096)
	require.NoError(t, err)

	pool := &countingPool{accept: false}
	g := NewNative(h, pool.put)
	g.Dispose()

	assert.Equal(t, int32(1), pool.returns.Load())
	assert.True(t, h.IsInvalid())
}

func TestGuardNativeGroupFreedTogether(t *testing.T) {
	a, err := native.Allocate(4096)
	require.NoError(t, err)
	b, err := native.Allocate(4096)
	require.NoError(t, err)

	g := NewNativeGroup([]*native.Handle{a, b}, nil)
	assert.Equal(t, 8192, g.Storage().Len())
	assert.Nil(t, g.Bytes())

	g.Dispose()
	assert.True(t, a.IsInvalid())
	assert.True(t, b.IsInvalid())
}

type fakePool struct {
	returns *atomic.Int32
}

func (p *fakePool) put(Storage) bool {
	p.returns.Add(1)
	return true
}

func TestWeakReturnerAfterPoolCollected(t *testing.T) {
	var returns atomic.Int32
	pool := &fakePool{returns: &returns}
	ret := WeakReturner(pool, (*fakePool).put)

	assert.True(t, ret(Storage{Kind: KindArray}))
	assert.Equal(t, int32(1), returns.Load())

	pool = nil
	deadline := time.Now().Add(5 * time.Second)
	for ret(Storage{Kind: KindArray}) {
		require.True(t, time.Now().Before(deadline), "pool was never collected")
		runtime.GC()
	}
	assert.GreaterOrEqual(t, returns.Load(), int32(1))
}

func TestGuardFinalizerReportsLeak(t *testing.T) {
	leaked := make(chan diagnostics.LeakReport, 1)
	unsubscribe := diagnostics.OnLeak(func(r diagnostics.LeakReport) {
		select {
		case leaked <- r:
		default:
		}
	})
	defer unsubscribe()

	var returns atomic.Int32
	func() {
		g := NewArray(make([]byte, 128), func(Storage) bool {
			returns.Add(1)
			return true
		})
		require.NoError(t, g.AddRef())
	}()

	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()
		select {
		case r := <-leaked:
			assert.Equal(t, "array", r.Kind)
			assert.Equal(t, 128, r.Bytes)
			require.Eventually(t, func() bool { return returns.Load() == 1 }, time.Second, time.Millisecond)
			return
		case <-deadline:
			t.Fatal("leak was not reported")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGuardDisposedWithDanglingPinIsFreed(t *testing.T) {
	leaked := make(chan diagnostics.LeakReport, 1)
	unsubscribe := diagnostics.OnLeak(func(r diagnostics.LeakReport) {
		if r.Kind != "native" {
			return
		}
		select {
		case leaked <- r:
		default:
		}
	})
	defer unsubscribe()

	h, err := native.Allocate(4096)
	require.NoError(t, err)
	func() {
		g := NewNative(h, nil)
		require.NoError(t, g.AddRef())
		g.Dispose()
		require.False(t, g.IsReleased())
	}()

	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()
		select {
		case r := <-leaked:
			assert.True(t, r.Pinned)
			assert.Equal(t, 4096, r.Bytes)
			require.Eventually(t, h.IsInvalid, time.Second, time.Millisecond, "handle was not freed")
			return
		case <-deadline:
			t.Fatal("dangling pin was not reported")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGuardExactlyOnceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent dispose and ref pairs release once", prop.ForAll(
		func(pins int, disposers int) bool {
			pool := &countingPool{accept: true}
			g := NewArray(make([]byte, 8), pool.put)

			var wg sync.WaitGroup
			for i := 0; i < pins; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if g.AddRef() == nil {
						_ = g.ReleaseRef()
					}
				}()
			}
			for i := 0; i < disposers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					g.Dispose()
				}()
			}
			wg.Wait()

			return g.IsReleased() && pool.returns.Load() == 1 && g.Refs() == 0
		},
		gen.IntRange(0, 16),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
