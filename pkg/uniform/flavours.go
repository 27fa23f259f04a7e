package uniform

import "github.com/dd0wney/cluso-pixmem/pkg/native"

// NativePool is a uniform pool of native memory handles.
type NativePool = Pool[*native.Handle]

// ArrayPool is a uniform pool of managed byte arrays.
type ArrayPool = Pool[[]byte]

// NewNativePool creates a pool whose slots are native handles.
func NewNativePool(cfg Config) (*NativePool, error) {
	return newPool(cfg,
		native.Allocate,
		func(h *native.Handle) { h.Free() },
		func(h *native.Handle) bool { return h != nil && h.IsValid() },
	)
}

// NewArrayPool creates a pool whose slots are byte arrays.
func NewArrayPool(cfg Config) (*ArrayPool, error) {
	return newPool(cfg,
		func(n int) ([]byte, error) { return make([]byte, n), nil },
		func([]byte) {},
		func(b []byte) bool { return b != nil },
	)
}
