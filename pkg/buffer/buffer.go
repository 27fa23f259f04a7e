// Package buffer provides typed views over guarded memory.
//
// A view's slice aliases memory that goes back to a pool on Dispose. Using
// a slice after its owner was disposed, or after the owner became
// unreachable, reads memory that may already belong to someone else.
package buffer

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/dd0wney/cluso-pixmem/pkg/lifetime"
	"github.com/dd0wney/cluso-pixmem/pkg/simd"
)

var (
	// ErrDisposed is the panic value when a disposed buffer is accessed.
	ErrDisposed = errors.New("buffer: use after dispose")
	// ErrTooSmall is returned when the storage cannot hold the requested
	// elements after alignment.
	ErrTooSmall = errors.New("buffer: storage too small for aligned view")
	// ErrPointerElements is returned for element types containing pointers,
	// which cannot live in memory the garbage collector does not scan.
	ErrPointerElements = errors.New("buffer: element type contains pointers")
)

var pointerFree sync.Map // reflect.Type -> bool

// CheckElementType reports an error if T cannot be stored in raw memory.
func CheckElementType[T any]() error {
	t := reflect.TypeFor[T]()
	if ok, cached := pointerFree.Load(t); cached {
		if !ok.(bool) {
			return fmt.Errorf("%w: %s", ErrPointerElements, t)
		}
		return nil
	}
	ok := isPointerFree(t)
	pointerFree.Store(t, ok)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPointerElements, t)
	}
	return nil
}

func isPointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || isPointerFree(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !isPointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ElementSize returns the size of T in bytes.
func ElementSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// view slices b into length elements of T starting at the first offset
// aligned to alignment.
func view[T any](b []byte, length, alignment int) ([]T, error) {
	if length == 0 {
		return []T{}, nil
	}
	size := ElementSize[T]()
	if size == 0 {
		return make([]T, length), nil
	}
	if len(b) == 0 {
		return nil, ErrTooSmall
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	offset := simd.AlignedOffsetFor(start, size, alignment)
	if offset+length*size > len(b) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTooSmall, length*size, offset, len(b))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[offset])), length), nil
}

// Owned is a typed buffer backed by a lifetime guard.
type Owned[T any] struct {
	guard *lifetime.Guard
	span  []T
}

// NewOwned builds a view of length elements over the guard's storage,
// aligned to alignment bytes. On error the guard is left undisposed.
func NewOwned[T any](g *lifetime.Guard, length, alignment int) (*Owned[T], error) {
	if err := CheckElementType[T](); err != nil {
		return nil, err
	}
	span, err := view[T](g.Bytes(), length, alignment)
	if err != nil {
		return nil, err
	}
	return &Owned[T]{guard: g, span: span}, nil
}

// Len returns the number of elements.
func (o *Owned[T]) Len() int { return len(o.span) }

// Span returns the elements. It panics with ErrDisposed after Dispose.
func (o *Owned[T]) Span() []T {
	if o.guard.IsDisposed() {
		panic(ErrDisposed)
	}
	return o.span
}

// Kind reports where the memory came from.
func (o *Owned[T]) Kind() lifetime.Kind { return o.guard.Storage().Kind }

// IsDisposed reports whether Dispose was called.
func (o *Owned[T]) IsDisposed() bool { return o.guard.IsDisposed() }

// Dispose returns the memory to its pool once no pins remain. It is safe
// to call more than once.
func (o *Owned[T]) Dispose() { o.guard.Dispose() }

// Pin keeps the memory from being released until the returned pin is
// unpinned, even if the buffer is disposed meanwhile.
func (o *Owned[T]) Pin() (*Pin[T], error) {
	if o.guard.IsDisposed() {
		return nil, ErrDisposed
	}
	if err := o.guard.AddRef(); err != nil {
		return nil, err
	}
	return &Pin[T]{owner: o}, nil
}

// Pin is a token holding a reference on a buffer's memory.
type Pin[T any] struct {
	owner    *Owned[T]
	unpinned sync.Once
}

// Pointer returns the address of the first element, or nil for an empty
// buffer. It is valid until Unpin.
func (p *Pin[T]) Pointer() unsafe.Pointer {
	if len(p.owner.span) == 0 {
		return nil
	}
	return unsafe.Pointer(&p.owner.span[0])
}

// Len returns the number of elements behind Pointer.
func (p *Pin[T]) Len() int { return len(p.owner.span) }

// Unpin drops the pin's reference. Extra calls are ignored.
func (p *Pin[T]) Unpin() {
	p.unpinned.Do(func() {
		_ = p.owner.guard.ReleaseRef()
	})
}
