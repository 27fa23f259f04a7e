package lifetime

import "github.com/dd0wney/cluso-pixmem/pkg/native"

// Kind identifies what a Storage holds.
type Kind int

const (
	KindArray Kind = iota
	KindNative
	KindNativeGroup
)

func (k Kind) String() string {
	switch k {
	case KindArray:
		return "array"
	case KindNative:
		return "native"
	case KindNativeGroup:
		return "native-group"
	default:
		return "unknown"
	}
}

// Storage is the memory a guard owns. Exactly one of Array, Native and
// Natives is set, according to Kind.
type Storage struct {
	Kind    Kind
	Array   []byte
	Native  *native.Handle
	Natives []*native.Handle
}

// Len returns the total number of bytes held.
func (s Storage) Len() int {
	switch s.Kind {
	case KindArray:
		return len(s.Array)
	case KindNative:
		return s.Native.Len()
	case KindNativeGroup:
		n := 0
		for _, h := range s.Natives {
			n += h.Len()
		}
		return n
	}
	return 0
}

// Bytes returns the memory of a single-block storage. Group storage has no
// single contiguous view and returns nil.
func (s Storage) Bytes() []byte {
	switch s.Kind {
	case KindArray:
		return s.Array
	case KindNative:
		return s.Native.Bytes()
	}
	return nil
}

// Free releases native memory directly. Arrays are left to the garbage
// collector.
func (s Storage) Free() {
	switch s.Kind {
	case KindNative:
		s.Native.Free()
	case KindNativeGroup:
		for _, h := range s.Natives {
			h.Free()
		}
	}
}
