// Package simd computes alignment for vectorised pixel kernels.
//
// Everything here is pure: the only input besides the arguments is the CPU
// feature set, which is fixed for the life of the process.
package simd

import (
	"fmt"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/cpu"
)

// DefaultAlignment is used when no vector extension is detected.
const DefaultAlignment = 16

// PreferredAlignment returns the width in bytes of the widest vector
// register the CPU accelerates. The result is a power of two, at least
// DefaultAlignment.
func PreferredAlignment() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 64
	case cpu.X86.HasAVX2, cpu.X86.HasAVX:
		return 32
	default:
		// SSE2, NEON/ASIMD, VSX and the no-SIMD case all use 16.
		return DefaultAlignment
	}
}

// Plan is the derived alignment decision for one buffer.
type Plan struct {
	Alignment   int // vector width the buffer start is rounded to
	ElementSize int // size of one element in bytes
	Offset      int // leading bytes skipped in the raw allocation
}

// AlignedOffset returns the number of bytes to skip from start so the
// remaining span begins on a PreferredAlignment boundary while staying a
// whole number of elements into the allocation.
func AlignedOffset(start uintptr, elementSize int) int {
	return AlignedOffsetFor(start, elementSize, PreferredAlignment())
}

// AlignedOffsetFor is AlignedOffset with an explicit alignment.
//
// The aligned address is start rounded up to alignment; the byte delta is
// then rounded up to a multiple of elementSize. When elementSize is a power
// of two no larger than alignment and start is element aligned, the second
// rounding is a no-op and the result is the minimal aligned offset, below
// alignment. Callers must over-allocate by Slack(elementSize, alignment).
func AlignedOffsetFor(start uintptr, elementSize, alignment int) int {
	if elementSize <= 0 {
		panic(fmt.Sprintf("simd: element size must be positive, got %d", elementSize))
	}
	if !IsPowerOfTwo(alignment) {
		panic(fmt.Sprintf("simd: alignment must be a power of two, got %d", alignment))
	}
	aligned := RoundUp(start, uintptr(alignment))
	delta := int(aligned - start)
	return RoundUp(delta, elementSize)
}

// Slack returns the most bytes AlignedOffsetFor can ever return for the
// given element size and alignment.
func Slack(elementSize, alignment int) int {
	if alignment <= 1 {
		return 0
	}
	return RoundUp(alignment-1, elementSize)
}

// NewPlan computes the plan for a buffer starting at start.
func NewPlan(start uintptr, elementSize, alignment int) Plan {
	return Plan{
		Alignment:   alignment,
		ElementSize: elementSize,
		Offset:      AlignedOffsetFor(start, elementSize, alignment),
	}
}

// RoundUp rounds v up to the next multiple of m. m must be positive.
func RoundUp[T constraints.Integer](v, m T) T {
	if r := v % m; r != 0 {
		return v + (m - r)
	}
	return v
}

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo[T constraints.Integer](v T) bool {
	return v > 0 && v&(v-1) == 0
}
