package simd

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPreferredAlignment(t *testing.T) {
	a := PreferredAlignment()
	if !IsPowerOfTwo(a) {
		t.Fatalf("PreferredAlignment() = %d, want power of two", a)
	}
	if a < DefaultAlignment || a > 64 {
		t.Errorf("PreferredAlignment() = %d, want within [16, 64]", a)
	}
}

func TestAlignedOffsetFor(t *testing.T) {
	tests := []struct {
		name        string
		start       uintptr
		elementSize int
		alignment   int
		want        int
	}{
		{"already aligned", 0x1000, 4, 16, 0},
		{"byte elements", 0x1001, 1, 16, 15},
		{"float32 off by 8", 0x1008, 4, 16, 8},
		{"float32 on avx2", 0x1004, 4, 32, 28},
		{"vector4 on avx512", 0x1010, 16, 64, 48},
		{"rgb24 rounds delta", 0x1008, 3, 16, 9},
		{"element wider than alignment", 0x1008, 32, 16, 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AlignedOffsetFor(tt.start, tt.elementSize, tt.alignment); got != tt.want {
				t.Errorf("AlignedOffsetFor(%#x, %d, %d) = %d, want %d", tt.start, tt.elementSize, tt.alignment, got, tt.want)
			}
		})
	}
}

func TestAlignedOffsetForPanicsOnBadInput(t *testing.T) {
	for _, tc := range []struct{ elem, align int }{{0, 16}, {4, 24}, {4, 0}} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("AlignedOffsetFor(_, %d, %d) did not panic", tc.elem, tc.align)
				}
			}()
			AlignedOffsetFor(0x1000, tc.elem, tc.align)
		}()
	}
}

func TestSlack(t *testing.T) {
	tests := []struct {
		elem, align, want int
	}{
		{1, 16, 15},
		{4, 16, 16},
		{3, 16, 15},
		{16, 64, 64},
		{12, 16, 24},
		{4, 1, 0},
	}
	for _, tt := range tests {
		if got := Slack(tt.elem, tt.align); got != tt.want {
			t.Errorf("Slack(%d, %d) = %d, want %d", tt.elem, tt.align, got, tt.want)
		}
	}
}

func TestRoundUpAndPowerOfTwo(t *testing.T) {
	if RoundUp(17, 16) != 32 || RoundUp(32, 16) != 32 || RoundUp(uint8(1), 3) != 3 {
		t.Error("RoundUp returned wrong value")
	}
	for _, v := range []int{1, 2, 16, 1 << 30} {
		if !IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = false", v)
		}
	}
	for _, v := range []int{0, -2, 3, 24} {
		if IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = true", v)
		}
	}
}

// TestAlignmentProperties checks, for every vector width in {16, 32, 64} and
// every power-of-two element size up to 16 bytes, that the offset is element
// aligned, produces an aligned address and is the minimal such offset.
func TestAlignmentProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("aligned, element-multiple and minimal", prop.ForAll(
		func(alignment, elementSize int, base uint32) bool {
			start := uintptr(base) * uintptr(elementSize)
			off := AlignedOffsetFor(start, elementSize, alignment)
			return off%elementSize == 0 &&
				(start+uintptr(off))%uintptr(alignment) == 0 &&
				off < alignment &&
				off <= Slack(elementSize, alignment)
		},
		gen.OneConstOf(16, 32, 64),
		gen.OneConstOf(1, 2, 4, 8, 16),
		gen.UInt32Range(0, 1<<24),
	))

	properties.Property("never exceeds slack for odd element sizes", prop.ForAll(
		func(alignment, elementSize int, start uint32) bool {
			off := AlignedOffsetFor(uintptr(start), elementSize, alignment)
			return off%elementSize == 0 && off <= Slack(elementSize, alignment)
		},
		gen.OneConstOf(16, 32, 64),
		gen.IntRange(1, 40),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}

func TestNewPlan(t *testing.T) {
	p := NewPlan(0x2004, 4, 16)
	if p.Offset != 12 || p.Alignment != 16 || p.ElementSize != 4 {
		t.Errorf("NewPlan() = %+v", p)
	}
}
