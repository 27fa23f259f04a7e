package pools

import (
	"math"
	"sync"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/trim"
)

// bucket holds arrays of one length. Slots [0, index) are rented out;
// slots [index, len) are available, and may be nil if never filled.
type bucket[T any] struct {
	mu        sync.Mutex
	length    int
	buffers   [][]T
	index     int
	filled    int // non-nil slots in [index, len)
	firstItem time.Time
}

func newBucket[T any](length, capacity int) *bucket[T] {
	return &bucket[T]{
		length:  length,
		buffers: make([][]T, capacity),
	}
}

// rent claims the next slot. It returns ok=false when every slot is rented
// out, and a nil array when the claimed slot was never filled.
func (b *bucket[T]) rent() (buf []T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index >= len(b.buffers) {
		return nil, false
	}
	buf = b.buffers[b.index]
	b.buffers[b.index] = nil
	b.index++
	if buf != nil {
		b.filled--
	}
	return buf, true
}

// put stores buf in the slot below the cursor. It reports false when no
// slot is rented out, in which case buf is dropped.
func (b *bucket[T]) put(buf []T, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index == 0 {
		return false
	}
	b.index--
	b.buffers[b.index] = buf
	if b.filled == 0 {
		b.firstItem = now
	}
	b.filled++
	return true
}

// trim drops retained arrays from the cold end of the bucket and returns
// how many were dropped.
func (b *bucket[T]) trim(now time.Time, level pressure.Level, settings trim.Settings, elementSize int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.filled == 0 {
		return 0
	}
	if level != pressure.High && now.Sub(b.firstItem) <= settings.Period {
		return 0
	}

	count := b.trimCount(level, settings.Rate, elementSize)
	dropped := 0
	for i := len(b.buffers) - 1; i >= b.index && dropped < count; i-- {
		if b.buffers[i] != nil {
			b.buffers[i] = nil
			dropped++
		}
	}
	b.filled -= dropped

	if b.filled > 0 {
		b.firstItem = b.firstItem.Add(settings.Refresh())
	}
	return dropped
}

func (b *bucket[T]) trimCount(level pressure.Level, rate float64, elementSize int) int {
	switch level {
	case pressure.High:
		return b.filled
	case pressure.Medium:
		n := max(2, int(math.Ceil(rate*float64(b.filled))))
		if b.length > largeBucketLength {
			n++
		}
		if elementSize > moderateElementSize {
			n++
		}
		if elementSize > largeElementSize {
			n++
		}
		return n
	default:
		return max(1, int(rate*float64(b.filled)))
	}
}

func (b *bucket[T]) stats(i int) BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketStats{
		Index:        i,
		BufferLength: b.length,
		Capacity:     len(b.buffers),
		Rented:       b.index,
		Retained:     b.filled,
	}
}
