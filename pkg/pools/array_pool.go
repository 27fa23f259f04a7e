package pools

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/trim"
)

// Config configures an ArrayPool.
type Config struct {
	Name               string        // Used in logs and metrics (default: "array")
	MaxArrayLength     int           // Largest pooled length in elements (default: 1 MiB)
	MaxArraysPerBucket int           // Arrays retained per bucket (default: 16)
	ProbeCount         int           // Larger buckets tried on a miss (default: 2)
	Trim               trim.Settings // Trim policy; a zero Period disables background trimming
	Monitor            pressure.Monitor
	Scheduler          *trim.Scheduler
	Observer           diagnostics.PoolObserver
	Logger             logging.Logger
}

// DefaultConfig returns the configuration used by the shared byte pool.
func DefaultConfig() Config {
	return Config{
		Name:               "array",
		MaxArrayLength:     DefaultMaxArrayLength,
		MaxArraysPerBucket: DefaultMaxArraysPerBucket,
		ProbeCount:         DefaultProbeCount,
		Trim:               trim.DefaultSettings(),
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxArrayLength <= 0 {
		return ErrInvalidMaxArrayLength
	}
	if c.MaxArraysPerBucket <= 0 {
		return ErrInvalidArraysPerBucket
	}
	if c.ProbeCount < 0 {
		return ErrInvalidProbeCount
	}
	return c.Trim.Validate()
}

// ArrayPool is a bucketed pool of []T. It is safe for concurrent use.
//
// Rent returns a slice of the requested length whose capacity is the
// bucket length; Return identifies the bucket from the capacity, so callers
// must not reslice past or replace the returned slice.
type ArrayPool[T any] struct {
	id          string
	name        string
	buckets     []*bucket[T]
	probe       int
	elementSize int

	settings trim.Settings
	monitor  pressure.Monitor
	observer diagnostics.PoolObserver
	logger   logging.Logger

	closed atomic.Bool
	cancel func()
}

// NewArrayPool creates a pool and, if trimming is enabled, registers it with
// the trim scheduler.
func NewArrayPool[T any](cfg Config) (*ArrayPool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "array"
	}
	if cfg.Monitor == nil {
		cfg.Monitor = pressure.Default()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = trim.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = diagnostics.NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}

	maxLength := min(max(cfg.MaxArrayLength, MinArrayLength), MaxArrayLengthLimit)
	count := SelectBucketIndex(maxLength) + 1

	var zero T
	p := &ArrayPool[T]{
		id:          uuid.NewString(),
		name:        cfg.Name,
		buckets:     make([]*bucket[T], count),
		probe:       cfg.ProbeCount,
		elementSize: int(unsafe.Sizeof(zero)),
		settings:    cfg.Trim,
		monitor:     cfg.Monitor,
		observer:    cfg.Observer,
	}
	p.logger = cfg.Logger.With(logging.Component("pools"), logging.Pool(p.name))
	for i := range p.buckets {
		p.buckets[i] = newBucket[T](BucketLength(i), cfg.MaxArraysPerBucket)
	}
	p.cancel = trim.Register(cfg.Scheduler, p, cfg.Trim, p.name)

	p.logger.Debug("array pool created",
		logging.String("pool_id", p.id),
		logging.Int("buckets", count),
		logging.Int("max_array_length", BucketLength(count-1)))
	return p, nil
}

// ID returns the pool's unique identifier.
func (p *ArrayPool[T]) ID() string { return p.id }

// Name returns the configured pool name.
func (p *ArrayPool[T]) Name() string { return p.name }

// MaxArrayLength returns the length of the largest bucket.
func (p *ArrayPool[T]) MaxArrayLength() int { return BucketLength(len(p.buckets) - 1) }

// Rent returns a slice of length minLength. Lengths beyond the largest
// bucket are allocated exactly and never pooled. Rent panics if minLength
// is negative.
func (p *ArrayPool[T]) Rent(minLength int) []T {
	if minLength < 0 {
		panic(ErrNegativeLength)
	}
	if minLength == 0 {
		return []T{}
	}

	idx := SelectBucketIndex(minLength)
	if idx >= len(p.buckets) {
		p.observer.Rented(p.name, minLength*p.elementSize, false)
		return make([]T, minLength)
	}

	last := min(idx+p.probe, len(p.buckets)-1)
	for i := idx; i <= last; i++ {
		buf, ok := p.buckets[i].rent()
		if !ok {
			continue
		}
		hit := buf != nil
		if !hit {
			buf = make([]T, p.buckets[i].length)
		}
		p.observer.Rented(p.name, minLength*p.elementSize, hit)
		return buf[:minLength]
	}

	p.observer.Rented(p.name, minLength*p.elementSize, false)
	return make([]T, minLength, p.buckets[idx].length)
}

// Return hands buf back to the pool, zeroing it first if zero is set.
// Arrays too large for any bucket, and arrays returned to a full bucket,
// are dropped. An array whose capacity does not match its bucket was not
// rented from this pool and is rejected with ErrBufferNotFromPool.
func (p *ArrayPool[T]) Return(buf []T, zero bool) error {
	c := cap(buf)
	if c == 0 {
		return nil
	}

	idx := SelectBucketIndex(c)
	if idx >= len(p.buckets) {
		p.observer.Returned(p.name, false)
		return nil
	}
	b := p.buckets[idx]
	if c != b.length {
		p.observer.Returned(p.name, false)
		return diagnostics.Violation(ErrBufferNotFromPool,
			logging.Pool(p.name),
			logging.Int("capacity", c),
			logging.Int("bucket_length", b.length))
	}

	buf = buf[:c]
	if zero {
		clear(buf)
	}
	if p.closed.Load() {
		p.observer.Returned(p.name, false)
		return nil
	}

	ok := b.put(buf, time.Now())
	p.observer.Returned(p.name, ok)
	return nil
}

// Trim releases retained arrays according to the current memory pressure.
// Under high pressure every retained array is released; otherwise only
// buckets whose arrays have been retained for a full trim period give some
// up. It returns false once the pool is closed.
func (p *ArrayPool[T]) Trim() bool {
	if p.closed.Load() {
		return false
	}
	level := p.settings.Level(p.monitor)
	p.trimAt(time.Now(), level)
	return true
}

func (p *ArrayPool[T]) trimAt(now time.Time, level pressure.Level) int {
	total := 0
	for _, b := range p.buckets {
		total += b.trim(now, level, p.settings, p.elementSize)
	}
	if total > 0 {
		p.observer.Trimmed(p.name, total)
		p.logger.Debug("trimmed array pool",
			logging.Pressure(level.String()),
			logging.Count(total))
	}
	return total
}

// Release drops every retained array regardless of pressure.
func (p *ArrayPool[T]) Release() int {
	return p.trimAt(time.Now(), pressure.High)
}

// Close unregisters the pool from trimming and releases retained arrays.
// Rent keeps working afterwards but nothing is retained.
func (p *ArrayPool[T]) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.Release()
}

// BucketStats describes one bucket.
type BucketStats struct {
	Index        int `json:"index"`
	BufferLength int `json:"buffer_length"`
	Capacity     int `json:"capacity"`
	Rented       int `json:"rented"`
	Retained     int `json:"retained"`
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	ElementSize   int           `json:"element_size"`
	Buckets       []BucketStats `json:"buckets"`
	RetainedBytes int64         `json:"retained_bytes"`
}

// Stats returns per-bucket occupancy.
func (p *ArrayPool[T]) Stats() Stats {
	s := Stats{
		ID:          p.id,
		Name:        p.name,
		ElementSize: p.elementSize,
		Buckets:     make([]BucketStats, len(p.buckets)),
	}
	for i, b := range p.buckets {
		bs := b.stats(i)
		s.Buckets[i] = bs
		s.RetainedBytes += int64(bs.Retained) * int64(bs.BufferLength) * int64(p.elementSize)
	}
	return s
}
