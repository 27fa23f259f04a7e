// Package allocator hands out typed, aligned, pooled buffers.
//
// Small requests are served from a bucketed array pool, requests up to one
// block from a pool of native blocks, and anything larger straight from
// the operating system. Every buffer is owned by a lifetime guard and goes
// back where it came from exactly once.
package allocator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-pixmem/pkg/buffer"
	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/lifetime"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/native"
	"github.com/dd0wney/cluso-pixmem/pkg/pools"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/simd"
	"github.com/dd0wney/cluso-pixmem/pkg/trim"
	"github.com/dd0wney/cluso-pixmem/pkg/uniform"
)

var (
	// ErrInvalidLength is returned for negative or unrepresentable element counts.
	ErrInvalidLength = errors.New("allocator: invalid element count")
	// ErrClosed is returned by allocations after Close.
	ErrClosed = errors.New("allocator: closed")
)

// Allocator is safe for concurrent use.
type Allocator struct {
	opts      Options
	alignment int

	arrays *pools.ArrayPool[byte]
	blocks *uniform.NativePool

	arrayReturner lifetime.Returner
	blockReturner lifetime.Returner
	groupReturner lifetime.Returner

	scheduler     *trim.Scheduler
	ownsScheduler bool
	systemBytes   uint64
	logger        logging.Logger
	closed        atomic.Bool
}

// New creates an allocator from opts.
func New(opts Options) (*Allocator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Observer == nil {
		opts.Observer = diagnostics.NopObserver{}
	}
	if opts.CaptureAllocationStacks {
		diagnostics.SetCaptureAllocationStacks(true)
	}

	a := &Allocator{
		opts:      opts,
		alignment: opts.Alignment,
		scheduler: opts.Scheduler,
		logger:    opts.Logger.With(logging.Component("allocator")),
	}
	if a.alignment == 0 {
		a.alignment = simd.PreferredAlignment()
	}
	if a.scheduler == nil {
		if opts.Monitor == nil && opts.PressureWatchInterval == trim.DefaultWatchInterval {
			a.scheduler = trim.Default()
		} else {
			a.scheduler = trim.NewScheduler(trim.SchedulerConfig{
				Monitor:       opts.Monitor,
				WatchInterval: opts.PressureWatchInterval,
				Logger:        opts.Logger,
			})
			a.ownsScheduler = true
		}
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = pressure.Default()
	}

	arrays, err := pools.NewArrayPool[byte](pools.Config{
		Name:               "array",
		MaxArrayLength:     opts.MaxArrayPoolBytes,
		MaxArraysPerBucket: opts.ArraysPerBucket,
		ProbeCount:         opts.BucketProbeCount,
		Trim:               opts.Trim,
		Monitor:            monitor,
		Scheduler:          a.scheduler,
		Observer:           opts.Observer,
		Logger:             opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("allocator: array pool: %w", err)
	}

	a.systemBytes = pressure.TotalSystemBytes()
	capacity := opts.UniformPoolCapacity
	if capacity == 0 {
		capacity = DefaultUniformCapacity(opts.UniformBlockBytes, a.systemBytes)
	}
	blocks, err := uniform.NewNativePool(uniform.Config{
		Name:       "native-block",
		Capacity:   capacity,
		SlotLength: opts.UniformBlockBytes,
		Trim:       opts.Trim,
		Monitor:    monitor,
		Scheduler:  a.scheduler,
		Observer:   opts.Observer,
		Logger:     opts.Logger,
	})
	if err != nil {
		arrays.Close()
		return nil, fmt.Errorf("allocator: block pool: %w", err)
	}

	a.arrays = arrays
	a.blocks = blocks
	a.arrayReturner = lifetime.WeakReturner(arrays, func(p *pools.ArrayPool[byte], s lifetime.Storage) bool {
		return p.Return(s.Array, false) == nil
	})
	a.blockReturner = lifetime.WeakReturner(blocks, func(p *uniform.NativePool, s lifetime.Storage) bool {
		return p.Return(s.Native)
	})
	a.groupReturner = lifetime.WeakReturner(blocks, func(p *uniform.NativePool, s lifetime.Storage) bool {
		return p.ReturnMultiple(s.Natives)
	})

	a.logger.Info("allocator ready",
		logging.Int("alignment", a.alignment),
		logging.Int("max_array_pool_bytes", opts.MaxArrayPoolBytes),
		logging.Int("uniform_block_bytes", opts.UniformBlockBytes),
		logging.Int("uniform_pool_capacity", capacity))
	return a, nil
}

var (
	defaultAllocator *Allocator
	defaultOnce      sync.Once
)

// Default returns a process-wide allocator built from DefaultOptions.
func Default() *Allocator {
	defaultOnce.Do(func() {
		a, err := New(DefaultOptions())
		if err != nil {
			panic(err)
		}
		defaultAllocator = a
	})
	return defaultAllocator
}

// Alignment returns the byte alignment of every buffer start.
func (a *Allocator) Alignment() int { return a.alignment }

// Options returns the options the allocator was built with.
func (a *Allocator) Options() Options { return a.opts }

// Arrays returns the bucketed array pool.
func (a *Allocator) Arrays() *pools.ArrayPool[byte] { return a.arrays }

// Blocks returns the native block pool.
func (a *Allocator) Blocks() *uniform.NativePool { return a.blocks }

// Allocate returns a buffer of exactly length elements of T whose first
// element is aligned to Alignment. T must not contain pointers.
func Allocate[T any](a *Allocator, length int) (*buffer.Owned[T], error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if err := buffer.CheckElementType[T](); err != nil {
		return nil, err
	}
	size := buffer.ElementSize[T]()
	total, err := a.byteCount(length, size)
	if err != nil {
		return nil, err
	}

	g, err := a.rent(total)
	if err != nil {
		return nil, err
	}
	o, err := buffer.NewOwned[T](g, length, a.alignment)
	if err != nil {
		g.Dispose()
		return nil, err
	}
	return o, nil
}

// AllocateClean is Allocate with the elements zeroed. Pooled memory is
// otherwise returned with whatever its previous user left in it.
func AllocateClean[T any](a *Allocator, length int) (*buffer.Owned[T], error) {
	o, err := Allocate[T](a, length)
	if err != nil {
		return nil, err
	}
	clear(o.Span())
	return o, nil
}

// AllocateGroup returns total elements of T spread over native blocks that
// are rented and returned as one batch. Each piece holds as many elements
// as fit in one block after alignment.
func AllocateGroup[T any](a *Allocator, total int) (*buffer.Group[T], error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if err := buffer.CheckElementType[T](); err != nil {
		return nil, err
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, total)
	}
	size := max(buffer.ElementSize[T](), 1)
	perPiece := (a.opts.UniformBlockBytes - simd.Slack(size, a.alignment)) / size
	if perPiece <= 0 {
		return nil, fmt.Errorf("%w: element of %d bytes does not fit a block", ErrInvalidLength, size)
	}
	count := total / perPiece
	if total%perPiece != 0 {
		count++
	}
	if count > math.MaxInt/a.opts.UniformBlockBytes {
		return nil, fmt.Errorf("%w: %d elements of %d bytes overflow", ErrInvalidLength, total, size)
	}
	if err := a.checkLimits(int64(count) * int64(a.opts.UniformBlockBytes)); err != nil {
		return nil, err
	}

	g, err := a.rentGroup(count)
	if err != nil {
		return nil, err
	}
	grp, err := buffer.NewGroup[T](g, total, perPiece, a.alignment)
	if err != nil {
		g.Dispose()
		return nil, err
	}
	return grp, nil
}

// byteCount returns the bytes needed for length elements plus alignment
// slack.
func (a *Allocator) byteCount(length, size int) (int, error) {
	if length < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if length == 0 || size == 0 {
		return 0, nil
	}
	slack := simd.Slack(size, a.alignment)
	if length > (math.MaxInt-slack)/size {
		return 0, fmt.Errorf("%w: %d elements of %d bytes overflow", ErrInvalidLength, length, size)
	}
	total := length*size + slack
	if err := a.checkLimits(int64(total)); err != nil {
		return 0, err
	}
	return total, nil
}

// checkLimits rejects requests above MaxAllocationBytes or above physical
// memory. Neither could ever be satisfied.
func (a *Allocator) checkLimits(bytes int64) error {
	if limit := a.opts.MaxAllocationBytes; limit > 0 && bytes > limit {
		return fmt.Errorf("%w: %d bytes exceed the limit of %d", ErrInvalidLength, bytes, limit)
	}
	if a.systemBytes > 0 && uint64(bytes) > a.systemBytes {
		return fmt.Errorf("%w: %d bytes exceed system memory of %d", ErrInvalidLength, bytes, a.systemBytes)
	}
	return nil
}

func (a *Allocator) rent(total int) (*lifetime.Guard, error) {
	switch {
	case total == 0:
		return lifetime.NewArray(nil, nil), nil
	case total <= a.opts.MaxArrayPoolBytes:
		return lifetime.NewArray(a.arrays.Rent(total), a.arrayReturner), nil
	case total <= a.opts.UniformBlockBytes:
		h, err := a.blocks.Rent()
		if err != nil {
			return nil, err
		}
		if h != nil {
			return lifetime.NewNative(h, a.blockReturner), nil
		}
	}

	h, err := native.Allocate(total)
	if err != nil {
		return nil, err
	}
	return lifetime.NewNative(h, nil), nil
}

func (a *Allocator) rentGroup(count int) (*lifetime.Guard, error) {
	if count == 0 {
		return lifetime.NewNativeGroup(nil, nil), nil
	}
	hs, err := a.blocks.RentMultiple(count)
	if err != nil {
		return nil, err
	}
	if hs != nil {
		return lifetime.NewNativeGroup(hs, a.groupReturner), nil
	}

	hs = make([]*native.Handle, 0, count)
	for i := 0; i < count; i++ {
		h, err := native.Allocate(a.opts.UniformBlockBytes)
		if err != nil {
			for _, done := range hs {
				done.Free()
			}
			return nil, err
		}
		hs = append(hs, h)
	}
	return lifetime.NewNativeGroup(hs, nil), nil
}

// ReleaseRetainedResources frees every buffer the pools retain. Buffers
// currently in use are unaffected.
func (a *Allocator) ReleaseRetainedResources() {
	arrays := a.arrays.Release()
	blocks := a.blocks.Release()
	a.logger.Debug("released retained resources",
		logging.Int("arrays", arrays),
		logging.Int("blocks", blocks))
}

// Close releases retained memory and stops pooling. Buffers still in use
// stay valid; when disposed they are freed instead of pooled.
func (a *Allocator) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	a.arrays.Close()
	a.blocks.Close()
	if a.ownsScheduler {
		a.scheduler.Stop()
	}
	a.logger.Info("allocator closed",
		logging.Int64("undisposed", diagnostics.UndisposedAllocations()))
}

// Stats is a snapshot of allocator and process-wide memory state.
type Stats struct {
	Alignment          int           `json:"alignment"`
	Arrays             pools.Stats   `json:"arrays"`
	Blocks             uniform.Stats `json:"blocks"`
	Undisposed         int64         `json:"undisposed"`
	Leaks              int64         `json:"leaks"`
	OutstandingHandles int64         `json:"outstanding_handles"`
	OutstandingBytes   int64         `json:"outstanding_bytes"`
	OOMRetries         int64         `json:"oom_retries"`
}

// Stats returns a snapshot.
func (a *Allocator) Stats() Stats {
	return Stats{
		Alignment:          a.alignment,
		Arrays:             a.arrays.Stats(),
		Blocks:             a.blocks.Stats(),
		Undisposed:         diagnostics.UndisposedAllocations(),
		Leaks:              diagnostics.TotalLeaks(),
		OutstandingHandles: native.TotalOutstandingHandles(),
		OutstandingBytes:   native.TotalOutstandingBytes(),
		OOMRetries:         native.TotalOOMRetries(),
	}
}
