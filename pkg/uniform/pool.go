// Package uniform implements a pool of equally sized slots that can be
// rented and returned one at a time or as a batch.
package uniform

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/trim"
)

var (
	ErrInvalidCapacity   = errors.New("uniform: capacity must be positive")
	ErrInvalidSlotLength = errors.New("uniform: slot length must be positive")
	ErrOverReturn        = errors.New("uniform: more slots returned than rented")
	ErrInvalidSlot       = errors.New("uniform: returned slot is not a live allocation")
)

// Config configures a Pool.
type Config struct {
	Name       string        // Used in logs and metrics (default: "uniform")
	Capacity   int           // Number of slots
	SlotLength int           // Bytes per slot
	Trim       trim.Settings // Trim policy; a zero Period disables background trimming
	Monitor    pressure.Monitor
	Scheduler  *trim.Scheduler
	Observer   diagnostics.PoolObserver
	Logger     logging.Logger
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return ErrInvalidCapacity
	}
	if c.SlotLength <= 0 {
		return ErrInvalidSlotLength
	}
	return c.Trim.Validate()
}

// Pool hands out up to Capacity slots of SlotLength bytes. Slots are
// allocated lazily on first rent and kept after return until trimmed.
//
// Slots [0, index) are rented out. Slots [index, capacity) are available;
// an available slot may hold the zero value if it was never filled or was
// trimmed.
type Pool[S any] struct {
	id         string
	name       string
	capacity   int
	slotLength int

	alloc func(length int) (S, error)
	free  func(S)
	valid func(S) bool

	mu        sync.Mutex
	slots     []S
	index     atomic.Int64 // written under mu
	lastTrim  time.Time
	finalized atomic.Bool

	settings trim.Settings
	monitor  pressure.Monitor
	observer diagnostics.PoolObserver
	logger   logging.Logger
	cancel   func()
}

func newPool[S any](cfg Config, alloc func(int) (S, error), free func(S), valid func(S) bool) (*Pool[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "uniform"
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

	p := &Pool[S]{
		id:         uuid.NewString(),
		name:       cfg.Name,
		capacity:   cfg.Capacity,
		slotLength: cfg.SlotLength,
		alloc:      alloc,
		free:       free,
		valid:      valid,
		slots:      make([]S, cfg.Capacity),
		lastTrim:   time.Now(),
		settings:   cfg.Trim,
		monitor:    cfg.Monitor,
		observer:   cfg.Observer,
	}
	p.logger = cfg.Logger.With(logging.Component("uniform"), logging.Pool(p.name))
	p.cancel = trim.Register(cfg.Scheduler, p, cfg.Trim, p.name)

	// An abandoned pool frees what it still retains. Slots handed back
	// after collection are freed by their guards instead.
	runtime.AddCleanup(p, func(slots []S) {
		for _, s := range slots {
			if valid(s) {
				free(s)
			}
		}
	}, p.slots)

	p.logger.Debug("uniform pool created",
		logging.String("pool_id", p.id),
		logging.Int("capacity", p.capacity),
		logging.Bytes(p.slotLength))
	return p, nil
}

// ID returns the pool's unique identifier.
func (p *Pool[S]) ID() string { return p.id }

// Name returns the configured pool name.
func (p *Pool[S]) Name() string { return p.name }

// Capacity returns the number of slots.
func (p *Pool[S]) Capacity() int { return p.capacity }

// SlotLength returns the size of each slot in bytes.
func (p *Pool[S]) SlotLength() int { return p.slotLength }

// Rent returns one slot, or the zero value with a nil error when the pool
// is exhausted or closed. Callers must fall back to a direct allocation.
func (p *Pool[S]) Rent() (S, error) {
	var zero S
	got, err := p.rent(1)
	if err != nil || got == nil {
		return zero, err
	}
	return got[0], nil
}

// RentMultiple returns count slots as one batch, or nil with a nil error
// when fewer than count slots are available.
func (p *Pool[S]) RentMultiple(count int) ([]S, error) {
	if count <= 0 {
		return nil, nil
	}
	return p.rent(count)
}

func (p *Pool[S]) rent(count int) ([]S, error) {
	if p.exhausted(count) {
		p.observer.Rented(p.name, count*p.slotLength, false)
		return nil, nil
	}

	p.mu.Lock()
	if p.exhausted(count) {
		p.mu.Unlock()
		p.observer.Rented(p.name, count*p.slotLength, false)
		return nil, nil
	}
	start := int(p.index.Load())
	out := make([]S, count)
	copy(out, p.slots[start:start+count])
	var zero S
	for i := start; i < start+count; i++ {
		p.slots[i] = zero
	}
	p.index.Store(int64(start + count))
	p.mu.Unlock()

	hit := true
	for i, s := range out {
		if p.valid(s) {
			continue
		}
		hit = false
		fresh, err := p.alloc(p.slotLength)
		if err != nil {
			// hand the claimed slots back, unfilled ones as placeholders
			if !p.putBack(out) {
				for _, s := range out {
					if p.valid(s) {
						p.free(s)
					}
				}
			}
			return nil, err
		}
		out[i] = fresh
	}
	p.observer.Rented(p.name, count*p.slotLength, hit)
	return out, nil
}

func (p *Pool[S]) exhausted(count int) bool {
	return p.finalized.Load() || p.index.Load()+int64(count) > int64(p.capacity)
}

// Return hands one slot back. It reports false when the pool is closed,
// no slot is rented out or s is not a live allocation; the caller must then
// free the slot itself.
func (p *Pool[S]) Return(s S) bool {
	return p.ReturnMultiple([]S{s})
}

// ReturnMultiple hands a batch of slots back. See Return. A batch holding
// a slot that is not a live allocation is rejected as a whole.
func (p *Pool[S]) ReturnMultiple(batch []S) bool {
	for i, s := range batch {
		if !p.valid(s) {
			p.observer.Returned(p.name, false)
			_ = diagnostics.Violation(ErrInvalidSlot,
				logging.Pool(p.name),
				logging.Int("index", i),
				logging.Count(len(batch)))
			return false
		}
	}
	return p.putBack(batch)
}

// putBack moves batch left of the cursor. Unfilled placeholders are
// allowed so a failed rent can hand back what it claimed.
func (p *Pool[S]) putBack(batch []S) bool {
	if len(batch) == 0 {
		return true
	}
	if p.finalized.Load() {
		p.observer.Returned(p.name, false)
		return false
	}

	p.mu.Lock()
	if p.finalized.Load() {
		p.mu.Unlock()
		p.observer.Returned(p.name, false)
		return false
	}
	index := int(p.index.Load())
	if index < len(batch) {
		p.mu.Unlock()
		p.observer.Returned(p.name, false)
		_ = diagnostics.Violation(ErrOverReturn,
			logging.Pool(p.name),
			logging.Int("rented", index),
			logging.Count(len(batch)))
		return false
	}
	index -= len(batch)
	copy(p.slots[index:], batch)
	p.index.Store(int64(index))
	p.mu.Unlock()

	p.observer.Returned(p.name, true)
	return true
}

// Trim frees retained slots according to memory pressure: all of them
// under high pressure, otherwise a Rate fraction once per trim period.
// It returns false once the pool is closed.
func (p *Pool[S]) Trim() bool {
	if p.finalized.Load() {
		return false
	}
	p.trimAt(time.Now(), p.settings.Level(p.monitor))
	return true
}

func (p *Pool[S]) trimAt(now time.Time, level pressure.Level) int {
	p.mu.Lock()
	var freed []S
	if level == pressure.High {
		freed = p.takeRetained(len(p.slots))
	} else if now.Sub(p.lastTrim) > p.settings.Period {
		count := max(1, int(p.settings.Rate*float64(p.retainedLocked())))
		freed = p.takeRetained(count)
		p.lastTrim = now
	}
	p.mu.Unlock()

	for _, s := range freed {
		p.free(s)
	}
	if len(freed) > 0 {
		p.observer.Trimmed(p.name, len(freed))
		p.logger.Debug("trimmed uniform pool",
			logging.Pressure(level.String()),
			logging.Count(len(freed)))
	}
	return len(freed)
}

// takeRetained removes up to count filled slots, coldest first. Caller
// holds mu.
func (p *Pool[S]) takeRetained(count int) []S {
	var taken []S
	var zero S
	index := int(p.index.Load())
	for i := len(p.slots) - 1; i >= index && len(taken) < count; i-- {
		if p.valid(p.slots[i]) {
			taken = append(taken, p.slots[i])
			p.slots[i] = zero
		}
	}
	return taken
}

func (p *Pool[S]) retainedLocked() int {
	n := 0
	for _, s := range p.slots[p.index.Load():] {
		if p.valid(s) {
			n++
		}
	}
	return n
}

// Release frees every retained slot and returns how many were freed.
// Rented slots are unaffected.
func (p *Pool[S]) Release() int {
	p.mu.Lock()
	freed := p.takeRetained(len(p.slots))
	p.mu.Unlock()

	for _, s := range freed {
		p.free(s)
	}
	return len(freed)
}

// Close finalizes the pool and releases retained slots. Afterwards Rent
// reports exhaustion and Return reports false, so outstanding slots are
// freed by their holders.
func (p *Pool[S]) Close() {
	if !p.finalized.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	n := p.Release()
	p.logger.Debug("uniform pool closed", logging.Count(n))
}

// Closed reports whether Close was called.
func (p *Pool[S]) Closed() bool { return p.finalized.Load() }

// Stats is a point-in-time view of a pool.
type Stats struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Capacity   int    `json:"capacity"`
	SlotLength int    `json:"slot_length"`
	Rented     int    `json:"rented"`
	Retained   int    `json:"retained"`
}

// Stats returns the pool's occupancy.
func (p *Pool[S]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ID:         p.id,
		Name:       p.name,
		Capacity:   p.capacity,
		SlotLength: p.slotLength,
		Rented:     int(p.index.Load()),
		Retained:   p.retainedLocked(),
	}
}
