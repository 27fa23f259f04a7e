// Package workload drives an allocator with a synthetic image-decoding load:
// frames of random size are allocated, touched, held and disposed across a
// pool of workers.
package workload

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/allocator"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/parallel"
	"github.com/dd0wney/cluso-pixmem/pkg/validation"
)

// Frame kinds.
const (
	KindRGBA8   = "rgba8"
	KindGray32F = "gray32f"
	KindGroup   = "group"
)

// ErrInvalidConfig wraps configuration errors.
var ErrInvalidConfig = errors.New("workload: invalid config")

// Config describes the load.
type Config struct {
	// Workers is the number of concurrent frame producers.
	Workers int `yaml:"workers" validate:"gte=1,lte=4096"`
	// Frames is the number of frames to produce; zero runs until the
	// context is cancelled.
	Frames int `yaml:"frames" validate:"gte=0"`
	// MaxWidth and MaxHeight bound the random frame size in pixels.
	MaxWidth  int `yaml:"max_width" validate:"gte=1"`
	MaxHeight int `yaml:"max_height" validate:"gte=1"`
	// GroupEvery makes every n-th frame a grouped allocation of planar
	// float channels. Zero disables groups.
	GroupEvery int `yaml:"group_every" validate:"gte=0"`
	// Hold is how long a frame stays alive before disposal.
	Hold time.Duration `yaml:"hold"`
	// Seed makes frame sizes reproducible.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns a moderate load.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		Frames:     10000,
		MaxWidth:   1920,
		MaxHeight:  1080,
		GroupEvery: 16,
		Seed:       1,
	}
}

// Validate checks if the config is usable.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	if c.Hold < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("Hold must not be negative"))
	}
	return nil
}

// Recorder receives one event per frame.
type Recorder interface {
	RecordAllocation(kind string, lifetime time.Duration, err error)
}

// Result summarises a run.
type Result struct {
	Frames   int64         `json:"frames"`
	Errors   int64         `json:"errors"`
	Bytes    int64         `json:"bytes"`
	Panics   int64         `json:"panics"`
	Duration time.Duration `json:"duration"`
}

// Runner produces frames against an allocator.
type Runner struct {
	alloc    *allocator.Allocator
	cfg      Config
	recorder Recorder
	logger   logging.Logger

	frames atomic.Int64
	errs   atomic.Int64
	bytes  atomic.Int64
}

// NewRunner creates a runner. recorder and logger may be nil.
func NewRunner(a *allocator.Allocator, cfg Config, recorder Recorder, logger logging.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Runner{
		alloc:    a,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With(logging.Component("workload")),
	}, nil
}

// Progress returns frames produced so far.
func (r *Runner) Progress() int64 {
	return r.frames.Load() + r.errs.Load()
}

// Run produces frames until Frames is reached or ctx is cancelled. It
// returns ctx.Err() when cancelled before completion.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	pool, err := parallel.NewWorkerPool(r.cfg.Workers, r.logger)
	if err != nil {
		return Result{}, err
	}

	timer := logging.StartTimer(r.logger, "workload finished",
		logging.Int("workers", r.cfg.Workers),
		logging.Int("frames", r.cfg.Frames))
	start := time.Now()

	for i := 0; r.cfg.Frames == 0 || i < r.cfg.Frames; i++ {
		frame := i
		if err := pool.SubmitContext(ctx, func() { r.frame(ctx, frame) }); err != nil {
			break
		}
	}
	pool.Wait()
	timer.End()

	res := Result{
		Frames:   r.frames.Load(),
		Errors:   r.errs.Load(),
		Bytes:    r.bytes.Load(),
		Panics:   pool.Panics(),
		Duration: time.Since(start),
	}
	if r.cfg.Frames == 0 || int(res.Frames+res.Errors+res.Panics) < r.cfg.Frames {
		return res, ctx.Err()
	}
	return res, nil
}

// frame allocates, touches, holds and disposes one frame.
func (r *Runner) frame(ctx context.Context, i int) {
	rng := rand.New(rand.NewPCG(r.cfg.Seed, uint64(i)))
	w := 1 + rng.IntN(r.cfg.MaxWidth)
	h := 1 + rng.IntN(r.cfg.MaxHeight)
	pixels := w * h

	kind := KindRGBA8
	switch {
	case r.cfg.GroupEvery > 0 && i%r.cfg.GroupEvery == 0:
		kind = KindGroup
	case i%2 == 1:
		kind = KindGray32F
	}

	start := time.Now()
	var (
		dispose func()
		n       int64
		err     error
	)
	switch kind {
	case KindRGBA8:
		dispose, n, err = rgba8(r.alloc, pixels)
	case KindGray32F:
		dispose, n, err = gray32f(r.alloc, pixels)
	case KindGroup:
		dispose, n, err = planar(r.alloc, pixels)
	}
	if err != nil {
		r.errs.Add(1)
		r.logger.Warn("frame allocation failed",
			logging.String("kind", kind),
			logging.Int("pixels", pixels),
			logging.Error(err))
		r.record(kind, 0, err)
		return
	}

	if r.cfg.Hold > 0 {
		select {
		case <-time.After(r.cfg.Hold):
		case <-ctx.Done():
		}
	}
	dispose()

	r.frames.Add(1)
	r.bytes.Add(n)
	r.record(kind, time.Since(start), nil)
}

func (r *Runner) record(kind string, lifetime time.Duration, err error) {
	if r.recorder != nil {
		r.recorder.RecordAllocation(kind, lifetime, err)
	}
}

func rgba8(a *allocator.Allocator, pixels int) (func(), int64, error) {
	o, err := allocator.Allocate[[4]uint8](a, pixels)
	if err != nil {
		return nil, 0, err
	}
	span := o.Span()
	span[0] = [4]uint8{0xff, 0, 0, 0xff}
	span[len(span)-1] = span[0]
	return o.Dispose, int64(pixels) * 4, nil
}

func gray32f(a *allocator.Allocator, pixels int) (func(), int64, error) {
	o, err := allocator.AllocateClean[float32](a, pixels)
	if err != nil {
		return nil, 0, err
	}
	span := o.Span()
	for i := 0; i < len(span); i += 1024 {
		span[i] = 0.5
	}
	return o.Dispose, int64(pixels) * 4, nil
}

// planar allocates three float channels as one group.
func planar(a *allocator.Allocator, pixels int) (func(), int64, error) {
	g, err := allocator.AllocateGroup[float32](a, pixels*3)
	if err != nil {
		return nil, 0, err
	}
	for _, piece := range g.Pieces() {
		if len(piece) > 0 {
			piece[0] = 1
			piece[len(piece)-1] = 1
		}
	}
	return g.Dispose, int64(pixels) * 12, nil
}
