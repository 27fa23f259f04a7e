package workload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-pixmem/pkg/allocator"
	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
)

func newAllocator(t *testing.T) *allocator.Allocator {
	t.Helper()
	opts := allocator.DefaultOptions()
	opts.MaxArrayPoolBytes = 16 * 1024
	opts.UniformBlockBytes = 64 * 1024
	opts.UniformPoolCapacity = 8
	opts.Monitor = pressure.FixedRatio(0)
	opts.Logger = logging.NewNopLogger()
	a, err := allocator.New(opts)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

type countingRecorder struct {
	mu     sync.Mutex
	kinds  map[string]int
	failed int
}

func (c *countingRecorder) RecordAllocation(kind string, _ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed++
		return
	}
	if c.kinds == nil {
		c.kinds = make(map[string]int)
	}
	c.kinds[kind]++
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"zero width", func(c *Config) { c.MaxWidth = 0 }, true},
		{"negative frames", func(c *Config) { c.Frames = -1 }, true},
		{"negative hold", func(c *Config) { c.Hold = -time.Second }, true},
		{"unbounded frames", func(c *Config) { c.Frames = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunProducesAllFrames(t *testing.T) {
	a := newAllocator(t)
	before := diagnostics.UndisposedAllocations()

	cfg := Config{Workers: 4, Frames: 200, MaxWidth: 256, MaxHeight: 128, GroupEvery: 10, Seed: 7}
	rec := &countingRecorder{}
	r, err := NewRunner(a, cfg, rec, nil)
	require.NoError(t, err)

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 200, res.Frames)
	assert.Zero(t, res.Errors)
	assert.Zero(t, res.Panics)
	assert.Positive(t, res.Bytes)
	assert.EqualValues(t, 200, r.Progress())

	assert.Equal(t, 20, rec.kinds[KindGroup])
	assert.Equal(t, 200, rec.kinds[KindGroup]+rec.kinds[KindRGBA8]+rec.kinds[KindGray32F])
	assert.Zero(t, rec.failed)

	// every frame was disposed
	assert.Equal(t, before, diagnostics.UndisposedAllocations())
	assert.Zero(t, a.Stats().Blocks.Rented)
}

func TestRunIsReproducible(t *testing.T) {
	cfg := Config{Workers: 2, Frames: 50, MaxWidth: 64, MaxHeight: 64, Seed: 42}

	run := func() int64 {
		r, err := NewRunner(newAllocator(t), cfg, nil, nil)
		require.NoError(t, err)
		res, err := r.Run(context.Background())
		require.NoError(t, err)
		return res.Bytes
	}

	assert.Equal(t, run(), run())
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newAllocator(t)
	cfg := Config{Workers: 2, Frames: 0, MaxWidth: 32, MaxHeight: 32, Hold: time.Millisecond, Seed: 1}
	r, err := NewRunner(a, cfg, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, res.Frames)
	assert.Zero(t, a.Stats().Blocks.Rented)
}

func TestRunRecordsAllocationErrors(t *testing.T) {
	opts := allocator.DefaultOptions()
	opts.MaxArrayPoolBytes = 16 * 1024
	opts.UniformBlockBytes = 64 * 1024
	opts.UniformPoolCapacity = 2
	opts.MaxAllocationBytes = 1024
	opts.Monitor = pressure.FixedRatio(0)
	opts.Logger = logging.NewNopLogger()
	a, err := allocator.New(opts)
	require.NoError(t, err)
	defer a.Close()

	rec := &countingRecorder{}
	cfg := Config{Workers: 1, Frames: 10, MaxWidth: 1000, MaxHeight: 1000, Seed: 3}
	r, err := NewRunner(a, cfg, rec, nil)
	require.NoError(t, err)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, res.Errors)
	assert.Equal(t, int(res.Errors), rec.failed)
	assert.EqualValues(t, 10, res.Frames+res.Errors)
}
