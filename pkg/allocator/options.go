package allocator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/trim"
	"github.com/dd0wney/cluso-pixmem/pkg/validation"
)

const (
	// DefaultMaxArrayPoolBytes is the largest request served from the array pool.
	DefaultMaxArrayPoolBytes = 1024 * 1024
	// DefaultUniformBlockBytes is the slot size of the native block pool.
	DefaultUniformBlockBytes = 4 * 1024 * 1024
	// maxUniformPoolBytes caps the memory an automatically sized block pool may retain.
	maxUniformPoolBytes = 1 << 30
)

// Options configures an Allocator.
type Options struct {
	// Requests up to this many bytes come from the bucketed array pool (default: 1 MiB)
	MaxArrayPoolBytes int `yaml:"max_array_pool_bytes" validate:"gte=16,lte=1073741824"`
	// Arrays each bucket retains (default: 16)
	ArraysPerBucket int `yaml:"arrays_per_bucket" validate:"gte=1,lte=4096"`
	// Larger buckets tried when a bucket is exhausted (default: 2)
	BucketProbeCount int `yaml:"bucket_probe_count" validate:"gte=0,lte=8"`
	// Slot size of the native block pool (default: 4 MiB)
	UniformBlockBytes int `yaml:"uniform_block_bytes" validate:"gte=4096"`
	// Slots in the native block pool; 0 sizes it from system memory
	UniformPoolCapacity int `yaml:"uniform_pool_capacity" validate:"gte=0"`
	// Buffer start alignment in bytes; 0 uses the widest vector unit
	Alignment int `yaml:"alignment" validate:"pow2,lte=4096"`
	// Largest single allocation in bytes; 0 means no limit
	MaxAllocationBytes int64 `yaml:"max_allocation_bytes" validate:"gte=0"`
	// How pools give memory back
	Trim trim.Settings `yaml:"trim"`
	// How often memory pressure is sampled (default: 1s)
	PressureWatchInterval time.Duration `yaml:"pressure_watch_interval"`
	// Record allocation call stacks for leak reports
	CaptureAllocationStacks bool `yaml:"capture_allocation_stacks"`

	Logger    logging.Logger           `yaml:"-" validate:"-"`
	Monitor   pressure.Monitor         `yaml:"-" validate:"-"`
	Scheduler *trim.Scheduler          `yaml:"-" validate:"-"`
	Observer  diagnostics.PoolObserver `yaml:"-" validate:"-"`
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		MaxArrayPoolBytes:     DefaultMaxArrayPoolBytes,
		ArraysPerBucket:       16,
		BucketProbeCount:      2,
		UniformBlockBytes:     DefaultUniformBlockBytes,
		Trim:                  trim.DefaultSettings(),
		PressureWatchInterval: trim.DefaultWatchInterval,
	}
}

// LoadOptions reads YAML options from path. Fields missing from the file
// keep their defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("allocator: read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("allocator: parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate checks if the options are usable.
func (o *Options) Validate() error {
	if err := validation.Struct(o); err != nil {
		return err
	}
	return validation.NewConfigValidator("Options").
		AtLeast("UniformBlockBytes", o.UniformBlockBytes, "MaxArrayPoolBytes", o.MaxArrayPoolBytes).
		Custom("Trim", o.Trim.Validate).
		When(o.PressureWatchInterval != 0, func(cv *validation.ConfigValidator) {
			cv.MinDuration("PressureWatchInterval", o.PressureWatchInterval, 10*time.Millisecond)
		}).
		Validate()
}

// DefaultUniformCapacity sizes the block pool to retain at most an eighth
// of system memory, capped at 1 GiB.
func DefaultUniformCapacity(blockBytes int, systemBytes uint64) int {
	budget := uint64(maxUniformPoolBytes)
	if systemBytes > 0 {
		budget = min(budget, systemBytes/8)
	}
	return max(1, int(budget/uint64(blockBytes)))
}
