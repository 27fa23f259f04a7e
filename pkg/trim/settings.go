// Package trim decides when pools give retained memory back and runs the
// shared background loop that asks them to.
package trim

import (
	"errors"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
)

var (
	ErrInvalidPeriod    = errors.New("trim: period must not be negative")
	ErrInvalidRate      = errors.New("trim: rate must be in (0, 1]")
	ErrInvalidThreshold = errors.New("trim: high pressure threshold must be in (0, 1]")
)

// Settings controls how a pool trims. A zero Period disables trimming.
type Settings struct {
	// Period is the time a pool waits between partial trims (default: 60s)
	Period time.Duration `yaml:"period" json:"period"`
	// Rate is the fraction of retained buffers freed by a partial trim (default: 0.5)
	Rate float64 `yaml:"rate" json:"rate"`
	// HighPressureThreshold is the memory load ratio treated as high pressure (default: 0.9)
	HighPressureThreshold float64 `yaml:"high_pressure_threshold" json:"high_pressure_threshold"`
}

// DefaultSettings returns the settings pools use unless configured otherwise.
func DefaultSettings() Settings {
	return Settings{
		Period:                60 * time.Second,
		Rate:                  0.5,
		HighPressureThreshold: 0.9,
	}
}

// Disabled returns settings with trimming turned off.
func Disabled() Settings {
	s := DefaultSettings()
	s.Period = 0
	return s
}

// Enabled reports whether pools using s register for background trimming.
func (s Settings) Enabled() bool { return s.Period > 0 }

// Validate checks if the settings are usable.
func (s Settings) Validate() error {
	if s.Period < 0 {
		return ErrInvalidPeriod
	}
	if s.Rate <= 0 || s.Rate > 1 {
		return ErrInvalidRate
	}
	if s.HighPressureThreshold <= 0 || s.HighPressureThreshold > 1 {
		return ErrInvalidThreshold
	}
	return nil
}

// Level classifies the current pressure reported by m.
func (s Settings) Level(m pressure.Monitor) pressure.Level {
	return m.Sample().Level(s.HighPressureThreshold)
}

// Refresh is how far a partial trim pushes the pool's trim clock forward.
func (s Settings) Refresh() time.Duration { return s.Period / 4 }
