package validation

import (
	"errors"
	"fmt"
	"time"
)

// ConfigValidator collects cross-field configuration errors that struct
// tags cannot express.
type ConfigValidator struct {
	errors []error
	name   string
}

// NewConfigValidator creates a validator for the named configuration.
func NewConfigValidator(configName string) *ConfigValidator {
	return &ConfigValidator{name: configName}
}

func (cv *ConfigValidator) add(field, format string, args ...any) {
	cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %s", cv.name, field, fmt.Sprintf(format, args...)))
}

// PowerOfTwo requires value to be a power of two, or zero when allowZero.
func (cv *ConfigValidator) PowerOfTwo(field string, value int, allowZero bool) *ConfigValidator {
	if value == 0 && allowZero {
		return cv
	}
	if value <= 0 || value&(value-1) != 0 {
		cv.add(field, "value %d is not a power of two", value)
	}
	return cv
}

// AtLeast requires value to be no smaller than the other field's value.
func (cv *ConfigValidator) AtLeast(field string, value int, otherField string, other int) *ConfigValidator {
	if value < other {
		cv.add(field, "value %d is below %s (%d)", value, otherField, other)
	}
	return cv
}

// MinDuration requires a duration of at least min.
func (cv *ConfigValidator) MinDuration(field string, value, min time.Duration) *ConfigValidator {
	if value < min {
		cv.add(field, "duration %v is below minimum %v", value, min)
	}
	return cv
}

// Custom applies a custom validation function.
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %w", cv.name, field, err))
	}
	return cv
}

// When applies validations only if condition is true.
func (cv *ConfigValidator) When(condition bool, validations func(*ConfigValidator)) *ConfigValidator {
	if condition {
		validations(cv)
	}
	return cv
}

// HasErrors returns true if any validation failed.
func (cv *ConfigValidator) HasErrors() bool {
	return len(cv.errors) > 0
}

// Errors returns all validation errors.
func (cv *ConfigValidator) Errors() []error {
	return cv.errors
}

// Validate returns every failure joined into one error, or nil.
func (cv *ConfigValidator) Validate() error {
	return errors.Join(cv.errors...)
}

// DefaultOrInt returns value if it is positive, otherwise def.
func DefaultOrInt(value, def int) int {
	if value <= 0 {
		return def
	}
	return value
}

// DefaultOrDuration returns value if it is positive, otherwise def.
func DefaultOrDuration(value, def time.Duration) time.Duration {
	if value <= 0 {
		return def
	}
	return value
}
