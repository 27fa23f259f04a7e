package native

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory marks a transient allocation failure that may succeed
	// once other goroutines free memory.
	ErrOutOfMemory = errors.New("native memory exhausted")
	// ErrInvalidLength is returned for non-positive allocation sizes.
	ErrInvalidLength = errors.New("allocation length must be positive")
	// ErrAllocationFailed wraps a failure that persisted across every retry.
	ErrAllocationFailed = errors.New("native allocation failed")
)

// AllocationError describes a failed native allocation.
type AllocationError struct {
	Op       string // "Allocate"
	Size     int    // requested bytes
	Attempts int    // attempts made before giving up
	Cause    error
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %d bytes after %d attempts: %v", e.Op, e.Size, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s %d bytes: %v", e.Op, e.Size, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *AllocationError) Unwrap() error {
	return e.Cause
}

// Is matches ErrAllocationFailed in addition to the wrapped cause.
func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocationFailed
}
