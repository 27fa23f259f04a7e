// Package pools provides a size-classed array pool for reducing GC pressure.
//
// Arrays are grouped into power-of-two buckets starting at 16 elements.
// Each bucket keeps a fixed number of arrays and hands them out in LIFO
// order; arrays are only allocated when a bucket slot is first claimed.
// Retained arrays are released by Trim according to memory pressure.
package pools

import (
	"errors"
	"math/bits"
)

const (
	// MinArrayLength is the length of the smallest bucket.
	MinArrayLength = 16
	// MaxArrayLengthLimit bounds the largest bucket a pool may have.
	MaxArrayLengthLimit = 1 << 30

	// DefaultMaxArrayLength is the largest pooled array length (1 MiB of bytes).
	DefaultMaxArrayLength = 1024 * 1024
	// DefaultMaxArraysPerBucket is the number of arrays each bucket retains.
	DefaultMaxArraysPerBucket = 16
	// DefaultProbeCount is how many larger buckets Rent tries on a miss.
	DefaultProbeCount = 2

	// buckets longer than this give up an extra array on a medium trim
	largeBucketLength   = 16384
	moderateElementSize = 16
	largeElementSize    = 32
)

var (
	ErrBufferNotFromPool      = errors.New("pools: buffer capacity does not match its bucket")
	ErrNegativeLength         = errors.New("pools: negative length")
	ErrInvalidMaxArrayLength  = errors.New("pools: max array length must be positive")
	ErrInvalidArraysPerBucket = errors.New("pools: arrays per bucket must be positive")
	ErrInvalidProbeCount      = errors.New("pools: probe count must not be negative")
)

// SelectBucketIndex returns the bucket holding arrays of at least n
// elements. Lengths up to 16 share bucket 0.
func SelectBucketIndex(n int) int {
	return bits.Len(uint(n-1)|(MinArrayLength-1)) - 4
}

// BucketLength returns the array length stored in bucket i.
func BucketLength(i int) int {
	return MinArrayLength << i
}
