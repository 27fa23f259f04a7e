package native

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSysAlloc(t *testing.T, fn func(int) ([]byte, error)) {
	t.Helper()
	origAlloc, origFree := sysAlloc, sysFree
	sysAlloc = fn
	sysFree = func([]byte) {}
	t.Cleanup(func() { sysAlloc, sysFree = origAlloc, origFree })
}

func TestAllocate(t *testing.T) {
	handles := TotalOutstandingHandles()
	bytes := TotalOutstandingBytes()

	h, err := Allocate(4096)
	require.NoError(t, err)
	require.True(t, h.IsValid())
	assert.False(t, h.IsInvalid())
	assert.Equal(t, 4096, h.Len())
	assert.NotNil(t, h.Pointer())

	b := h.Bytes()
	require.Len(t, b, 4096)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %d, want zeroed memory", i, v)
		}
	}
	b[0], b[4095] = 0xAB, 0xCD
	assert.Equal(t, byte(0xAB), h.Bytes()[0])

	assert.Equal(t, handles+1, TotalOutstandingHandles())
	assert.Equal(t, bytes+4096, TotalOutstandingBytes())

	h.Free()
	assert.True(t, h.IsInvalid())
	assert.Equal(t, handles, TotalOutstandingHandles())
	assert.Equal(t, bytes, TotalOutstandingBytes())
}

func TestFreeIsIdempotent(t *testing.T) {
	handles := TotalOutstandingHandles()

	h, err := Allocate(64)
	require.NoError(t, err)
	h.Free()
	h.Free()
	h.Free()

	assert.Equal(t, handles, TotalOutstandingHandles())
}

func TestAllocateInvalidLength(t *testing.T) {
	for _, n := range []int{0, -1, -4096} {
		h, err := Allocate(n)
		assert.Nil(t, h)
		assert.ErrorIs(t, err, ErrInvalidLength, "length %d", n)
		assert.ErrorIs(t, err, ErrAllocationFailed)
	}
}

func TestAllocateRetriesOnOutOfMemory(t *testing.T) {
	failures := 3
	withSysAlloc(t, func(n int) ([]byte, error) {
		if failures > 0 {
			failures--
			return nil, ErrOutOfMemory
		}
		return make([]byte, n), nil
	})

	retries := TotalOOMRetries()
	h, err := Allocate(128)
	require.NoError(t, err)
	defer h.Free()

	assert.Equal(t, retries+3, TotalOOMRetries())
}

func TestAllocateGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	withSysAlloc(t, func(int) ([]byte, error) {
		calls++
		return nil, ErrOutOfMemory
	})

	h, err := Allocate(128)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Equal(t, MaxAllocationAttempts, calls)
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, MaxAllocationAttempts, allocErr.Attempts)
	assert.Equal(t, 128, allocErr.Size)
}

func TestAllocateDoesNotRetryHardFailures(t *testing.T) {
	calls := 0
	hard := errors.New("invalid argument")
	withSysAlloc(t, func(int) ([]byte, error) {
		calls++
		return nil, hard
	})

	_, err := Allocate(128)
	assert.ErrorIs(t, err, hard)
	assert.Equal(t, 1, calls)
}

func TestFreeWakesWaiters(t *testing.T) {
	b := newBroadcaster()
	done := make(chan struct{})
	go func() {
		b.wait(time.Minute)
		close(done)
	}()

	// give the waiter time to park on the current channel
	time.Sleep(10 * time.Millisecond)
	b.signal()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by signal")
	}
}

func TestInvalidHandles(t *testing.T) {
	var nilHandle *Handle
	assert.True(t, nilHandle.IsInvalid())
	assert.Equal(t, 0, nilHandle.Len())
	assert.Nil(t, nilHandle.Bytes())
	nilHandle.Free()

	zero := &Handle{}
	assert.True(t, zero.IsInvalid())
	assert.True(t, zero.Equal(nilHandle))
}

func TestEqualByAddress(t *testing.T) {
	a, err := Allocate(32)
	require.NoError(t, err)
	defer a.Free()
	b, err := Allocate(32)
	require.NoError(t, err)
	defer b.Free()

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
}
