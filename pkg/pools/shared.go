package pools

import "sync"

var shared = sync.OnceValue(func() *ArrayPool[byte] {
	cfg := DefaultConfig()
	cfg.Name = "shared"
	p, err := NewArrayPool[byte](cfg)
	if err != nil {
		panic(err)
	}
	return p
})

// Shared returns the process-wide byte pool.
func Shared() *ArrayPool[byte] {
	return shared()
}

// RentBytes returns a byte slice of length n from the shared pool.
func RentBytes(n int) []byte {
	return shared().Rent(n)
}

// ReturnBytes returns a byte slice to the shared pool.
func ReturnBytes(b []byte) {
	_ = shared().Return(b, false)
}
