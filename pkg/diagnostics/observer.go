package diagnostics

// PoolObserver receives pool activity. Implementations must be safe for
// concurrent use and cheap; they are called on the rent/return path.
type PoolObserver interface {
	// Rented records a rent; hit is false when the pool had to allocate.
	Rented(pool string, bytes int, hit bool)
	// Returned records a return; ok is false when the pool refused it.
	Returned(pool string, ok bool)
	// Trimmed records buffers released by a trim.
	Trimmed(pool string, buffers int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) Rented(string, int, bool) {}
func (NopObserver) Returned(string, bool)    {}
func (NopObserver) Trimmed(string, int)      {}
