//go:build !unix && !windows

package native

var (
	sysAlloc = heapAlloc
	sysFree  = heapFree
)

// heapAlloc falls back to the Go heap on platforms without a mapping API.
// The Handle keeps the slice reachable, so the address stays valid until Free.
func heapAlloc(length int) ([]byte, error) {
	return make([]byte, length), nil
}

func heapFree([]byte) {}
