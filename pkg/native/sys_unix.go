//go:build unix

package native

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	sysAlloc = mmapAlloc
	sysFree  = mmapFree
)

// mmapAlloc maps anonymous private pages. The kernel zero-fills them and
// the base address is page aligned.
func mmapAlloc(length int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
			return nil, errors.Join(ErrOutOfMemory, err)
		}
		return nil, err
	}
	return mem, nil
}

func mmapFree(mem []byte) {
	_ = unix.Munmap(mem)
}
