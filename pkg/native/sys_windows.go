//go:build windows

package native

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	sysAlloc = virtualAlloc
	sysFree  = virtualFree
)

// virtualAlloc commits zeroed pages through VirtualAlloc.
func virtualAlloc(length int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(length), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		if errors.Is(err, windows.ERROR_NOT_ENOUGH_MEMORY) || errors.Is(err, windows.ERROR_COMMITMENT_LIMIT) {
			return nil, errors.Join(ErrOutOfMemory, err)
		}
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func virtualFree(mem []byte) {
	if len(mem) == 0 {
		return
	}
	_ = windows.VirtualFree(uintptr(unsafe.Pointer(unsafe.SliceData(mem))), 0, windows.MEM_RELEASE)
}
