//go:build windows

package page

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsMappings remembers the native handle a MapViewOfFile needs paired
// with UnmapViewOfFile, keyed by the mapped slice's base address, since
// munmapRaw on this platform only receives the slice back.
var windowsMappings = map[uintptr]windows.Handle{}

func mmapRaw(fd *os.File, offset int64, length int) ([]byte, error) {
	sizeHi := uint32(uint64(offset+int64(length)) >> 32)
	sizeLo := uint32(uint64(offset+int64(length)) & 0xffffffff)

	h, err := windows.CreateFileMapping(windows.Handle(fd.Fd()), nil, windows.PAGE_READWRITE, sizeHi, sizeLo, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateFileMapping: %w", err)
	}

	offHi := uint32(uint64(offset) >> 32)
	offLo := uint32(uint64(offset) & 0xffffffff)

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, offHi, offLo, uintptr(length))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("MapViewOfFile: %w", err)
	}

	windowsMappings[addr] = h
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func munmapRaw(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	h, ok := windowsMappings[addr]
	if !ok {
		return fmt.Errorf("page: unmap of untracked mapping at %x", addr)
	}
	delete(windowsMappings, addr)

	if err := windows.UnmapViewOfFile(addr); err != nil {
		return fmt.Errorf("UnmapViewOfFile: %w", err)
	}
	return windows.CloseHandle(h)
}
