//go:build windows

package mmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mapFile(f *os.File, size int) ([]byte, func() error, error) {
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, nil, &os.PathError{Op: "CreateFileMapping", Path: f.Name(), Err: err}
	}
	// The view keeps the mapping object alive.
	defer windows.CloseHandle(h) //nolint:errcheck

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		return nil, nil, &os.PathError{Op: "MapViewOfFile", Path: f.Name(), Err: err}
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet // addr is a mapped view
	return data, func() error { return windows.UnmapViewOfFile(addr) }, nil
}

// mapAnon commits pages on demand, so large arenas do not need paging file
// space up front.
func mapAnon(size int) ([]byte, func() error, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil, nil, err
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet // addr is a committed region
	return data, func() error { return windows.VirtualFree(addr, 0, windows.MEM_RELEASE) }, nil
}

func advise([]byte, Advice) error {
	return nil
}
