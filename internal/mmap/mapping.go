package mmap

import (
	"errors"
	"os"
	"sync/atomic"
)

// Advice is an access pattern hint for the kernel.
type Advice int

const (
	// AdviseNormal clears any previous hint.
	AdviseNormal Advice = iota
	// AdviseSequential favours read-ahead, used when whole files are streamed.
	AdviseSequential
	// AdviseRandom disables read-ahead, used for page-sized point reads.
	AdviseRandom
)

var (
	// ErrClosed is returned by Advise on a closed mapping.
	ErrClosed = errors.New("mmap: closed")
	// ErrInvalidSize is returned for negative file sizes and empty anonymous
	// mappings.
	ErrInvalidSize = errors.New("mmap: invalid size")
)

// Mapping is a memory region owned by the caller until Close.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func() error
}

// Open maps the file at path read-only. An empty file yields an empty
// mapping.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	switch {
	case size < 0 || int64(int(size)) != size:
		return nil, ErrInvalidSize
	case size == 0:
		return &Mapping{}, nil
	}

	data, unmap, err := mapFile(f, int(size))
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, unmap: unmap}, nil
}

// MapAnon creates a private read-write anonymous mapping of size bytes.
// The memory lives outside the Go heap and is zeroed.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	data, unmap, err := mapAnon(size)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, unmap: unmap}, nil
}

// Bytes returns the mapped memory, or nil after Close. The slice must not be
// used once Close has been called.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the length of the mapping.
func (m *Mapping) Size() int {
	return len(m.data)
}

// Advise passes an access pattern hint to the kernel. Hints are best effort.
func (m *Mapping) Advise(a Advice) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(m.data) == 0 {
		return nil
	}
	return advise(m.data, a)
}

// Close unmaps the memory. Subsequent calls are no-ops.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) || m.unmap == nil {
		return nil
	}
	return m.unmap()
}
