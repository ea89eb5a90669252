package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps blobs in a map. It is meant for tests and for staging
// small snapshots.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ BlobStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Open returns the content stored under name at the time of the call.
func (m *MemoryStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.blobs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blobstore: open %s: %w", name, ErrNotFound)
	}
	// Stored slices are replaced, never modified, so they can be shared.
	return NewBytesBlob(data), nil
}

// Create buffers writes; the blob appears on Close.
func (m *MemoryStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &bufferedBlob{commit: func(data []byte) { m.store(name, data) }}, nil
}

func (m *MemoryStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.store(name, bytes.Clone(data))
	return nil
}

func (m *MemoryStore) store(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = data
}

func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.blobs))
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// NewBytesBlob returns a read-only Blob over data. data must not be
// modified afterwards.
func NewBytesBlob(data []byte) Blob {
	return bytesBlob(data)
}

type bytesBlob []byte

func (b bytesBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	return readAt(b, p, off)
}

func (b bytesBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	end, err := clampRange(off, length, int64(len(b)))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b[off:end])), nil
}

func (b bytesBlob) Size() int64            { return int64(len(b)) }
func (b bytesBlob) Close() error           { return nil }
func (b bytesBlob) Bytes() ([]byte, error) { return b, nil }

// bufferedBlob collects writes and hands them to commit on Close.
type bufferedBlob struct {
	buf    bytes.Buffer
	commit func([]byte)
	done   bool
}

func (w *bufferedBlob) Write(p []byte) (int, error) {
	if w.done {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *bufferedBlob) Sync() error { return nil }

func (w *bufferedBlob) Close() error {
	if w.done {
		return io.ErrClosedPipe
	}
	w.done = true
	w.commit(bytes.Clone(w.buf.Bytes()))
	return nil
}

// Abort discards the buffered data.
func (w *bufferedBlob) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
