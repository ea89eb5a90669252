package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/hupe1980/blockstore/internal/strmap"
)

var (
	// ErrInvalidPath is returned for a path that is neither empty nor starts
	// with "/".
	ErrInvalidPath = errors.New("catalog: invalid path")
	// ErrOrphanPath is returned when a parent of the path is not registered.
	ErrOrphanPath = errors.New("catalog: parent path not registered")
	// ErrFull is returned when no more paths can be interned.
	ErrFull = errors.New("catalog: full")
)

// MaxPaths is the largest supported capacity.
const MaxPaths = math.MaxUint16

// MemoryAcquirer reserves memory against a global budget.
type MemoryAcquirer interface {
	AcquireMemory(amount int64) error
	ReleaseMemory(amount int64)
}

// Option configures a Catalog.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	acquirer MemoryAcquirer
	strBytes int
}

// WithLogger sets the logger for catalog changes.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMemoryAcquirer charges the path heap against acquirer.
func WithMemoryAcquirer(a MemoryAcquirer) Option {
	return func(o *options) {
		o.acquirer = a
	}
}

// WithPathBytes sets the size of the interned path heap.
func WithPathBytes(n int) Option {
	return func(o *options) {
		o.strBytes = n
	}
}

// Catalog maps registered document paths to their column types and to
// dense uint16 ids. Ids of dropped paths are reused.
type Catalog struct {
	// mu serializes registrations so that id assignment and the trie agree.
	mu     sync.Mutex
	trie   *Trie
	ids    *strmap.Map
	next   uint16
	free   []uint16
	logger *slog.Logger
}

// New creates a catalog for up to capacity paths.
func New(capacity int, opts ...Option) (*Catalog, error) {
	if capacity <= 0 || capacity > MaxPaths {
		return nil, fmt.Errorf("catalog: capacity %d out of range [1, %d]", capacity, MaxPaths)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	var mapOpts []strmap.Option
	if o.acquirer != nil {
		mapOpts = append(mapOpts, strmap.WithMemoryAcquirer(o.acquirer))
	}
	ids, err := strmap.New(capacity, o.strBytes, mapOpts...)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return &Catalog{trie: NewTrie(), ids: ids, logger: o.logger}, nil
}

func validPath(path string) bool {
	return path == "" || (path[0] == '/' && strings.IndexByte(path, 0) < 0)
}

// Register records types as the current types of path and returns the id
// of path. Every "/"-delimited parent of path must already be registered.
func (c *Catalog) Register(path string, types TypeSet) (uint16, error) {
	if !validPath(path) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.trie.IsPathValid(path) {
		return 0, fmt.Errorf("%w: %q", ErrOrphanPath, path)
	}

	e, ok := c.ids.Find(path)
	if !ok {
		id, err := c.allocID()
		if err != nil {
			return 0, err
		}
		if e, ok = c.ids.Insert(path, id); !ok {
			c.free = append(c.free, id)
			return 0, fmt.Errorf("%w: path heap exhausted by %q", ErrFull, path)
		}
	}
	v := c.trie.Insert(path, types)
	c.logger.Debug("catalog path registered", "path", path, "id", e.Value, "types", types.String(), "version", v)
	return e.Value, nil
}

func (c *Catalog) allocID() (uint16, error) {
	if n := len(c.free); n > 0 {
		id := c.free[n-1]
		c.free = c.free[:n-1]
		return id, nil
	}
	if limit := min(c.ids.Capacity(), MaxPaths); int(c.next) >= limit {
		return 0, fmt.Errorf("%w: %d paths", ErrFull, limit)
	}
	id := c.next
	c.next++
	return id, nil
}

// Lookup returns the current types of path.
func (c *Catalog) Lookup(path string) (TypeSet, bool) {
	it := c.trie.Find(path)
	if it == nil {
		return 0, false
	}
	defer it.Release()
	return it.Types(), true
}

// ID returns the id of path. It does not take the catalog lock.
func (c *Catalog) ID(path string) (uint16, bool) {
	e, ok := c.ids.Find(path)
	return e.Value, ok
}

// Drop removes path and every path below it. It returns false if path is
// not registered.
func (c *Catalog) Drop(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.trie.Contains(path) {
		return false
	}
	doomed := []string{path}
	for key := range c.trie.All() {
		if key != path && strings.HasPrefix(key, path+"/") {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		c.trie.Erase(key)
		if e, ok := c.ids.Find(key); ok && c.ids.Remove(key) {
			c.free = append(c.free, e.Value)
		}
	}
	c.trie.Cleanup()
	c.logger.Debug("catalog path dropped", "path", path, "paths", len(doomed))
	return true
}

// Trie returns the underlying trie for version-aware reads.
func (c *Catalog) Trie() *Trie {
	return c.trie
}

// Len returns the number of registered paths.
func (c *Catalog) Len() int {
	return c.trie.Len()
}

// Close releases the path heap.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids.Close()
}
