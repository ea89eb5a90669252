package btree

import (
	"log/slog"
	"runtime"

	"github.com/hupe1980/blockstore/internal/fs"
	"github.com/hupe1980/blockstore/internal/resource"
)

const (
	// DefaultNodeCapacity is the default number of entries per node.
	DefaultNodeCapacity = 128
	// MaxNodeCapacity bounds the node capacity.
	MaxNodeCapacity = 8192
	// MinNodeCapacity is the smallest capacity with a non-zero underflow bound.
	MinNodeCapacity = 4
)

// LoadMode selects how leaves are read by Load.
type LoadMode int

const (
	// LoadClean reads every page eagerly and falls back to LoadLazy for the
	// remaining leaves once the memory limit is reached.
	LoadClean LoadMode = iota
	// LoadLazy reads page records only; pages are read on first access.
	LoadLazy
)

func (m LoadMode) String() string {
	switch m {
	case LoadClean:
		return "clean"
	case LoadLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

type options struct {
	capacity         int
	fs               fs.FileSystem
	memory           *resource.Controller
	logger           *slog.Logger
	flushConcurrency int
	loadMode         LoadMode
}

// Option configures a Tree.
type Option func(*options)

// WithNodeCapacity sets the maximum entries per node. Values are clamped to
// [MinNodeCapacity, MaxNodeCapacity].
func WithNodeCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

// WithFileSystem sets the file system used for leaf and metadata files.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithMemoryController charges resident pages of every leaf against rc.
func WithMemoryController(rc *resource.Controller) Option {
	return func(o *options) {
		o.memory = rc
	}
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithFlushConcurrency bounds the number of leaves flushed in parallel.
func WithFlushConcurrency(n int) Option {
	return func(o *options) {
		o.flushConcurrency = n
	}
}

// WithLoadMode sets the mode used by Open and Load.
func WithLoadMode(m LoadMode) Option {
	return func(o *options) {
		o.loadMode = m
	}
}

func applyOptions(opts []Option) options {
	o := options{
		capacity:         DefaultNodeCapacity,
		flushConcurrency: runtime.GOMAXPROCS(0),
		loadMode:         LoadClean,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.capacity = min(max(o.capacity, MinNodeCapacity), MaxNodeCapacity)
	o.fs = fs.OrDefault(o.fs)
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.flushConcurrency < 1 {
		o.flushConcurrency = 1
	}
	return o
}
