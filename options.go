package blockstore

import (
	"log/slog"

	"github.com/hupe1980/blockstore/backup"
	"github.com/hupe1980/blockstore/btree"
	"github.com/hupe1980/blockstore/internal/resource"
)

// ResourceConfig holds the memory, background worker and IO limits shared
// by the tree and its backups.
type ResourceConfig = resource.Config

// LoadMode selects how an existing tree is read on Open.
type LoadMode = btree.LoadMode

const (
	// LoadClean reads every page eagerly and falls back to lazy loading once
	// the memory limit is reached.
	LoadClean = btree.LoadClean
	// LoadLazy reads page records only; pages are read on first access.
	LoadLazy = btree.LoadLazy
)

type options struct {
	nodeCapacity     int
	flushConcurrency int
	loadMode         LoadMode
	resources        *ResourceConfig
	metricsCollector MetricsCollector
	logger           *Logger
	backupOpts       []backup.Option
}

// Option configures Open.
type Option func(*options)

// WithNodeCapacity sets the maximum number of ids per leaf and children per
// inner node. Values are clamped to [btree.MinNodeCapacity,
// btree.MaxNodeCapacity].
func WithNodeCapacity(n int) Option {
	return func(o *options) {
		o.nodeCapacity = n
	}
}

// WithFlushConcurrency bounds the number of leaves written in parallel by
// Flush.
func WithFlushConcurrency(n int) Option {
	return func(o *options) {
		o.flushConcurrency = n
	}
}

// WithLoadMode selects how an existing tree is read on Open.
func WithLoadMode(m LoadMode) Option {
	return func(o *options) {
		o.loadMode = m
	}
}

// WithResourceConfig limits the memory held by loaded pages and throttles
// backup transfers.
//
// Example:
//
//	db, _ := blockstore.Open("./data", blockstore.WithResourceConfig(blockstore.ResourceConfig{
//	    MemoryLimitBytes:     256 << 20,
//	    MaxBackgroundWorkers: 4,
//	    IOLimitBytesPerSec:   50 << 20,
//	}))
func WithResourceConfig(cfg ResourceConfig) Option {
	return func(o *options) {
		o.resources = &cfg
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &blockstore.BasicMetricsCollector{}
//	db, _ := blockstore.Open("./data", blockstore.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Puts: %d, Avg latency: %dns\n", stats.PutCount, stats.PutAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithBackupOptions sets default options for Backup and Restore, such as
// the codec or the transfer concurrency. Options passed to Backup are
// applied after these.
//
// Example:
//
//	db, _ := blockstore.Open("./data", blockstore.WithBackupOptions(
//	    backup.WithCodec(backup.CodecLZ4),
//	    backup.WithConcurrency(8),
//	))
func WithBackupOptions(opts ...backup.Option) Option {
	return func(o *options) {
		o.backupOpts = append(o.backupOpts, opts...)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		nodeCapacity: btree.DefaultNodeCapacity,
		loadMode:     LoadClean,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
