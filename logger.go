package blockstore

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Logger is a slog.Logger with helpers that give every store operation the
// same message and attribute names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger for handler. A nil handler writes text at
// info level to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON records at or above level
// to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes text records at or above level
// to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithDir adds the tree directory to every record.
func (l *Logger) WithDir(dir string) *Logger {
	return &Logger{Logger: l.With("dir", dir)}
}

// outcome logs "<op> failed" at error level when err is set and
// "<op> completed" at level otherwise. Only failAttrs are logged on failure.
func (l *Logger) outcome(ctx context.Context, level slog.Level, op string, err error, failAttrs []any, okAttrs ...any) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed", append(failAttrs, "error", err)...)
		return
	}
	l.Log(ctx, level, op+" completed", append(failAttrs, okAttrs...)...)
}

// LogAppend logs a put of a single payload.
func (l *Logger) LogAppend(ctx context.Context, id uint64, size int, added bool, err error) {
	l.outcome(ctx, slog.LevelDebug, "put", err, []any{"id", id, "size", size}, "added", added)
}

// LogRemove logs a delete of an id or of a single payload.
func (l *Logger) LogRemove(ctx context.Context, id uint64, removed bool, err error) {
	l.outcome(ctx, slog.LevelDebug, "delete", err, []any{"id", id}, "removed", removed)
}

// LogFlush logs a flush of the tree to disk.
func (l *Logger) LogFlush(ctx context.Context, items int, d time.Duration, err error) {
	l.outcome(ctx, slog.LevelInfo, "flush", err,
		[]any{"items", humanize.Comma(int64(items))},
		"duration", d)
}

// LogLoad logs the initial load of a tree. resident is the memory held by
// loaded pages afterwards.
func (l *Logger) LogLoad(ctx context.Context, mode string, items int, resident int64, d time.Duration, err error) {
	l.outcome(ctx, slog.LevelInfo, "load", err,
		[]any{"mode", mode},
		"items", humanize.Comma(int64(items)),
		"resident", humanize.IBytes(uint64(max(resident, 0))),
		"duration", d)
}

// LogBackup logs a backup or restore. op names the operation.
func (l *Logger) LogBackup(ctx context.Context, op, id string, size int64, err error) {
	l.outcome(ctx, slog.LevelInfo, op, err,
		[]any{"snapshot", id},
		"size", humanize.IBytes(uint64(max(size, 0))))
}
