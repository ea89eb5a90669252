package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation would exceed the memory limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes caps memory held by loaded pages and arenas.
	// If 0, usage is tracked but not limited.
	MemoryLimitBytes int64

	// MaxBackgroundWorkers bounds concurrent flush and transfer jobs.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec throttles backup transfers. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller enforces a Config. A nil *Controller imposes no limits and
// tracks nothing.
type Controller struct {
	limit   int64
	workers int64

	budget *semaphore.Weighted // nil if unlimited
	used   atomic.Int64

	slots    *semaphore.Weighted
	throttle *rate.Limiter // nil if unlimited
}

// NewController creates a controller for cfg.
func NewController(cfg Config) *Controller {
	c := &Controller{
		limit:   max(cfg.MemoryLimitBytes, 0),
		workers: max(cfg.MaxBackgroundWorkers, 1),
	}
	c.slots = semaphore.NewWeighted(c.workers)
	if c.limit > 0 {
		c.budget = semaphore.NewWeighted(c.limit)
	}
	if bps := cfg.IOLimitBytesPerSec; bps > 0 {
		// One second worth of bytes may be spent at once.
		c.throttle = rate.NewLimiter(rate.Limit(bps), int(bps))
	}
	return c
}

// AcquireMemory reserves n bytes without blocking and returns
// ErrMemoryLimitExceeded if they do not fit.
func (c *Controller) AcquireMemory(n int64) error {
	if c == nil || n <= 0 {
		return nil
	}
	if c.budget != nil && !c.budget.TryAcquire(n) {
		return ErrMemoryLimitExceeded
	}
	c.used.Add(n)
	return nil
}

// ReleaseMemory returns n bytes reserved by AcquireMemory.
func (c *Controller) ReleaseMemory(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.used.Add(-n)
	if c.budget != nil {
		c.budget.Release(n)
	}
}

// MemoryUsage returns the reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.used.Load()
}

// MemoryLimit returns the configured limit, 0 if unlimited.
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.limit
}

// MaxBackgroundWorkers returns the number of background slots.
func (c *Controller) MaxBackgroundWorkers() int {
	if c == nil {
		return 1
	}
	return int(c.workers)
}

// AcquireBackground takes a background slot, waiting until one is free or
// ctx is done.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return ctx.Err()
	}
	return c.slots.Acquire(ctx, 1)
}

// ReleaseBackground frees a slot taken by AcquireBackground.
func (c *Controller) ReleaseBackground() {
	if c != nil {
		c.slots.Release(1)
	}
}

// AcquireIO waits until the IO limit admits n bytes. Requests above the
// burst are admitted in burst-sized steps.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.throttle == nil {
		return ctx.Err()
	}
	for burst := c.throttle.Burst(); n > 0; n -= burst {
		if err := c.throttle.WaitN(ctx, min(n, burst)); err != nil {
			return err
		}
	}
	return nil
}
