// Package resource governs memory, background concurrency and IO bandwidth.
//
//   - Memory: a fail-fast byte budget. Segment trees charge every loaded page
//     against it, which makes it the bounded allocator behind clean loads.
//   - Background workers: a weighted semaphore bounding the leaf files a
//     backup transfers in parallel.
//   - IO: a token bucket throttling backup uploads and downloads.
//
// Memory:
//
//	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64 << 20})
//	if err := rc.AcquireMemory(int64(len(page))); err != nil {
//	    // ErrMemoryLimitExceeded: fall back to lazy loading
//	}
//	defer rc.ReleaseMemory(int64(len(page)))
//
// IO:
//
//	r := resource.NewRateLimitedReader(ctx, file, rc)
//
// All methods are safe for concurrent use, and a nil *Controller is valid:
// every method becomes a no-op, so limits stay optional.
package resource
