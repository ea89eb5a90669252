package resource

import (
	"context"
	"io"
)

// RateLimitedReader charges every read against a Controller's IO limit.
type RateLimitedReader struct {
	ctx context.Context
	r   io.Reader
	rc  *Controller
}

// NewRateLimitedReader wraps r. A nil rc leaves r unthrottled apart from
// honoring ctx.
func NewRateLimitedReader(ctx context.Context, r io.Reader, rc *Controller) *RateLimitedReader {
	return &RateLimitedReader{ctx: ctx, r: r, rc: rc}
}

// Read charges the bytes actually read, after the read, so a short read is
// not billed for the whole buffer.
func (r *RateLimitedReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.r.Read(p)
	if n == 0 {
		return 0, err
	}
	if werr := r.rc.AcquireIO(r.ctx, n); werr != nil {
		return n, werr
	}
	return n, err
}
