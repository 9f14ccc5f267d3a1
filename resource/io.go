package resource

import (
	"context"
	"io"
)

// RateLimitedWriter wraps an io.Writer with the controller's IO limit.
type RateLimitedWriter struct {
	ctx context.Context
	w   io.Writer
	rc  *Controller
}

// NewRateLimitedWriter creates a new RateLimitedWriter.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, rc *Controller) *RateLimitedWriter {
	return &RateLimitedWriter{ctx: ctx, w: w, rc: rc}
}

// Write waits for the whole of p in burst-sized steps, then writes it.
func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	for rest := len(p); rest > 0; {
		step := rest
		if w.rc != nil && w.rc.ioLimiter != nil {
			step = min(rest, w.rc.ioLimiter.Burst())
		}
		if err := w.rc.AcquireIO(w.ctx, step); err != nil {
			return 0, err
		}
		rest -= step
	}
	return w.w.Write(p)
}
