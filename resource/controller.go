// Package resource bounds the shared resources bulk jobs consume: the
// number of jobs running at once across schemas, staged sequence bytes
// held in memory, repository write throughput and archive IO.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits. Zero means unlimited.
type Config struct {
	// MaxConcurrentJobs caps imports and deletions running at once.
	MaxConcurrentJobs int64

	// StagedBytesLimit caps the residue bytes loaded from staging at once.
	StagedBytesLimit int64

	// WriteFactsPerSec caps the facts per second sent to the repository.
	WriteFactsPerSec int

	// IOLimitBytesPerSec caps archive IO.
	IOLimitBytesPerSec int64
}

// Controller manages shared resources. A nil *Controller imposes no
// limits, so components can hold one unconditionally.
type Controller struct {
	cfg Config

	jobs *semaphore.Weighted // nil if unlimited

	staged     *semaphore.Weighted // nil if unlimited
	stagedUsed atomic.Int64

	writeLimiter *rate.Limiter
	ioLimiter    *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	if cfg.MaxConcurrentJobs > 0 {
		c.jobs = semaphore.NewWeighted(cfg.MaxConcurrentJobs)
	}
	if cfg.StagedBytesLimit > 0 {
		c.staged = semaphore.NewWeighted(cfg.StagedBytesLimit)
	}
	if cfg.WriteFactsPerSec > 0 {
		c.writeLimiter = rate.NewLimiter(rate.Limit(cfg.WriteFactsPerSec), cfg.WriteFactsPerSec)
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// AcquireJob reserves a job slot, blocking until one is free.
func (c *Controller) AcquireJob(ctx context.Context) error {
	if c == nil || c.jobs == nil {
		return nil
	}
	return c.jobs.Acquire(ctx, 1)
}

// TryAcquireJob reserves a job slot without blocking.
func (c *Controller) TryAcquireJob() bool {
	if c == nil || c.jobs == nil {
		return true
	}
	return c.jobs.TryAcquire(1)
}

// ReleaseJob releases a job slot.
func (c *Controller) ReleaseJob() {
	if c == nil || c.jobs == nil {
		return
	}
	c.jobs.Release(1)
}

// AcquireStaged reserves bytes of staged data. Requests above the limit
// are clamped to it so a single oversized batch can still proceed alone.
func (c *Controller) AcquireStaged(ctx context.Context, bytes int64) (int64, error) {
	if c == nil || bytes <= 0 {
		return 0, nil
	}
	if c.staged != nil {
		bytes = min(bytes, c.cfg.StagedBytesLimit)
		if err := c.staged.Acquire(ctx, bytes); err != nil {
			return 0, err
		}
	}
	c.stagedUsed.Add(bytes)
	return bytes, nil
}

// ReleaseStaged releases what AcquireStaged returned.
func (c *Controller) ReleaseStaged(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.staged != nil {
		c.staged.Release(bytes)
	}
	c.stagedUsed.Add(-bytes)
}

// StagedBytes returns the staged bytes currently held.
func (c *Controller) StagedBytes() int64 {
	if c == nil {
		return 0
	}
	return c.stagedUsed.Load()
}

// AwaitWrite waits until the write limit admits a statement of facts.
func (c *Controller) AwaitWrite(ctx context.Context, facts int) error {
	if c == nil || c.writeLimiter == nil || facts <= 0 {
		return nil
	}
	return c.writeLimiter.WaitN(ctx, min(facts, c.writeLimiter.Burst()))
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil || bytes <= 0 {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, min(bytes, c.ioLimiter.Burst()))
}
