package idalloc

import (
	"context"
	"sync"
	"sync/atomic"
)

// Counter is a set of named monotonic counters.
type Counter interface {
	// Seed raises the counter of scope to at least floor.
	Seed(ctx context.Context, scope string, floor int64) error
	// Add atomically adds delta to the counter of scope and returns the new
	// value.
	Add(ctx context.Context, scope string, delta int64) (int64, error)
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu     sync.RWMutex
	scopes map[string]*atomic.Int64
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{scopes: make(map[string]*atomic.Int64)}
}

func (c *MemoryCounter) get(scope string) *atomic.Int64 {
	c.mu.RLock()
	v, ok := c.scopes[scope]
	c.mu.RUnlock()
	if ok {
		return v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.scopes[scope]; ok {
		return v
	}
	v = new(atomic.Int64)
	c.scopes[scope] = v
	return v
}

// Seed implements Counter.
func (c *MemoryCounter) Seed(_ context.Context, scope string, floor int64) error {
	v := c.get(scope)
	for {
		cur := v.Load()
		if cur >= floor || v.CompareAndSwap(cur, floor) {
			return nil
		}
	}
}

// Add implements Counter.
func (c *MemoryCounter) Add(_ context.Context, scope string, delta int64) (int64, error) {
	return c.get(scope).Add(delta), nil
}
