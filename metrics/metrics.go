package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector receives operational metrics. Implementations must be safe for
// concurrent use; calls happen on worker goroutines.
type Collector interface {
	// RecordWrite is called once per repository statement after its retry
	// loop ended. op names the statement kind, e.g. "insert_alleles".
	RecordWrite(op string, duration time.Duration, attempts int, err error)

	// RecordImport is called after each executor run.
	RecordImport(pending, succeeded, failed int, duration time.Duration)

	// RecordDeletion is called after each deletion with the kind of target
	// ("schema", "loci", "alleles") and the number of facts removed.
	RecordDeletion(target string, facts, failed int, duration time.Duration)

	// RecordLock is called after Lock and Unlock.
	RecordLock(op string, err error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordWrite(string, time.Duration, int, error)  {}
func (Noop) RecordImport(int, int, int, time.Duration)      {}
func (Noop) RecordDeletion(string, int, int, time.Duration) {}
func (Noop) RecordLock(string, error)                       {}

// Basic keeps simple in-memory counters. Useful for tests and debugging.
type Basic struct {
	Writes        atomic.Int64
	WriteErrors   atomic.Int64
	WriteRetries  atomic.Int64
	WriteNanos    atomic.Int64
	Imports       atomic.Int64
	ImportFailed  atomic.Int64
	Deletions     atomic.Int64
	FactsDeleted  atomic.Int64
	LockConflicts atomic.Int64

	mu   sync.Mutex
	byOp map[string]int64
}

// RecordWrite implements Collector.
func (b *Basic) RecordWrite(op string, duration time.Duration, attempts int, err error) {
	b.Writes.Add(1)
	b.WriteNanos.Add(duration.Nanoseconds())
	if attempts > 1 {
		b.WriteRetries.Add(int64(attempts - 1))
	}
	if err != nil {
		b.WriteErrors.Add(1)
	}
	b.mu.Lock()
	if b.byOp == nil {
		b.byOp = make(map[string]int64)
	}
	b.byOp[op]++
	b.mu.Unlock()
}

// RecordImport implements Collector.
func (b *Basic) RecordImport(_, _, failed int, _ time.Duration) {
	b.Imports.Add(1)
	b.ImportFailed.Add(int64(failed))
}

// RecordDeletion implements Collector.
func (b *Basic) RecordDeletion(_ string, facts, _ int, _ time.Duration) {
	b.Deletions.Add(1)
	b.FactsDeleted.Add(int64(facts))
}

// RecordLock implements Collector.
func (b *Basic) RecordLock(_ string, err error) {
	if err != nil {
		b.LockConflicts.Add(1)
	}
}

// WritesByOp returns the number of writes recorded per op.
func (b *Basic) WritesByOp() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.byOp))
	for k, v := range b.byOp {
		out[k] = v
	}
	return out
}

// AvgWriteDuration returns the mean write latency.
func (b *Basic) AvgWriteDuration() time.Duration {
	n := b.Writes.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(b.WriteNanos.Load() / n)
}
