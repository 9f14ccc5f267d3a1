package idalloc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/hupe1980/schemareg/model"
)

// ErrInvalidCount is returned when a reservation asks for fewer than one id.
var ErrInvalidCount = errors.New("idalloc: reservation count must be positive")

// Source reports the highest ids already present in the repository.
type Source interface {
	MaxLocusID(ctx context.Context) (model.LocusID, error)
	MaxAlleleID(ctx context.Context, locus model.LocusID) (model.AlleleID, error)
}

// Max returns a Source whose maxima are the largest of srcs. It lets ids
// held by unfinished imports count alongside those in the repository.
func Max(srcs ...Source) Source { return maxSource(srcs) }

type maxSource []Source

func (m maxSource) MaxLocusID(ctx context.Context) (model.LocusID, error) {
	var out model.LocusID
	for _, s := range m {
		id, err := s.MaxLocusID(ctx)
		if err != nil {
			return 0, err
		}
		out = max(out, id)
	}
	return out, nil
}

func (m maxSource) MaxAlleleID(ctx context.Context, locus model.LocusID) (model.AlleleID, error) {
	var out model.AlleleID
	for _, s := range m {
		id, err := s.MaxAlleleID(ctx, locus)
		if err != nil {
			return 0, err
		}
		out = max(out, id)
	}
	return out, nil
}

const locusScope = "locus"

func alleleScope(locus model.LocusID) string {
	return "allele/" + strconv.Itoa(int(locus))
}

type seedState struct {
	mu   sync.Mutex
	done bool
}

// Allocator issues identifiers. It is safe for concurrent use.
type Allocator struct {
	src     Source
	counter Counter

	mu    sync.Mutex
	seeds map[string]*seedState
}

// New creates an Allocator. A nil counter uses a MemoryCounter.
func New(src Source, counter Counter) *Allocator {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	return &Allocator{
		src:     src,
		counter: counter,
		seeds:   make(map[string]*seedState),
	}
}

// ensureSeeded seeds scope once. A failed seed is retried on the next call.
func (a *Allocator) ensureSeeded(ctx context.Context, scope string, floor func(ctx context.Context) (int64, error)) error {
	a.mu.Lock()
	s, ok := a.seeds[scope]
	if !ok {
		s = &seedState{}
		a.seeds[scope] = s
	}
	a.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	f, err := floor(ctx)
	if err != nil {
		return fmt.Errorf("idalloc: read current max for %s: %w", scope, err)
	}
	if err := a.counter.Seed(ctx, scope, f); err != nil {
		return err
	}
	s.done = true
	return nil
}

func (a *Allocator) reserve(ctx context.Context, scope string, n int, floor func(ctx context.Context) (int64, error)) (int64, error) {
	if n < 1 {
		return 0, ErrInvalidCount
	}
	if err := a.ensureSeeded(ctx, scope, floor); err != nil {
		return 0, err
	}
	last, err := a.counter.Add(ctx, scope, int64(n))
	if err != nil {
		return 0, err
	}
	return last - int64(n) + 1, nil
}

// NextLocusID returns a fresh, globally unique locus id.
func (a *Allocator) NextLocusID(ctx context.Context) (model.LocusID, error) {
	id, err := a.reserve(ctx, locusScope, 1, func(ctx context.Context) (int64, error) {
		m, err := a.src.MaxLocusID(ctx)
		return int64(m), err
	})
	return model.LocusID(id), err
}

// NextAlleleID returns a fresh allele id within locus.
func (a *Allocator) NextAlleleID(ctx context.Context, locus model.LocusID) (model.AlleleID, error) {
	return a.ReserveAlleleIDs(ctx, locus, 1)
}

// ReserveAlleleIDs reserves n consecutive allele ids within locus and returns
// the first one.
func (a *Allocator) ReserveAlleleIDs(ctx context.Context, locus model.LocusID, n int) (model.AlleleID, error) {
	id, err := a.reserve(ctx, alleleScope(locus), n, func(ctx context.Context) (int64, error) {
		m, err := a.src.MaxAlleleID(ctx, locus)
		return int64(m), err
	})
	return model.AlleleID(id), err
}
