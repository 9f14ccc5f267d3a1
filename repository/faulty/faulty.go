// Package faulty wraps a repository and injects write failures.
package faulty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
)

// ErrNoLockStore is returned by the lock methods when the wrapped repository
// does not implement repository.LockStore.
var ErrNoLockStore = errors.New("faulty: wrapped repository has no lock store")

// Fault defines a failure injected into matching statements.
type Fault struct {
	// Match selects statements that mention a subject containing this
	// substring. Empty matches every statement.
	Match string
	// Op restricts the fault to one statement kind. Zero matches any.
	Op repository.Op
	// Times is how often the fault fires before statements pass through.
	// Negative fires forever.
	Times int
	// Err is returned to the caller. Defaults to a wrapped ErrUnavailable.
	Err error
	// Committed applies the statement before returning Err, like a write
	// whose acknowledgement was lost.
	Committed bool
}

type rule struct {
	Fault
	hits int
}

// Repository is a repository.Repository wrapper that can inject errors.
type Repository struct {
	repository.Repository

	mu    sync.Mutex
	rules []*rule
	calls int
}

// New wraps repo.
func New(repo repository.Repository) *Repository {
	return &Repository{Repository: repo}
}

// AddRule registers a fault. Rules are evaluated in insertion order and the
// first rule that fires wins.
func (r *Repository) AddRule(f Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.Err == nil {
		f.Err = fmt.Errorf("injected fault: %w", repository.ErrUnavailable)
	}
	r.rules = append(r.rules, &rule{Fault: f})
}

// Hits returns how often rules matching the given substring fired.
func (r *Repository) Hits(match string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rl := range r.rules {
		if rl.Match == match {
			n += rl.hits
		}
	}
	return n
}

// Calls returns the number of Apply calls, failed ones included.
func (r *Repository) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Apply fails with the first firing rule, or forwards st. A Committed rule
// forwards st and still fails.
func (r *Repository) Apply(ctx context.Context, st repository.Statement) (int, error) {
	r.mu.Lock()
	r.calls++
	for _, rl := range r.rules {
		if rl.Op != 0 && rl.Op != st.Op {
			continue
		}
		if rl.Times >= 0 && rl.hits >= rl.Times {
			continue
		}
		if !mentions(st, rl.Match) {
			continue
		}
		rl.hits++
		err, committed := rl.Err, rl.Committed
		r.mu.Unlock()
		if committed {
			if _, aerr := r.Repository.Apply(ctx, st); aerr != nil {
				return 0, aerr
			}
		}
		return 0, err
	}
	r.mu.Unlock()

	return r.Repository.Apply(ctx, st)
}

func mentions(st repository.Statement, match string) bool {
	if match == "" {
		return true
	}
	for _, t := range st.Triples {
		if strings.Contains(t.Subject, match) {
			return true
		}
	}
	for _, p := range st.Patterns {
		if strings.Contains(p.Subject, match) {
			return true
		}
	}
	return false
}

// Namespace forwards to the wrapped repository. It returns the zero
// Namespace if the wrapped repository has none.
func (r *Repository) Namespace() model.Namespace {
	if n, ok := r.Repository.(interface{ Namespace() model.Namespace }); ok {
		return n.Namespace()
	}
	return model.Namespace{}
}

// LoadLock forwards to the wrapped lock store.
func (r *Repository) LoadLock(ctx context.Context, ref model.SchemaRef) (model.LockToken, error) {
	ls, ok := r.Repository.(repository.LockStore)
	if !ok {
		return "", ErrNoLockStore
	}
	return ls.LoadLock(ctx, ref)
}

// CompareAndSwapLock forwards to the wrapped lock store.
func (r *Repository) CompareAndSwapLock(ctx context.Context, ref model.SchemaRef, old, new model.LockToken, at time.Time) (bool, error) {
	ls, ok := r.Repository.(repository.LockStore)
	if !ok {
		return false, ErrNoLockStore
	}
	return ls.CompareAndSwapLock(ctx, ref, old, new, at)
}
