// Package lock implements the per-schema exclusive write lock.
//
// A schema is either Unlocked or LockedBy(owner). Every transition is a single
// compare-and-swap on the backend, so two concurrent Lock calls can never
// both succeed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
)

var (
	// ErrAlreadyLocked is returned by Lock when the schema is held.
	ErrAlreadyLocked = errors.New("lock: schema already locked")

	// ErrNotAuthorized is returned when the caller neither holds the lock nor
	// is an Admin.
	ErrNotAuthorized = errors.New("lock: not authorized")

	// ErrNotFound is returned for unknown schemas.
	ErrNotFound = errors.New("lock: schema not found")

	// ErrInvalidOwner is returned for an empty or reserved owner identity.
	ErrInvalidOwner = errors.New("lock: invalid owner")

	// ErrContention is returned when Unlock keeps losing the swap.
	ErrContention = errors.New("lock: too much contention")
)

// Backend stores lock tokens.
type Backend interface {
	// Load returns the current token. Missing schemas yield ErrNotFound.
	Load(ctx context.Context, ref model.SchemaRef) (model.LockToken, error)
	// CompareAndSwap atomically replaces old with new. It returns false when
	// the stored token differs from old.
	CompareAndSwap(ctx context.Context, ref model.SchemaRef, old, new model.LockToken, at time.Time) (bool, error)
}

type storeBackend struct {
	ls repository.LockStore
}

// FromLockStore adapts a repository lock store, keeping the token next to
// the schema facts.
func FromLockStore(ls repository.LockStore) Backend {
	return storeBackend{ls: ls}
}

func (b storeBackend) Load(ctx context.Context, ref model.SchemaRef) (model.LockToken, error) {
	tok, err := b.ls.LoadLock(ctx, ref)
	return tok, mapNotFound(err)
}

func (b storeBackend) CompareAndSwap(ctx context.Context, ref model.SchemaRef, old, new model.LockToken, at time.Time) (bool, error) {
	ok, err := b.ls.CompareAndSwapLock(ctx, ref, old, new, at)
	return ok, mapNotFound(err)
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// Options configures a Coordinator.
type Options struct {
	Logger *slog.Logger
	Clock  func() time.Time
	// MaxSwapAttempts bounds the re-read loop of Unlock.
	MaxSwapAttempts int
}

// DefaultOptions returns the default coordinator options.
func DefaultOptions() Options {
	return Options{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:           time.Now,
		MaxSwapAttempts: 16,
	}
}

// Coordinator owns the lock state machine of every schema.
type Coordinator struct {
	backend Backend
	opts    Options
}

// New creates a Coordinator.
func New(backend Backend, optFns ...func(o *Options)) *Coordinator {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{backend: backend, opts: opts}
}

// State returns the current token of ref.
func (c *Coordinator) State(ctx context.Context, ref model.SchemaRef) (model.LockToken, error) {
	return c.backend.Load(ctx, ref)
}

// Lock acquires ref for owner. It fails with ErrAlreadyLocked unless the
// schema is Unlocked, even when owner already holds it.
func (c *Coordinator) Lock(ctx context.Context, ref model.SchemaRef, owner string) error {
	if owner == "" || model.LockToken(owner).IsUnlocked() {
		return ErrInvalidOwner
	}
	ok, err := c.backend.CompareAndSwap(ctx, ref, model.Unlocked, model.LockedBy(owner), c.opts.Clock())
	if err != nil {
		return err
	}
	if !ok {
		cur, err := c.backend.Load(ctx, ref)
		if err != nil {
			return err
		}
		c.opts.Logger.DebugContext(ctx, "lock refused", "schema", ref.String(), "owner", owner, "holder", cur.Owner())
		return fmt.Errorf("%w: schema %s held by %s", ErrAlreadyLocked, ref, cur.Owner())
	}
	c.opts.Logger.InfoContext(ctx, "schema locked", "schema", ref.String(), "owner", owner)
	return nil
}

// Unlock releases ref. Unlocking an Unlocked schema succeeds. Only the owner
// or an Admin may release a held lock.
func (c *Coordinator) Unlock(ctx context.Context, ref model.SchemaRef, caller string, role model.Role) error {
	for attempt := 0; attempt < c.opts.MaxSwapAttempts; attempt++ {
		cur, err := c.backend.Load(ctx, ref)
		if err != nil {
			return err
		}
		if cur.IsUnlocked() {
			return nil
		}
		if role != model.RoleAdmin && cur.Owner() != caller {
			return fmt.Errorf("%w: %s does not hold schema %s", ErrNotAuthorized, caller, ref)
		}
		ok, err := c.backend.CompareAndSwap(ctx, ref, cur, model.Unlocked, c.opts.Clock())
		if err != nil {
			return err
		}
		if ok {
			c.opts.Logger.InfoContext(ctx, "schema unlocked", "schema", ref.String(), "caller", caller, "role", string(role), "holder", cur.Owner())
			return nil
		}
	}
	return ErrContention
}

// AssertWriteAllowed succeeds iff caller holds ref or is an Admin.
func (c *Coordinator) AssertWriteAllowed(ctx context.Context, ref model.SchemaRef, caller string, role model.Role) error {
	cur, err := c.backend.Load(ctx, ref)
	if err != nil {
		return err
	}
	if role == model.RoleAdmin {
		return nil
	}
	if cur.IsUnlocked() || cur.Owner() != caller {
		return fmt.Errorf("%w: %s does not hold schema %s", ErrNotAuthorized, caller, ref)
	}
	return nil
}
