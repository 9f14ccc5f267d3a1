package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a schema, locus or allele does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrHashCollision is returned when a functional fact would be given a
	// second, different value, i.e. two different sequences share a hash.
	ErrHashCollision = errors.New("repository: hash collision")

	// ErrUnavailable is returned when the backend rejects or times out a
	// request (maintenance pause, overload). It is transient.
	ErrUnavailable = errors.New("repository: unavailable")

	// ErrPayloadTooLarge is returned when the backend refuses a statement
	// because of its size. Smaller statements may still succeed.
	ErrPayloadTooLarge = errors.New("repository: payload too large")

	// ErrInvalidStatement is returned for malformed statements.
	ErrInvalidStatement = errors.New("repository: invalid statement")
)

// CollisionError describes a rejected functional fact.
type CollisionError struct {
	Subject  string
	Existing string
	Incoming string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("hash collision on %s: stored content (%d residues) differs from incoming (%d residues)",
		e.Subject, len(e.Existing), len(e.Incoming))
}

func (e *CollisionError) Unwrap() error { return ErrHashCollision }

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrHashCollision) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidStatement)
}
