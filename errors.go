package schemareg

import (
	"errors"
	"fmt"

	"github.com/hupe1980/schemareg/lock"
	"github.com/hupe1980/schemareg/manifest"
	"github.com/hupe1980/schemareg/repository"
	"github.com/hupe1980/schemareg/retry"
)

var (
	// ErrTransientWrite is returned when the repository kept rejecting or
	// timing out a request after the configured retries.
	ErrTransientWrite = errors.New("transient write failure")

	// ErrNotAuthorized is returned when the caller neither holds the schema
	// lock nor has the Admin role.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrAlreadyLocked is returned by Lock for a schema that is held.
	ErrAlreadyLocked = errors.New("schema already locked")

	// ErrNotFound is returned for a missing schema, locus or allele.
	ErrNotFound = errors.New("not found")

	// ErrHashCollision is returned when two different sequences share a
	// content hash. It needs manual resolution.
	ErrHashCollision = errors.New("sequence hash collision")

	// ErrManifestUnavailable is returned when the import manifest cannot be
	// read or written. Retry once storage is back.
	ErrManifestUnavailable = errors.New("import manifest unavailable")

	// ErrImportInProgress is returned by BeginImport when another owner has
	// an unfinished import of the schema.
	ErrImportInProgress = errors.New("import in progress")

	// ErrSchemaExists is returned by CreateSchema for a taken schema id.
	ErrSchemaExists = errors.New("schema already exists")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry closed")
)

// ImportConflictError describes an unfinished import held by another owner.
type ImportConflictError struct {
	Owner   string
	Pending int
}

func (e *ImportConflictError) Error() string {
	return fmt.Sprintf("import in progress: started by %s with %d pending loci", e.Owner, e.Pending)
}

func (e *ImportConflictError) Unwrap() error { return ErrImportInProgress }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, lock.ErrAlreadyLocked):
		return fmt.Errorf("%w: %w", ErrAlreadyLocked, err)
	case errors.Is(err, lock.ErrNotAuthorized):
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	case errors.Is(err, lock.ErrInvalidOwner):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, lock.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repository.ErrHashCollision):
		return fmt.Errorf("%w: %w", ErrHashCollision, err)
	case errors.Is(err, manifest.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrManifestUnavailable, err)
	case errors.Is(err, repository.ErrUnavailable), errors.Is(err, lock.ErrContention):
		return fmt.Errorf("%w: %w", ErrTransientWrite, err)
	}
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return fmt.Errorf("%w: %w", ErrTransientWrite, err)
	}
	return err
}
