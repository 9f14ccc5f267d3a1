package repository

import (
	"context"
	"time"

	"github.com/hupe1980/schemareg/model"
)

// Writer applies statements.
type Writer interface {
	// Apply executes st atomically and returns the number of facts it added
	// (insert) or removed (delete).
	Apply(ctx context.Context, st Statement) (int, error)
}

// Reader answers the queries the registry components need.
type Reader interface {
	// Schema returns the schema node. ErrNotFound if absent.
	Schema(ctx context.Context, ref model.SchemaRef) (model.Schema, error)
	// SchemaLoci returns the loci linked to a schema in index order.
	SchemaLoci(ctx context.Context, ref model.SchemaRef) ([]model.LocusID, error)
	// Locus returns a locus. ErrNotFound if absent.
	Locus(ctx context.Context, id model.LocusID) (model.Locus, error)
	// LocusAlleles returns the ids of all alleles of a locus in ascending order.
	LocusAlleles(ctx context.Context, id model.LocusID) ([]model.AlleleID, error)
	// FindAllele returns the allele of locus that references the sequence.
	FindAllele(ctx context.Context, locus model.LocusID, h model.SequenceHash) (model.AlleleID, bool, error)
	// Sequence returns the residues stored under h.
	Sequence(ctx context.Context, h model.SequenceHash) (string, bool, error)
	// MaxLocusID returns the highest locus id present, or 0.
	MaxLocusID(ctx context.Context) (model.LocusID, error)
	// MaxAlleleID returns the highest allele id of locus, or 0.
	MaxAlleleID(ctx context.Context, locus model.LocusID) (model.AlleleID, error)
}

// Repository is a graph repository.
type Repository interface {
	Writer
	Reader
}

// LockStore is implemented by repositories that can compare-and-swap the lock
// fact of a schema in one indivisible operation.
type LockStore interface {
	LoadLock(ctx context.Context, ref model.SchemaRef) (model.LockToken, error)
	// CompareAndSwapLock replaces old with new and refreshes lastModified.
	// It returns false when the stored token is not old.
	CompareAndSwapLock(ctx context.Context, ref model.SchemaRef, old, new model.LockToken, at time.Time) (bool, error)
}
