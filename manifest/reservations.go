package manifest

import (
	"context"
	"fmt"
	"sync"

	gojson "github.com/goccy/go-json"

	"github.com/hupe1980/schemareg/model"
)

// Reservations reports the highest ids reserved by the manifests of a
// store, including reservations not yet written to the repository. It
// serves as an id floor so a fresh process never hands out an id that an
// unfinished import already holds.
//
// The store is scanned once, on first use. Ids reserved later in the same
// process come from the allocator that consults the floor, so the snapshot
// stays a valid lower bound.
type Reservations struct {
	store Store

	mu      sync.Mutex
	loaded  bool
	locus   model.LocusID
	alleles map[model.LocusID]model.AlleleID
}

// NewReservations creates a Reservations over store.
func NewReservations(store Store) *Reservations {
	return &Reservations{store: store}
}

// MaxLocusID returns the highest reserved locus id.
func (r *Reservations) MaxLocusID(ctx context.Context) (model.LocusID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(ctx); err != nil {
		return 0, err
	}
	return r.locus, nil
}

// MaxAlleleID returns the highest allele id reserved within locus.
func (r *Reservations) MaxAlleleID(ctx context.Context, locus model.LocusID) (model.AlleleID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(ctx); err != nil {
		return 0, err
	}
	return r.alleles[locus], nil
}

// load scans the store. Caller holds r.mu. A failed scan is retried on the
// next call.
func (r *Reservations) load(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	refs, err := r.store.Schemas(ctx)
	if err != nil {
		return unavailable(err)
	}

	alleles := make(map[model.LocusID]model.AlleleID)
	var locus model.LocusID
	for _, ref := range refs {
		records, err := r.store.Load(ctx, ref)
		if err != nil {
			return unavailable(err)
		}
		for key, data := range records {
			if key == headerKey {
				continue
			}
			var e Entry
			if err := gojson.Unmarshal(data, &e); err != nil {
				return unavailable(fmt.Errorf("decode entry %s of %s: %w", key, ref, err))
			}
			if e.ReservedLocus > locus {
				locus = e.ReservedLocus
			}
			if e.ReservedLocus == 0 || e.Assigned == nil || e.Assigned.IsEmpty() {
				continue
			}
			last := e.FirstAllele + model.AlleleID(e.Assigned.GetCardinality()) - 1
			if last > alleles[e.ReservedLocus] {
				alleles[e.ReservedLocus] = last
			}
		}
	}
	r.locus, r.alleles, r.loaded = locus, alleles, true
	return nil
}
