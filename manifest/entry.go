package manifest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	gojson "github.com/goccy/go-json"

	"github.com/hupe1980/schemareg/model"
)

// LinkKind selects which link MarkLinked records.
type LinkKind int

const (
	LinkSpecies LinkKind = iota + 1
	LinkSchema
)

func (k LinkKind) String() string {
	switch k {
	case LinkSpecies:
		return "species"
	case LinkSchema:
		return "schema"
	default:
		return fmt.Sprintf("LinkKind(%d)", int(k))
	}
}

// Entry is the progress record of one locus batch.
type Entry struct {
	// Key is the content hash of the batch.
	Key string
	// Name and Origin are the locus attributes to create.
	Name   string
	Origin string
	// Position is the index of the locus inside the schema.
	Position int
	// Existing is the target locus of an incremental batch.
	Existing model.LocusID
	// AlleleCount is the number of staged sequences.
	AlleleCount int

	AllelesStaged   bool
	ReservedLocus   model.LocusID
	LocusURI        string // set once the locus is inserted
	LinkedToSpecies bool
	LinkedToSchema  bool

	// FirstAllele is the first id of the contiguous allele ticket. Ordinals
	// in Assigned map to FirstAllele + rank - 1.
	FirstAllele model.AlleleID
	Assigned    *roaring.Bitmap
	// EnteredAt is the entry date of the ticket's alleles. A replayed
	// insert carries the same date and so writes the same facts.
	EnteredAt time.Time
	// Written holds the ordinals that need no further write, either because
	// they were inserted or because the locus already had the sequence.
	Written *roaring.Bitmap
}

// LocusInserted reports whether the locus stage is done.
func (e Entry) LocusInserted() bool { return e.LocusURI != "" }

// AllelesReserved reports whether an allele ticket was persisted.
func (e Entry) AllelesReserved() bool { return e.Assigned != nil }

// AllelesWritten reports whether every staged allele is accounted for.
func (e Entry) AllelesWritten() bool {
	return e.Written != nil && e.Written.GetCardinality() == uint64(e.AlleleCount)
}

// Complete reports whether the entry needs no further work.
func (e Entry) Complete() bool {
	return e.AllelesStaged && e.LocusInserted() && e.LinkedToSpecies && e.LinkedToSchema && e.AllelesWritten()
}

// IsWritten reports whether ordinal needs no further write.
func (e Entry) IsWritten(ordinal int) bool {
	return e.Written != nil && e.Written.Contains(uint32(ordinal))
}

// AlleleID returns the id reserved for ordinal.
func (e Entry) AlleleID(ordinal int) (model.AlleleID, bool) {
	if e.Assigned == nil || !e.Assigned.Contains(uint32(ordinal)) {
		return 0, false
	}
	return e.FirstAllele + model.AlleleID(e.Assigned.Rank(uint32(ordinal))) - 1, true
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	if e.Assigned != nil {
		e.Assigned = e.Assigned.Clone()
	}
	if e.Written != nil {
		e.Written = e.Written.Clone()
	}
	return e
}

type entryRecord struct {
	Key             string `json:"key"`
	Name            string `json:"name"`
	Origin          string `json:"origin,omitempty"`
	Position        int    `json:"position"`
	Existing        int    `json:"existing,omitempty"`
	AlleleCount     int    `json:"allele_count"`
	AllelesStaged   bool   `json:"alleles_staged"`
	ReservedLocus   int    `json:"reserved_locus,omitempty"`
	LocusInserted   string `json:"locus_inserted,omitempty"`
	LinkedToSpecies bool   `json:"linked_to_species"`
	LinkedToSchema  bool   `json:"linked_to_schema"`
	FirstAllele     int    `json:"first_allele,omitempty"`
	Assigned        []byte    `json:"assigned,omitempty"`
	EnteredAt       time.Time `json:"entered_at"`
	Written         []byte    `json:"written,omitempty"`
}

func encodeBitmap(b *roaring.Bitmap) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	return b.ToBytes()
}

func decodeBitmap(data []byte) (*roaring.Bitmap, error) {
	if len(data) == 0 {
		return nil, nil
	}
	b := roaring.New()
	if _, err := b.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return b, nil
}

// MarshalJSON encodes the entry with bitmaps in roaring's portable format.
func (e Entry) MarshalJSON() ([]byte, error) {
	assigned, err := encodeBitmap(e.Assigned)
	if err != nil {
		return nil, err
	}
	written, err := encodeBitmap(e.Written)
	if err != nil {
		return nil, err
	}
	return gojson.Marshal(entryRecord{
		Key:             e.Key,
		Name:            e.Name,
		Origin:          e.Origin,
		Position:        e.Position,
		Existing:        int(e.Existing),
		AlleleCount:     e.AlleleCount,
		AllelesStaged:   e.AllelesStaged,
		ReservedLocus:   int(e.ReservedLocus),
		LocusInserted:   e.LocusURI,
		LinkedToSpecies: e.LinkedToSpecies,
		LinkedToSchema:  e.LinkedToSchema,
		FirstAllele:     int(e.FirstAllele),
		Assigned:        assigned,
		EnteredAt:       e.EnteredAt,
		Written:         written,
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var rec entryRecord
	if err := gojson.Unmarshal(data, &rec); err != nil {
		return err
	}
	assigned, err := decodeBitmap(rec.Assigned)
	if err != nil {
		return fmt.Errorf("manifest: entry %s: assigned bitmap: %w", rec.Key, err)
	}
	written, err := decodeBitmap(rec.Written)
	if err != nil {
		return fmt.Errorf("manifest: entry %s: written bitmap: %w", rec.Key, err)
	}
	*e = Entry{
		Key:             rec.Key,
		Name:            rec.Name,
		Origin:          rec.Origin,
		Position:        rec.Position,
		Existing:        model.LocusID(rec.Existing),
		AlleleCount:     rec.AlleleCount,
		AllelesStaged:   rec.AllelesStaged,
		ReservedLocus:   model.LocusID(rec.ReservedLocus),
		LocusURI:        rec.LocusInserted,
		LinkedToSpecies: rec.LinkedToSpecies,
		LinkedToSchema:  rec.LinkedToSchema,
		FirstAllele:     model.AlleleID(rec.FirstAllele),
		Assigned:        assigned,
		EnteredAt:       rec.EnteredAt,
		Written:         written,
	}
	return nil
}

// Header identifies the import a manifest belongs to.
type Header struct {
	Schema    model.SchemaRef `json:"schema"`
	Owner     string          `json:"owner"`
	StartedAt time.Time       `json:"started_at"`
}
