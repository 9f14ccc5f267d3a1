package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	gojson "github.com/goccy/go-json"

	"github.com/hupe1980/schemareg/model"
)

var (
	// ErrUnavailable wraps every failure to read or write the store.
	ErrUnavailable    = errors.New("manifest: unavailable")
	ErrUnknownEntry   = errors.New("manifest: unknown entry")
	ErrIncomplete     = errors.New("manifest: import incomplete")
	ErrInvalidOrdinal = errors.New("manifest: allele ordinal out of range")
	ErrDropped        = errors.New("manifest: dropped")
)

const headerKey = "!header"

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

type slot struct {
	mu sync.Mutex
	e  Entry
}

// Manifest is the open import manifest of one schema. It is safe for
// concurrent use. Transitions of the same entry are serialized; different
// entries proceed in parallel.
type Manifest struct {
	ref   model.SchemaRef
	store Store

	mu      sync.RWMutex
	header  *Header
	entries map[string]*slot
	dropped bool
}

// Open loads the manifest of ref from store. A schema without a manifest
// yields an empty one; nothing is written until the first transition.
func Open(ctx context.Context, store Store, ref model.SchemaRef) (*Manifest, error) {
	records, err := store.Load(ctx, ref)
	if err != nil {
		return nil, unavailable(err)
	}

	m := &Manifest{ref: ref, store: store, entries: make(map[string]*slot, len(records))}
	for key, data := range records {
		if key == headerKey {
			var h Header
			if err := gojson.Unmarshal(data, &h); err != nil {
				return nil, unavailable(fmt.Errorf("decode header: %w", err))
			}
			m.header = &h
			continue
		}
		var e Entry
		if err := gojson.Unmarshal(data, &e); err != nil {
			return nil, unavailable(fmt.Errorf("decode entry %s: %w", key, err))
		}
		m.entries[key] = &slot{e: e}
	}
	return m, nil
}

// Ref returns the schema the manifest belongs to.
func (m *Manifest) Ref() model.SchemaRef { return m.ref }

// Header returns the import header, if the import was begun.
func (m *Manifest) Header() (Header, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.header == nil {
		return Header{}, false
	}
	return *m.header, true
}

// Begin records owner as the importer. If the manifest already has a
// header it is returned unchanged.
func (m *Manifest) Begin(ctx context.Context, owner string, at time.Time) (Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped {
		return Header{}, ErrDropped
	}
	if m.header != nil {
		return *m.header, nil
	}
	h := Header{Schema: m.ref, Owner: owner, StartedAt: at.UTC()}
	data, err := gojson.Marshal(h)
	if err != nil {
		return Header{}, err
	}
	if err := m.store.Put(ctx, m.ref, headerKey, data); err != nil {
		return Header{}, unavailable(err)
	}
	m.header = &h
	return h, nil
}

func (m *Manifest) slot(key string, create bool) (*slot, error) {
	if !create {
		m.mu.RLock()
		defer m.mu.RUnlock()
	} else {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	if m.dropped {
		return nil, ErrDropped
	}
	s, ok := m.entries[key]
	if ok {
		return s, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, key)
	}
	// The entry stays invisible (empty key) until its first transition
	// is persisted.
	s = &slot{}
	m.entries[key] = s
	return s, nil
}

// update applies fn to a copy of the entry and persists the result if fn
// reports a change. The in-memory entry only changes after the store
// accepted the write.
func (m *Manifest) update(ctx context.Context, key string, create bool, fn func(e *Entry) (bool, error)) (Entry, error) {
	s, err := m.slot(key, create)
	if err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !create && s.e.Key == "" {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, key)
	}

	next := s.e.Clone()
	changed, err := fn(&next)
	if err != nil {
		return Entry{}, err
	}
	if !changed {
		return next, nil
	}
	data, err := gojson.Marshal(next)
	if err != nil {
		return Entry{}, err
	}
	if err := m.store.Put(ctx, m.ref, key, data); err != nil {
		return Entry{}, unavailable(err)
	}
	s.e = next
	return next.Clone(), nil
}

// StageAlleleBatch records a received locus batch and sets allelesStaged.
// The descriptive fields of e are taken as given; progress fields are
// ignored. Staging an already staged batch is a no-op that returns the
// stored entry.
func (m *Manifest) StageAlleleBatch(ctx context.Context, e Entry) (Entry, error) {
	if e.Key == "" || e.Key == headerKey {
		return Entry{}, fmt.Errorf("manifest: invalid entry key %q", e.Key)
	}
	if e.AlleleCount < 0 {
		return Entry{}, fmt.Errorf("manifest: negative allele count for %s", e.Key)
	}
	return m.update(ctx, e.Key, true, func(cur *Entry) (bool, error) {
		if cur.AllelesStaged {
			return false, nil
		}
		cur.Key = e.Key
		cur.Name = e.Name
		cur.Origin = e.Origin
		cur.Position = e.Position
		cur.Existing = e.Existing
		cur.AlleleCount = e.AlleleCount
		cur.AllelesStaged = true
		return true, nil
	})
}

// ReserveLocus returns the locus id of the entry, calling next and
// persisting its result the first time. Incremental entries return their
// existing locus without calling next.
func (m *Manifest) ReserveLocus(ctx context.Context, key string, next func(ctx context.Context) (model.LocusID, error)) (model.LocusID, error) {
	e, err := m.update(ctx, key, false, func(e *Entry) (bool, error) {
		if e.ReservedLocus != 0 {
			return false, nil
		}
		if e.Existing != 0 {
			e.ReservedLocus = e.Existing
			return true, nil
		}
		id, err := next(ctx)
		if err != nil {
			return false, err
		}
		e.ReservedLocus = id
		return true, nil
	})
	return e.ReservedLocus, err
}

// MarkLocusInserted records that the locus exists in the repository
// under uri.
func (m *Manifest) MarkLocusInserted(ctx context.Context, key string, id model.LocusID, uri string) error {
	_, err := m.update(ctx, key, false, func(e *Entry) (bool, error) {
		if e.LocusURI == uri && e.ReservedLocus == id {
			return false, nil
		}
		e.ReservedLocus = id
		e.LocusURI = uri
		return true, nil
	})
	return err
}

// MarkLinked sets the link flag of kind.
func (m *Manifest) MarkLinked(ctx context.Context, key string, kind LinkKind) error {
	_, err := m.update(ctx, key, false, func(e *Entry) (bool, error) {
		switch kind {
		case LinkSpecies:
			if e.LinkedToSpecies {
				return false, nil
			}
			e.LinkedToSpecies = true
		case LinkSchema:
			if e.LinkedToSchema {
				return false, nil
			}
			e.LinkedToSchema = true
		default:
			return false, fmt.Errorf("manifest: unknown link kind %v", kind)
		}
		return true, nil
	})
	return err
}

// ReserveAlleles persists the allele ticket of the entry. Ordinals in
// skipped are marked written without an id. Every other ordinal that is
// not yet written gets an id from one contiguous range obtained by next.
// at becomes the entry date of every allele of the ticket. Once a ticket
// exists it is returned unchanged.
func (m *Manifest) ReserveAlleles(ctx context.Context, key string, skipped []int, at time.Time, next func(ctx context.Context, n int) (model.AlleleID, error)) (Entry, error) {
	return m.update(ctx, key, false, func(e *Entry) (bool, error) {
		if e.AllelesReserved() {
			return false, nil
		}
		written := roaring.New()
		if e.Written != nil {
			written.Or(e.Written)
		}
		for _, o := range skipped {
			if o < 0 || o >= e.AlleleCount {
				return false, fmt.Errorf("%w: %d of %d", ErrInvalidOrdinal, o, e.AlleleCount)
			}
			written.Add(uint32(o))
		}

		assigned := roaring.New()
		if e.AlleleCount > 0 {
			assigned.AddRange(0, uint64(e.AlleleCount))
		}
		assigned.AndNot(written)

		if n := int(assigned.GetCardinality()); n > 0 {
			first, err := next(ctx, n)
			if err != nil {
				return false, err
			}
			e.FirstAllele = first
		}
		e.Assigned = assigned
		e.Written = written
		e.EnteredAt = at.UTC()
		return true, nil
	})
}

// MarkAllelesWritten adds ordinals to the written set of the entry.
func (m *Manifest) MarkAllelesWritten(ctx context.Context, key string, ordinals ...int) error {
	_, err := m.update(ctx, key, false, func(e *Entry) (bool, error) {
		if e.Written == nil {
			e.Written = roaring.New()
		}
		changed := false
		for _, o := range ordinals {
			if o < 0 || o >= e.AlleleCount {
				return false, fmt.Errorf("%w: %d of %d", ErrInvalidOrdinal, o, e.AlleleCount)
			}
			if e.Written.CheckedAdd(uint32(o)) {
				changed = true
			}
		}
		return changed, nil
	})
	return err
}

// Entry returns a copy of one entry.
func (m *Manifest) Entry(key string) (Entry, bool) {
	s, err := m.slot(key, false)
	if err != nil {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.e.Key == "" {
		return Entry{}, false
	}
	return s.e.Clone(), true
}

func (m *Manifest) collect(keep func(Entry) bool) []Entry {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.entries))
	for _, s := range m.entries {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	out := make([]Entry, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		e := s.e
		s.mu.Unlock()
		if e.Key != "" && keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Entries returns all entries ordered by position.
func (m *Manifest) Entries() []Entry {
	return m.collect(func(Entry) bool { return true })
}

// PendingEntries returns the entries that are not complete, ordered by
// position.
func (m *Manifest) PendingEntries() []Entry {
	return m.collect(func(e Entry) bool { return !e.Complete() })
}

// IsComplete reports whether no entry is pending.
func (m *Manifest) IsComplete() bool {
	return len(m.PendingEntries()) == 0
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.Entries())
}

// Drop deletes a complete manifest from the store. The handle is unusable
// afterwards.
func (m *Manifest) Drop(ctx context.Context) error {
	if !m.IsComplete() {
		return ErrIncomplete
	}
	return m.Discard(ctx)
}

// Discard deletes the manifest regardless of progress.
func (m *Manifest) Discard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped {
		return nil
	}
	if err := m.store.Drop(ctx, m.ref); err != nil {
		return unavailable(err)
	}
	m.dropped = true
	m.entries = map[string]*slot{}
	m.header = nil
	return nil
}
