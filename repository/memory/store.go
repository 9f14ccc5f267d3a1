// Package memory provides an in-memory graph repository.
//
// The store is safe for concurrent use. Every statement is applied under a
// single write lock, so a statement is atomic and functional-fact checks
// cannot race with concurrent inserts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
)

var (
	_ repository.Repository = (*Store)(nil)
	_ repository.LockStore  = (*Store)(nil)
)

type objects map[repository.Term]struct{}

// Options configures a Store.
type Options struct {
	// MaxStatementSize rejects statements carrying more triples or patterns
	// with ErrPayloadTooLarge. Zero disables the limit.
	MaxStatementSize int
}

// Option configures a Store.
type Option func(*Options)

// WithMaxStatementSize sets Options.MaxStatementSize.
func WithMaxStatementSize(n int) Option {
	return func(o *Options) { o.MaxStatementSize = n }
}

// Store is an in-memory triple store.
type Store struct {
	ns   model.Namespace
	opts Options

	mu sync.RWMutex
	// subject -> predicate -> objects
	facts map[string]map[string]objects
	// object value -> predicate -> subjects
	reverse map[string]map[string]map[string]struct{}
	size    int

	applied atomic.Int64
}

// New creates an empty store for ns.
func New(ns model.Namespace, optFns ...Option) *Store {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{
		ns:      ns,
		opts:    opts,
		facts:   make(map[string]map[string]objects),
		reverse: make(map[string]map[string]map[string]struct{}),
	}
}

// Namespace returns the namespace the store resolves URIs in.
func (s *Store) Namespace() model.Namespace { return s.ns }

// Apply implements repository.Writer.
func (s *Store) Apply(ctx context.Context, st repository.Statement) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.opts.MaxStatementSize > 0 && st.Size() > s.opts.MaxStatementSize {
		return 0, fmt.Errorf("%w: %d > %d", repository.ErrPayloadTooLarge, st.Size(), s.opts.MaxStatementSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		n   int
		err error
	)
	switch st.Op {
	case repository.OpInsert:
		n, err = s.insertLocked(st.Triples)
	case repository.OpDelete:
		n, err = s.deleteLocked(st.Patterns)
	default:
		err = fmt.Errorf("%w: unknown op %d", repository.ErrInvalidStatement, st.Op)
	}
	if err == nil {
		s.applied.Add(1)
	}
	return n, err
}

func (s *Store) insertLocked(triples []repository.Triple) (int, error) {
	// Validate the whole statement first so a rejected statement leaves no
	// partial state behind.
	pending := make(map[string]string)
	for _, t := range triples {
		if t.Subject == "" || t.Predicate == "" {
			return 0, fmt.Errorf("%w: empty subject or predicate", repository.ErrInvalidStatement)
		}
		if !repository.Functional(t.Predicate) {
			continue
		}
		key := t.Subject + "\x00" + t.Predicate
		if prev, ok := pending[key]; ok && prev != t.Object.Value {
			return 0, &repository.CollisionError{Subject: t.Subject, Existing: prev, Incoming: t.Object.Value}
		}
		pending[key] = t.Object.Value
		for o := range s.facts[t.Subject][t.Predicate] {
			if o.Value != t.Object.Value {
				return 0, &repository.CollisionError{Subject: t.Subject, Existing: o.Value, Incoming: t.Object.Value}
			}
		}
	}

	added := 0
	for _, t := range triples {
		if s.addLocked(t) {
			added++
		}
	}
	return added, nil
}

func (s *Store) addLocked(t repository.Triple) bool {
	preds, ok := s.facts[t.Subject]
	if !ok {
		preds = make(map[string]objects)
		s.facts[t.Subject] = preds
	}
	objs, ok := preds[t.Predicate]
	if !ok {
		objs = make(objects)
		preds[t.Predicate] = objs
	}
	if _, ok := objs[t.Object]; ok {
		return false
	}
	objs[t.Object] = struct{}{}

	rp, ok := s.reverse[t.Object.Value]
	if !ok {
		rp = make(map[string]map[string]struct{})
		s.reverse[t.Object.Value] = rp
	}
	subs, ok := rp[t.Predicate]
	if !ok {
		subs = make(map[string]struct{})
		rp[t.Predicate] = subs
	}
	subs[t.Subject] = struct{}{}
	s.size++
	return true
}

func (s *Store) removeLocked(t repository.Triple) {
	preds := s.facts[t.Subject]
	objs := preds[t.Predicate]
	delete(objs, t.Object)
	if len(objs) == 0 {
		delete(preds, t.Predicate)
	}
	if len(preds) == 0 {
		delete(s.facts, t.Subject)
	}

	rp := s.reverse[t.Object.Value]
	subs := rp[t.Predicate]
	// Another term with the same value (different datatype) may still point
	// at this subject.
	still := false
	for o := range objs {
		if o.Value == t.Object.Value {
			still = true
			break
		}
	}
	if !still {
		delete(subs, t.Subject)
	}
	if len(subs) == 0 {
		delete(rp, t.Predicate)
	}
	if len(rp) == 0 {
		delete(s.reverse, t.Object.Value)
	}
	s.size--
}

func (s *Store) deleteLocked(patterns []repository.Pattern) (int, error) {
	for _, p := range patterns {
		if p.Subject == "" && p.Predicate == "" && p.Object == "" {
			return 0, fmt.Errorf("%w: unbounded delete pattern", repository.ErrInvalidStatement)
		}
	}
	removed := 0
	for _, p := range patterns {
		for _, t := range s.matchLocked(p) {
			s.removeLocked(t)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) matchLocked(p repository.Pattern) []repository.Triple {
	var out []repository.Triple
	collect := func(subject string) {
		for pred, objs := range s.facts[subject] {
			if p.Predicate != "" && pred != p.Predicate {
				continue
			}
			for o := range objs {
				t := repository.Triple{Subject: subject, Predicate: pred, Object: o}
				if p.Matches(t) {
					out = append(out, t)
				}
			}
		}
	}

	switch {
	case p.Subject != "":
		collect(p.Subject)
	case p.Object != "":
		for pred, subs := range s.reverse[p.Object] {
			if p.Predicate != "" && pred != p.Predicate {
				continue
			}
			for sub := range subs {
				collect(sub)
			}
		}
	default:
		for sub := range s.facts {
			collect(sub)
		}
	}
	return out
}

// Len returns the number of facts stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Count returns the number of facts matching p.
func (s *Store) Count(p repository.Pattern) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matchLocked(p))
}

// Applied returns the number of statements applied successfully.
func (s *Store) Applied() int64 { return s.applied.Load() }

func (s *Store) valuesLocked(subject, predicate string) []string {
	objs := s.facts[subject][predicate]
	out := make([]string, 0, len(objs))
	for o := range objs {
		out = append(out, o.Value)
	}
	sort.Strings(out)
	return out
}

func (s *Store) valueLocked(subject, predicate string) string {
	if v := s.valuesLocked(subject, predicate); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (s *Store) subjectsLocked(object, predicate string) []string {
	subs := s.reverse[object][predicate]
	out := make([]string, 0, len(subs))
	for sub := range subs {
		out = append(out, sub)
	}
	sort.Strings(out)
	return out
}

func (s *Store) hasTypeLocked(subject, class string) bool {
	_, ok := s.facts[subject][repository.RDFType][repository.IRI(class)]
	return ok
}

// Schema implements repository.Reader.
func (s *Store) Schema(_ context.Context, ref model.SchemaRef) (model.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uri := s.ns.Schema(ref)
	if !s.hasTypeLocked(uri, repository.ClassSchema) {
		return model.Schema{}, fmt.Errorf("schema %s: %w", ref, repository.ErrNotFound)
	}
	modified, _ := time.Parse(time.RFC3339Nano, s.valueLocked(uri, repository.PredLastModified))
	return model.Schema{
		Ref:          ref,
		Name:         s.valueLocked(uri, repository.PredName),
		Owner:        strings.TrimPrefix(s.valueLocked(uri, repository.PredAdministrated), s.ns.User("")),
		Lock:         model.LockToken(s.valueLocked(uri, repository.PredLock)),
		LastModified: modified,
		Loci:         s.schemaLociLocked(uri),
	}, nil
}

// SchemaLoci implements repository.Reader.
func (s *Store) SchemaLoci(_ context.Context, ref model.SchemaRef) ([]model.LocusID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uri := s.ns.Schema(ref)
	if !s.hasTypeLocked(uri, repository.ClassSchema) {
		return nil, fmt.Errorf("schema %s: %w", ref, repository.ErrNotFound)
	}
	return s.schemaLociLocked(uri), nil
}

func (s *Store) schemaLociLocked(schemaURI string) []model.LocusID {
	type entry struct {
		id    model.LocusID
		index int
	}
	var entries []entry
	for _, part := range s.valuesLocked(schemaURI, repository.PredHasSchemaPart) {
		id, err := s.ns.ParseLocus(s.valueLocked(part, repository.PredHasLocus))
		if err != nil {
			continue
		}
		idx, _ := repository.ParseInt(repository.Literal(s.valueLocked(part, repository.PredIndex)))
		entries = append(entries, entry{id: id, index: idx})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].index != entries[j].index {
			return entries[i].index < entries[j].index
		}
		return entries[i].id < entries[j].id
	})
	out := make([]model.LocusID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// Locus implements repository.Reader.
func (s *Store) Locus(_ context.Context, id model.LocusID) (model.Locus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uri := s.ns.Locus(id)
	if !s.hasTypeLocked(uri, repository.ClassLocus) {
		return model.Locus{}, fmt.Errorf("locus %d: %w", id, repository.ErrNotFound)
	}
	l := model.Locus{
		ID:     id,
		Name:   s.valueLocked(uri, repository.PredName),
		Origin: s.valueLocked(uri, repository.PredOrigin),
	}
	for _, part := range s.subjectsLocked(uri, repository.PredHasLocus) {
		for _, schemaURI := range s.subjectsLocked(part, repository.PredHasSchemaPart) {
			ref, err := model.ParseSchemaRef(strings.TrimPrefix(schemaURI, s.ns.Base()))
			if err != nil {
				continue
			}
			l.Schema = ref
			l.Deprecated = s.valueLocked(part, repository.PredDeprecated) == "true"
		}
	}
	return l, nil
}

// LocusAlleles implements repository.Reader.
func (s *Store) LocusAlleles(_ context.Context, id model.LocusID) ([]model.AlleleID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AlleleID
	for _, sub := range s.subjectsLocked(s.ns.Locus(id), repository.PredIsOfLocus) {
		_, a, err := s.ns.ParseAllele(sub)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// FindAllele implements repository.Reader.
func (s *Store) FindAllele(_ context.Context, locus model.LocusID, h model.SequenceHash) (model.AlleleID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locusURI := s.ns.Locus(locus)
	for _, sub := range s.subjectsLocked(s.ns.Sequence(h), repository.PredHasSequence) {
		if s.valueLocked(sub, repository.PredIsOfLocus) != locusURI {
			continue
		}
		_, a, err := s.ns.ParseAllele(sub)
		if err != nil {
			continue
		}
		return a, true, nil
	}
	return 0, false, nil
}

// Sequence implements repository.Reader.
func (s *Store) Sequence(_ context.Context, h model.SequenceHash) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.valuesLocked(s.ns.Sequence(h), repository.PredResidues)
	if len(v) == 0 {
		return "", false, nil
	}
	return v[0], true, nil
}

// MaxLocusID implements repository.Reader.
func (s *Store) MaxLocusID(_ context.Context) (model.LocusID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxID model.LocusID
	for _, sub := range s.subjectsLocked(repository.ClassLocus, repository.RDFType) {
		id, err := s.ns.ParseLocus(sub)
		if err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

// MaxAlleleID implements repository.Reader.
func (s *Store) MaxAlleleID(ctx context.Context, locus model.LocusID) (model.AlleleID, error) {
	ids, err := s.LocusAlleles(ctx, locus)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return ids[len(ids)-1], nil
}

// LoadLock implements repository.LockStore.
func (s *Store) LoadLock(_ context.Context, ref model.SchemaRef) (model.LockToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uri := s.ns.Schema(ref)
	if !s.hasTypeLocked(uri, repository.ClassSchema) {
		return "", fmt.Errorf("schema %s: %w", ref, repository.ErrNotFound)
	}
	tok := model.LockToken(s.valueLocked(uri, repository.PredLock))
	if tok.IsUnlocked() {
		return model.Unlocked, nil
	}
	return tok, nil
}

// CompareAndSwapLock implements repository.LockStore.
func (s *Store) CompareAndSwapLock(ctx context.Context, ref model.SchemaRef, old, new model.LockToken, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	uri := s.ns.Schema(ref)
	if !s.hasTypeLocked(uri, repository.ClassSchema) {
		return false, fmt.Errorf("schema %s: %w", ref, repository.ErrNotFound)
	}
	cur := model.LockToken(s.valueLocked(uri, repository.PredLock))
	if cur != old && !(cur.IsUnlocked() && old.IsUnlocked()) {
		return false, nil
	}
	for _, t := range s.matchLocked(repository.Pattern{Subject: uri, Predicate: repository.PredLock}) {
		s.removeLocked(t)
	}
	for _, t := range s.matchLocked(repository.Pattern{Subject: uri, Predicate: repository.PredLastModified}) {
		s.removeLocked(t)
	}
	s.addLocked(repository.Triple{Subject: uri, Predicate: repository.PredLock, Object: repository.Literal(string(new))})
	s.addLocked(repository.Triple{Subject: uri, Predicate: repository.PredLastModified, Object: repository.Time(at)})
	s.applied.Add(1)
	return true, nil
}
