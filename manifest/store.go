package manifest

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/schemareg/model"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("manifest: store closed")

// Store persists manifest records. Keys are unique within a schema.
//
// Put must be durable when it returns nil. Implementations must be safe for
// concurrent use.
type Store interface {
	// Load returns every record of the schema. An unknown schema yields an
	// empty map.
	Load(ctx context.Context, ref model.SchemaRef) (map[string][]byte, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, ref model.SchemaRef, key string, value []byte) error
	// Drop removes every record of the schema.
	Drop(ctx context.Context, ref model.SchemaRef) error
	// Schemas lists the schemas that have records.
	Schemas(ctx context.Context) ([]model.SchemaRef, error)
	Close() error
}

// MemoryStore keeps records in memory. It is not durable across processes
// and is meant for tests and single-shot tools.
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[model.SchemaRef]map[string][]byte
	closed  bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schemas: make(map[model.SchemaRef]map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, ref model.SchemaRef) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(s.schemas[ref]))
	for k, v := range s.schemas[ref] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, ref model.SchemaRef, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, ok := s.schemas[ref]
	if !ok {
		m = make(map[string][]byte)
		s.schemas[ref] = m
	}
	m[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Drop(_ context.Context, ref model.SchemaRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.schemas, ref)
	return nil
}

func (s *MemoryStore) Schemas(_ context.Context) ([]model.SchemaRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]model.SchemaRef, 0, len(s.schemas))
	for ref, recs := range s.schemas {
		if len(recs) > 0 {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
