package manifest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"

	"github.com/hupe1980/schemareg/model"
)

const (
	pebblePrefix = "m/"
	schemaShards = 64
)

// PebbleStore keeps manifests in a Pebble database, one key per record.
// Every write is synced.
type PebbleStore struct {
	db     *pebble.DB
	closed atomic.Bool

	// Drop and Put of the same schema are serialized so a Put never
	// survives a concurrent Drop half-way.
	shards [schemaShards]sync.RWMutex
}

// OpenPebbleStore opens or creates a Pebble database at dir. A nil opts
// uses Pebble's defaults.
func OpenPebbleStore(dir string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("manifest: open pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func schemaPrefix(ref model.SchemaRef) []byte {
	return []byte(pebblePrefix + ref.String() + "/")
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) shard(ref model.SchemaRef) *sync.RWMutex {
	return &s.shards[xxhash.Sum64String(ref.String())%schemaShards]
}

func (s *PebbleStore) Load(ctx context.Context, ref model.SchemaRef) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	mu := s.shard(ref)
	mu.RLock()
	defer mu.RUnlock()

	prefix := schemaPrefix(ref)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[string][]byte)
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(prefix):])
		out[key] = append([]byte(nil), iter.Value()...)
	}
	return out, iter.Error()
}

func (s *PebbleStore) Put(ctx context.Context, ref model.SchemaRef, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	mu := s.shard(ref)
	mu.RLock()
	defer mu.RUnlock()

	k := append(schemaPrefix(ref), key...)
	return s.db.Set(k, value, pebble.Sync)
}

func (s *PebbleStore) Drop(ctx context.Context, ref model.SchemaRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	mu := s.shard(ref)
	mu.Lock()
	defer mu.Unlock()

	prefix := schemaPrefix(ref)
	return s.db.DeleteRange(prefix, prefixUpperBound(prefix), pebble.Sync)
}

// Schemas lists the schemas with at least one record.
func (s *PebbleStore) Schemas(ctx context.Context) ([]model.SchemaRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	prefix := []byte(pebblePrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.SchemaRef
	for iter.First(); iter.Valid(); {
		// keys are m/species/<n>/schemas/<n>/<record>
		parts := strings.SplitN(string(iter.Key()[len(prefix):]), "/", 5)
		if len(parts) < 5 {
			iter.Next()
			continue
		}
		ref, err := model.ParseSchemaRef(strings.Join(parts[:4], "/"))
		if err != nil {
			iter.Next()
			continue
		}
		out = append(out, ref)
		// skip the remaining records of the schema
		iter.SeekGE(prefixUpperBound(schemaPrefix(ref)))
	}
	return out, iter.Error()
}

// Close closes the database. It is safe to call more than once.
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
