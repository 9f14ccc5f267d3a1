package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hupe1980/schemareg/internal/fs"
	"github.com/hupe1980/schemareg/internal/wal"
	"github.com/hupe1980/schemareg/model"
)

// JournalOptions configures a JournalStore.
type JournalOptions struct {
	// FS is the filesystem the journals live on. Defaults to the local disk.
	FS         fs.FileSystem
	Durability wal.Durability
	// CompactMinBytes is the journal size below which no compaction runs.
	CompactMinBytes int64
	// CompactRatio triggers compaction once the journal holds this many
	// records per live key.
	CompactRatio int
	Logger       *slog.Logger
}

func DefaultJournalOptions() JournalOptions {
	return JournalOptions{
		FS:              fs.Default,
		Durability:      wal.DurabilitySync,
		CompactMinBytes: 1 << 20,
		CompactRatio:    4,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// JournalStore keeps one append-only journal per schema in a directory.
// The directory is locked against other processes while the store is open.
type JournalStore struct {
	dir  string
	opts JournalOptions
	lock *fs.DirLock

	mu       sync.Mutex
	journals map[model.SchemaRef]*journal
	closed   bool
}

type journal struct {
	mu      sync.Mutex
	path    string
	w       *wal.WAL // nil after a failed reopen
	live    map[string][]byte
	records int
	stale   bool // evicted; callers must fetch a fresh journal
}

// OpenJournalStore opens the journal directory, creating it if needed.
// It fails with fs.ErrLocked when another process holds the directory.
func OpenJournalStore(dir string, optFns ...func(o *JournalOptions)) (*JournalStore, error) {
	opts := DefaultJournalOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CompactRatio < 2 {
		opts.CompactRatio = 2
	}

	lock, err := fs.Lock(dir)
	if err != nil {
		return nil, fmt.Errorf("manifest: open journal dir %s: %w", dir, err)
	}
	return &JournalStore{
		dir:      dir,
		opts:     opts,
		lock:     lock,
		journals: make(map[model.SchemaRef]*journal),
	}, nil
}

func (s *JournalStore) path(ref model.SchemaRef) string {
	return filepath.Join(s.dir, fmt.Sprintf("species-%d-schema-%d.journal", ref.Species, ref.Schema))
}

// journal returns the open journal of ref, replaying it on first use.
func (s *JournalStore) journal(ref model.SchemaRef) (*journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if j, ok := s.journals[ref]; ok {
		return j, nil
	}

	j := &journal{path: s.path(ref), live: make(map[string][]byte)}
	res, err := wal.Replay(s.opts.FS, j.path, func(rec *wal.Record) error {
		j.records++
		switch rec.Type {
		case wal.RecordTypePut:
			j.live[rec.Key] = rec.Value
		case wal.RecordTypeDelete:
			delete(j.live, rec.Key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Truncated > 0 {
		s.opts.Logger.Warn("truncated torn journal tail",
			slog.String("schema", ref.String()),
			slog.Int64("bytes", res.Truncated),
			slog.Int("records", res.Records))
	}

	if err := s.reopen(j); err != nil {
		return nil, err
	}
	s.journals[ref] = j
	return j, nil
}

func (s *JournalStore) reopen(j *journal) error {
	w, err := wal.Open(s.opts.FS, j.path, wal.Options{Durability: s.opts.Durability})
	if err != nil {
		return err
	}
	j.w = w
	return nil
}

// locked returns the current journal of ref with j.mu held.
func (s *JournalStore) locked(ref model.SchemaRef) (*journal, error) {
	for {
		j, err := s.journal(ref)
		if err != nil {
			return nil, err
		}
		j.mu.Lock()
		if !j.stale {
			return j, nil
		}
		j.mu.Unlock()
	}
}

func (s *JournalStore) Load(ctx context.Context, ref model.SchemaRef) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j, err := s.locked(ref)
	if err != nil {
		return nil, err
	}
	defer j.mu.Unlock()

	out := make(map[string][]byte, len(j.live))
	for k, v := range j.live {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *JournalStore) Put(ctx context.Context, ref model.SchemaRef, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j, err := s.locked(ref)
	if err != nil {
		return err
	}
	defer j.mu.Unlock()

	if j.w == nil {
		if err := s.reopen(j); err != nil {
			return err
		}
	}
	rec := &wal.Record{Type: wal.RecordTypePut, Key: key, Value: append([]byte(nil), value...)}
	if err := j.w.Append(rec); err != nil {
		// A failed append may leave a torn record. Evict the journal so the
		// next use replays and truncates it.
		s.forget(ref, j)
		return err
	}
	j.live[key] = rec.Value
	j.records++

	s.maybeCompact(ref, j)
	return nil
}

// forget closes and evicts a journal. Caller holds j.mu.
func (s *JournalStore) forget(ref model.SchemaRef, j *journal) {
	j.stale = true
	if j.w != nil {
		_ = j.w.Close()
		j.w = nil
	}
	s.mu.Lock()
	if s.journals[ref] == j {
		delete(s.journals, ref)
	}
	s.mu.Unlock()
}

// maybeCompact rewrites the journal to one record per live key once it is
// mostly superseded records. Caller holds j.mu.
func (s *JournalStore) maybeCompact(ref model.SchemaRef, j *journal) {
	if j.w.Size() < s.opts.CompactMinBytes || j.records < s.opts.CompactRatio*len(j.live) {
		return
	}

	keys := make([]string, 0, len(j.live))
	for k := range j.live {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	recs := make([]*wal.Record, len(keys))
	for i, k := range keys {
		recs[i] = &wal.Record{Type: wal.RecordTypePut, Key: k, Value: j.live[k]}
	}

	before := j.w.Size()
	if err := j.w.Close(); err != nil {
		s.opts.Logger.Error("journal close before compaction failed", slog.String("schema", ref.String()), slog.Any("error", err))
	}
	j.w = nil

	if err := wal.WriteSnapshot(s.opts.FS, j.path, recs); err != nil {
		s.opts.Logger.Error("journal compaction failed", slog.String("schema", ref.String()), slog.Any("error", err))
	} else {
		j.records = len(recs)
	}
	if err := s.reopen(j); err != nil {
		s.opts.Logger.Error("journal reopen after compaction failed", slog.String("schema", ref.String()), slog.Any("error", err))
		return
	}
	s.opts.Logger.Debug("journal compacted",
		slog.String("schema", ref.String()),
		slog.Int64("before_bytes", before),
		slog.Int64("after_bytes", j.w.Size()))
}

func (s *JournalStore) Drop(ctx context.Context, ref model.SchemaRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	j := s.journals[ref]
	delete(s.journals, ref)
	s.mu.Unlock()

	if j != nil {
		j.mu.Lock()
		j.stale = true
		if j.w != nil {
			_ = j.w.Close()
			j.w = nil
		}
		j.mu.Unlock()
	}

	if err := s.opts.FS.Remove(s.path(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Schemas lists the schemas with a journal file in the directory.
func (s *JournalStore) Schemas(ctx context.Context) ([]model.SchemaRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	entries, err := s.opts.FS.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []model.SchemaRef
	for _, de := range entries {
		var ref model.SchemaRef
		if de.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(de.Name(), "species-%d-schema-%d.journal", &ref.Species, &ref.Schema); err != nil {
			continue
		}
		if de.Name() != filepath.Base(s.path(ref)) {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

// Close closes every journal and releases the directory lock.
func (s *JournalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	journals := s.journals
	s.journals = nil
	s.mu.Unlock()

	var errs []error
	for _, j := range journals {
		j.mu.Lock()
		if j.w != nil {
			if err := j.w.Close(); err != nil {
				errs = append(errs, err)
			}
			j.w = nil
		}
		j.mu.Unlock()
	}
	errs = append(errs, s.lock.Release())
	return errors.Join(errs...)
}
