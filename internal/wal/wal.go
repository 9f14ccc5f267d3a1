package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/schemareg/internal/fs"
)

// Durability controls the durability guarantees of the journal.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache.
	DurabilityAsync Durability = iota
	// DurabilitySync fsyncs before Append returns.
	DurabilitySync
)

const (
	walMagic      = "SREGJRNL" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible journal version")
	ErrInvalidHeader       = errors.New("invalid journal header")
)

type Options struct {
	Durability Durability
}

func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL is an open journal file.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	cw   *countingWriter
	path string
	opts Options

	// group commit state
	syncedOffset int64
	syncCond     *sync.Cond // wakes the syncer
	doneCond     *sync.Cond // wakes waiters after a sync
	closed       bool
	lastErr      error // sticky, set by the syncer or a failed write
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func writeHeader(f fs.File) error {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
	if _, err := f.Write(header); err != nil {
		return err
	}
	return f.Sync()
}

func checkHeader(f fs.File, size int64) error {
	if size < walHeaderSize {
		return fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, size, walHeaderSize)
	}
	header := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return err
	}
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

// Open opens or creates a journal at path. Callers that may find a torn
// tail run Replay first.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	offset := stat.Size()

	if offset == 0 {
		if err := writeHeader(f); err != nil {
			f.Close()
			return nil, err
		}
		offset = walHeaderSize
	} else if err := checkHeader(f, offset); err != nil {
		f.Close()
		return nil, err
	}

	w := &WAL{
		fs:           fsys,
		file:         f,
		cw:           &countingWriter{w: bufio.NewWriter(f), n: offset},
		path:         path,
		opts:         opts,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

// Path returns the journal file path.
func (w *WAL) Path() string { return w.path }

// Size returns the current size of the journal in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cw.n
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.cw.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.cw.n <= w.syncedOffset {
			return
		}

		target := w.cw.n

		w.mu.Unlock()
		err := w.file.Sync()
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("journal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append writes a record, waiting for fsync under DurabilitySync.
func (w *WAL) Append(rec *Record) error {
	offset, err := w.AppendAsync(rec)
	if err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		return w.WaitFor(offset)
	}
	return nil
}

// AppendAsync buffers and writes a record without waiting for fsync. It
// returns the offset just past the record.
//
// A failed write poisons the journal: the file may now end in a partial
// record and later appends would land behind it.
func (w *WAL) AppendAsync(rec *Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}

	if err := rec.Encode(w.cw); err != nil {
		if errors.Is(err, ErrRecordTooLarge) || errors.Is(err, ErrInvalidType) {
			return 0, err
		}
		w.lastErr = err
		return 0, err
	}
	if err := w.cw.w.Flush(); err != nil {
		w.lastErr = err
		return 0, err
	}

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return w.cw.n, nil
}

// WaitFor waits until the journal is synced up to offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// Sync commits all buffered writes to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.cw.w.Flush(); err != nil {
		return err
	}

	if w.opts.Durability == DurabilityAsync {
		return w.file.Sync()
	}

	target := w.cw.n
	w.syncCond.Signal()
	for w.syncedOffset < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Close flushes and closes the journal.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	flushErr := w.cw.w.Flush()
	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// Reader returns a reader positioned at the first record.
func (w *WAL) Reader() (*Reader, error) {
	return openReader(w.fs, w.path)
}

func openReader(fsys fs.FileSystem, path string) (*Reader, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReader(f), offset: walHeaderSize}, nil
}

// Reader iterates over journal records.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next reads the next record. Returns io.EOF when done.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the end of the last valid record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReplayResult describes a replayed journal.
type ReplayResult struct {
	Records int
	// Truncated is the number of trailing bytes dropped because they did
	// not form a complete, valid record.
	Truncated int64
}

// Replay calls fn for every valid record of the journal at path, in append
// order, then truncates anything after the last valid record. A missing
// file replays nothing. A file shorter than its header is reset to empty.
func Replay(fsys fs.FileSystem, path string, fn func(*Record) error) (ReplayResult, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	var res ReplayResult

	stat, err := fsys.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	size := stat.Size()
	if size < walHeaderSize {
		res.Truncated = size
		return res, fsys.Truncate(path, 0)
	}

	r, err := openReader(fsys, path)
	if err != nil {
		return res, err
	}
	if err := checkHeader(r.f, size); err != nil {
		r.Close()
		return res, err
	}

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// torn or corrupt tail
			break
		}
		if err := fn(rec); err != nil {
			r.Close()
			return res, err
		}
		res.Records++
	}
	valid := r.Offset()
	if err := r.Close(); err != nil {
		return res, err
	}

	if valid < size {
		res.Truncated = size - valid
		if err := fsys.Truncate(path, valid); err != nil {
			return res, err
		}
	}
	return res, nil
}

// WriteSnapshot atomically replaces the journal at path with one holding
// exactly recs. The new file is written next to path, synced and renamed
// over it.
func WriteSnapshot(fsys fs.FileSystem, path string, recs []*Record) error {
	if fsys == nil {
		fsys = fs.Default
	}
	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		f.Close()
		_ = fsys.Remove(tmp)
		return err
	}

	if err := writeHeader(f); err != nil {
		return cleanup(err)
	}
	bw := bufio.NewWriter(f)
	for _, rec := range recs {
		if err := rec.Encode(bw); err != nil {
			return cleanup(err)
		}
	}
	if err := bw.Flush(); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return fs.SyncDir(filepath.Dir(path))
}
