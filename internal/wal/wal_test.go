package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/schemareg/internal/fs"
)

func readAll(t *testing.T, w *WAL) []*Record {
	t.Helper()
	r, err := w.Reader()
	require.NoError(t, err)
	defer r.Close()

	var out []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)

	recs := []*Record{
		{Type: RecordTypePut, Key: "a", Value: []byte(`{"staged":true}`)},
		{Type: RecordTypeDelete, Key: "b"},
		{Type: RecordTypePut, Key: "a", Value: []byte(`{"staged":false}`)},
	}
	for _, r := range recs {
		require.NoError(t, w.Append(r))
	}
	require.NoError(t, w.Close())

	w2, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	got := readAll(t, w2)
	require.Len(t, got, len(recs))
	for i, r := range recs {
		assert.Equal(t, r.Type, got[i].Type)
		assert.Equal(t, r.Key, got[i].Key)
		assert.Equal(t, r.Value, got[i].Value)
	}
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign")
	require.NoError(t, os.WriteFile(path, []byte("NOTAJOURNALFILE!"), 0o644))

	_, err := Open(nil, path, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.journal")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(&Record{Type: RecordTypePut, Key: "k", Value: []byte("value")}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := openReader(fs.Default, path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrInvalidCRC)
}

func TestReplayTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torn.journal")

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(&Record{Type: RecordTypePut, Key: "one", Value: []byte("1")}))
	require.NoError(t, w.Append(&Record{Type: RecordTypePut, Key: "two", Value: []byte("2")}))
	good := w.Size()
	require.NoError(t, w.Close())

	// append half a record
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 1, 9})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var keys []string
	res, err := Replay(nil, path, func(r *Record) error {
		keys = append(keys, r.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, keys)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, int64(6), res.Truncated)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, good, info.Size())

	// appends after recovery are readable
	w, err = Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(&Record{Type: RecordTypePut, Key: "three", Value: []byte("3")}))
	assert.Len(t, readAll(t, w), 3)
	require.NoError(t, w.Close())
}

func TestReplayFaultyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faulty.journal")
	ffs := fs.NewFaultyFS(nil)
	// header (12) plus one full record of 13+1+1 bytes, then fail mid-record
	ffs.AddRule("faulty", fs.Fault{FailAfterBytes: 12 + 15 + 5})

	w, err := Open(ffs, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(&Record{Type: RecordTypePut, Key: "a", Value: []byte("1")}))
	err = w.Append(&Record{Type: RecordTypePut, Key: "b", Value: []byte("2")})
	require.ErrorIs(t, err, fs.ErrInjected)

	// poisoned
	assert.Error(t, w.Append(&Record{Type: RecordTypePut, Key: "c", Value: []byte("3")}))
	_ = w.Close()

	var keys []string
	res, err := Replay(nil, path, func(r *Record) error {
		keys = append(keys, r.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
	assert.Equal(t, int64(5), res.Truncated)
}

func TestReplayMissingAndShortFiles(t *testing.T) {
	dir := t.TempDir()

	res, err := Replay(nil, filepath.Join(dir, "missing"), func(*Record) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, res.Records)

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("SREG"), 0o644))
	res, err = Replay(nil, short, func(*Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Truncated)

	w, err := Open(nil, short, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestWriteSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.journal")

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(&Record{Type: RecordTypePut, Key: "k", Value: []byte(fmt.Sprint(i))}))
	}
	before := w.Size()
	require.NoError(t, w.Close())

	require.NoError(t, WriteSnapshot(nil, path, []*Record{{Type: RecordTypePut, Key: "k", Value: []byte("9")}}))

	var got []*Record
	_, err = Replay(nil, path, func(r *Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("9"), got[0].Value)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, info.Size(), before)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteSnapshotRenameFailureKeepsOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.journal")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(&Record{Type: RecordTypePut, Key: "k", Value: []byte("v")}))
	require.NoError(t, w.Close())

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("keep.journal", fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	require.ErrorIs(t, WriteSnapshot(ffs, path, nil), fs.ErrInjected)

	res, err := Replay(nil, path, func(*Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
}

func TestGroupCommitConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group.journal")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)

	const writers, perWriter = 20, 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				key := fmt.Sprintf("%d/%d", id, j)
				if err := w.Append(&Record{Type: RecordTypePut, Key: key}); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, readAll(t, w), writers*perWriter)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), os.ErrClosed)
}
