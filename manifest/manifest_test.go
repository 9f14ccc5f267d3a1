package manifest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/schemareg/model"
)

var (
	testRef  = model.SchemaRef{Species: 1, Schema: 7}
	ticketAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// failingStore fails Put and Drop while broken is set.
type failingStore struct {
	Store
	mu     sync.Mutex
	broken bool
	puts   int
}

var errDisk = errors.New("disk gone")

func (f *failingStore) setBroken(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = b
}

func (f *failingStore) Put(ctx context.Context, ref model.SchemaRef, key string, value []byte) error {
	f.mu.Lock()
	broken := f.broken
	f.puts++
	f.mu.Unlock()
	if broken {
		return errDisk
	}
	return f.Store.Put(ctx, ref, key, value)
}

func (f *failingStore) Drop(ctx context.Context, ref model.SchemaRef) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return errDisk
	}
	return f.Store.Drop(ctx, ref)
}

func stage(t *testing.T, m *Manifest, key string, pos, alleles int) Entry {
	t.Helper()
	e, err := m.StageAlleleBatch(context.Background(), Entry{Key: key, Name: "locus-" + key, Position: pos, AlleleCount: alleles})
	require.NoError(t, err)
	return e
}

func locusSeq(start model.LocusID) func(context.Context) (model.LocusID, error) {
	next := start
	return func(context.Context) (model.LocusID, error) {
		id := next
		next++
		return id, nil
	}
}

func alleleSeq(start model.AlleleID) func(context.Context, int) (model.AlleleID, error) {
	next := start
	return func(_ context.Context, n int) (model.AlleleID, error) {
		id := next
		next += model.AlleleID(n)
		return id, nil
	}
}

// completeEntry walks one entry through every transition.
func completeEntry(t *testing.T, m *Manifest, key string) {
	t.Helper()
	ctx := context.Background()
	id, err := m.ReserveLocus(ctx, key, locusSeq(10))
	require.NoError(t, err)
	require.NoError(t, m.MarkLocusInserted(ctx, key, id, "locus/"+key))
	require.NoError(t, m.MarkLinked(ctx, key, LinkSpecies))
	require.NoError(t, m.MarkLinked(ctx, key, LinkSchema))
	e, err := m.ReserveAlleles(ctx, key, nil, ticketAt, alleleSeq(1))
	require.NoError(t, err)
	ordinals := make([]int, e.AlleleCount)
	for i := range ordinals {
		ordinals[i] = i
	}
	require.NoError(t, m.MarkAllelesWritten(ctx, key, ordinals...))
}

func TestEmptyManifestIsComplete(t *testing.T) {
	m, err := Open(context.Background(), NewMemoryStore(), testRef)
	require.NoError(t, err)

	assert.True(t, m.IsComplete())
	assert.Empty(t, m.PendingEntries())
	_, ok := m.Header()
	assert.False(t, ok)
}

func TestStageAlleleBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: NewMemoryStore()}
	m, err := Open(ctx, store, testRef)
	require.NoError(t, err)

	e := stage(t, m, "h1", 0, 3)
	assert.True(t, e.AllelesStaged)
	assert.Equal(t, 3, e.AlleleCount)
	puts := store.puts

	again, err := m.StageAlleleBatch(ctx, Entry{Key: "h1", Name: "other", AlleleCount: 99})
	require.NoError(t, err)
	assert.Equal(t, "locus-h1", again.Name)
	assert.Equal(t, 3, again.AlleleCount)
	assert.Equal(t, puts, store.puts, "no-op must not write")

	_, err = m.StageAlleleBatch(ctx, Entry{Key: ""})
	assert.Error(t, err)
}

func TestTransitionsInOrder(t *testing.T) {
	ctx := context.Background()
	m, err := Open(ctx, NewMemoryStore(), testRef)
	require.NoError(t, err)

	stage(t, m, "a", 0, 2)
	stage(t, m, "b", 1, 0)
	assert.Len(t, m.PendingEntries(), 2)

	calls := 0
	next := func(context.Context) (model.LocusID, error) {
		calls++
		return 42, nil
	}
	id, err := m.ReserveLocus(ctx, "a", next)
	require.NoError(t, err)
	assert.Equal(t, model.LocusID(42), id)
	id, err = m.ReserveLocus(ctx, "a", next)
	require.NoError(t, err)
	assert.Equal(t, model.LocusID(42), id)
	assert.Equal(t, 1, calls, "reservation must be persisted and reused")

	require.NoError(t, m.MarkLocusInserted(ctx, "a", 42, "locus/42"))
	require.NoError(t, m.MarkLinked(ctx, "a", LinkSpecies))
	require.NoError(t, m.MarkLinked(ctx, "a", LinkSpecies))
	require.NoError(t, m.MarkLinked(ctx, "a", LinkSchema))
	assert.Error(t, m.MarkLinked(ctx, "a", LinkKind(9)))

	e, _ := m.Entry("a")
	assert.True(t, e.LocusInserted())
	assert.False(t, e.Complete(), "alleles still pending")

	e, err = m.ReserveAlleles(ctx, "a", nil, ticketAt, alleleSeq(5))
	require.NoError(t, err)
	first, ok := e.AlleleID(0)
	require.True(t, ok)
	assert.Equal(t, model.AlleleID(5), first)
	second, _ := e.AlleleID(1)
	assert.Equal(t, model.AlleleID(6), second)

	require.NoError(t, m.MarkAllelesWritten(ctx, "a", 0, 1, 1))
	assert.ErrorIs(t, m.MarkAllelesWritten(ctx, "a", 2), ErrInvalidOrdinal)

	e, _ = m.Entry("a")
	assert.True(t, e.Complete())

	pending := m.PendingEntries()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].Key)
	assert.False(t, m.IsComplete())

	assert.ErrorIs(t, m.MarkLinked(ctx, "zzz", LinkSchema), ErrUnknownEntry)
}

func TestReserveAllelesSkipsOrdinals(t *testing.T) {
	ctx := context.Background()
	m, err := Open(ctx, NewMemoryStore(), testRef)
	require.NoError(t, err)
	stage(t, m, "inc", 0, 4)

	var asked int
	e, err := m.ReserveAlleles(ctx, "inc", []int{1, 3}, ticketAt, func(_ context.Context, n int) (model.AlleleID, error) {
		asked = n
		return 20, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, asked)

	id, ok := e.AlleleID(0)
	require.True(t, ok)
	assert.Equal(t, model.AlleleID(20), id)
	id, ok = e.AlleleID(2)
	require.True(t, ok)
	assert.Equal(t, model.AlleleID(21), id)
	_, ok = e.AlleleID(1)
	assert.False(t, ok)
	assert.True(t, e.IsWritten(1))
	assert.True(t, e.IsWritten(3))

	// a second reservation returns the stored ticket
	e2, err := m.ReserveAlleles(ctx, "inc", nil, ticketAt, func(context.Context, int) (model.AlleleID, error) {
		t.Fatal("must not allocate twice")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, e.FirstAllele, e2.FirstAllele)

	_, err = m.ReserveAlleles(ctx, "inc", []int{7}, ticketAt, alleleSeq(1))
	assert.NoError(t, err, "already reserved, skip list is ignored")
}

func TestAllSkippedNeedsNoIDs(t *testing.T) {
	ctx := context.Background()
	m, err := Open(ctx, NewMemoryStore(), testRef)
	require.NoError(t, err)
	stage(t, m, "dup", 0, 2)

	e, err := m.ReserveAlleles(ctx, "dup", []int{0, 1}, ticketAt, func(context.Context, int) (model.AlleleID, error) {
		t.Fatal("nothing to allocate")
		return 0, nil
	})
	require.NoError(t, err)
	assert.True(t, e.AllelesWritten())
}

func TestReopenRestoresLastPersistedState(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	store := &failingStore{Store: mem}

	m, err := Open(ctx, store, testRef)
	require.NoError(t, err)
	_, err = m.Begin(ctx, "alice", time.Unix(100, 0))
	require.NoError(t, err)
	stage(t, m, "a", 0, 3)
	_, err = m.ReserveLocus(ctx, "a", locusSeq(7))
	require.NoError(t, err)
	require.NoError(t, m.MarkLocusInserted(ctx, "a", 7, "locus/7"))

	store.setBroken(true)
	err = m.MarkLinked(ctx, "a", LinkSpecies)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, errDisk)

	e, _ := m.Entry("a")
	assert.False(t, e.LinkedToSpecies, "failed transition must not be visible")

	_, err = m.StageAlleleBatch(ctx, Entry{Key: "b", AlleleCount: 1})
	require.ErrorIs(t, err, ErrUnavailable)
	_, ok := m.Entry("b")
	assert.False(t, ok)
	assert.Len(t, m.Entries(), 1)

	reopened, err := Open(ctx, mem, testRef)
	require.NoError(t, err)
	assert.Equal(t, m.Entries(), reopened.Entries())
	h, ok := reopened.Header()
	require.True(t, ok)
	assert.Equal(t, "alice", h.Owner)
	assert.Equal(t, testRef, h.Schema)
}

func TestBeginKeepsFirstOwner(t *testing.T) {
	ctx := context.Background()
	m, err := Open(ctx, NewMemoryStore(), testRef)
	require.NoError(t, err)

	h, err := m.Begin(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", h.Owner)

	h, err = m.Begin(ctx, "bob", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", h.Owner)
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	m, err := Open(ctx, mem, testRef)
	require.NoError(t, err)
	stage(t, m, "a", 0, 1)

	assert.ErrorIs(t, m.Drop(ctx), ErrIncomplete)

	completeEntry(t, m, "a")
	require.NoError(t, m.Drop(ctx))
	assert.NoError(t, m.Drop(ctx))

	_, err = m.StageAlleleBatch(ctx, Entry{Key: "x"})
	assert.ErrorIs(t, err, ErrDropped)

	records, err := mem.Load(ctx, testRef)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestConcurrentAlleleMarks(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	m, err := Open(ctx, mem, testRef)
	require.NoError(t, err)
	const n = 200
	stage(t, m, "big", 0, n)
	_, err = m.ReserveAlleles(ctx, "big", nil, ticketAt, alleleSeq(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			assert.NoError(t, m.MarkAllelesWritten(ctx, "big", o))
		}(i)
	}
	wg.Wait()

	reopened, err := Open(ctx, mem, testRef)
	require.NoError(t, err)
	e, ok := reopened.Entry("big")
	require.True(t, ok)
	assert.True(t, e.AllelesWritten())
}

func TestEntryJSONRoundTripKeepsBitmaps(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	m, err := Open(ctx, mem, testRef)
	require.NoError(t, err)
	stage(t, m, "a", 3, 5)
	_, err = m.ReserveAlleles(ctx, "a", []int{4}, ticketAt, alleleSeq(100))
	require.NoError(t, err)
	require.NoError(t, m.MarkAllelesWritten(ctx, "a", 2))

	reopened, err := Open(ctx, mem, testRef)
	require.NoError(t, err)
	e, _ := reopened.Entry("a")
	assert.Equal(t, 3, e.Position)
	assert.True(t, e.IsWritten(2))
	assert.True(t, e.IsWritten(4))
	assert.False(t, e.IsWritten(0))
	id, ok := e.AlleleID(3)
	require.True(t, ok)
	assert.Equal(t, model.AlleleID(103), id)
}

func TestOpenFailsOnUnavailableStore(t *testing.T) {
	mem := NewMemoryStore()
	require.NoError(t, mem.Close())
	_, err := Open(context.Background(), mem, testRef)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrClosed)
}
