package idalloc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
	"github.com/hupe1980/schemareg/repository/memory"
)

func TestAllocator_SeedsFromRepository(t *testing.T) {
	ctx := context.Background()
	ns := model.NewNamespace("http://registry.test/")
	store := memory.New(ns)
	b := repository.NewBuilder(ns)
	_, err := store.Apply(ctx, b.InsertLocus(model.Locus{ID: 7, Name: "l7"}))
	require.NoError(t, err)
	_, err = store.Apply(ctx, b.InsertAlleles(repository.AlleleRow{Locus: 7, ID: 4, Residues: "A", Hash: "a", Submitter: "u"}))
	require.NoError(t, err)

	a := New(store, nil)

	id, err := a.NextLocusID(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LocusID(8), id)

	aid, err := a.NextAlleleID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, model.AlleleID(5), aid)

	first, err := a.ReserveAlleleIDs(ctx, 7, 10)
	require.NoError(t, err)
	assert.Equal(t, model.AlleleID(6), first)

	aid, err = a.NextAlleleID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, model.AlleleID(16), aid)

	// A fresh locus scope starts at 1.
	aid, err = a.NextAlleleID(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, model.AlleleID(1), aid)

	_, err = a.ReserveAlleleIDs(ctx, 7, 0)
	require.ErrorIs(t, err, ErrInvalidCount)
}

// Deleting the newest locus must not make its id reusable.
func TestAllocator_NoReuseAfterDeletion(t *testing.T) {
	ctx := context.Background()
	ns := model.NewNamespace("http://registry.test/")
	store := memory.New(ns)
	b := repository.NewBuilder(ns)
	a := New(store, nil)

	id, err := a.NextLocusID(ctx)
	require.NoError(t, err)
	_, err = store.Apply(ctx, b.InsertLocus(model.Locus{ID: id, Name: "x"}))
	require.NoError(t, err)
	_, err = store.Apply(ctx, b.DeleteLocus(id))
	require.NoError(t, err)

	next, err := a.NextLocusID(ctx)
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestAllocator_ConcurrentUniqueness(t *testing.T) {
	ctx := context.Background()
	ns := model.NewNamespace("http://registry.test/")

	for name, counter := range map[string]Counter{
		"memory":   NewMemoryCounter(),
		"dynamodb": NewDynamoDBCounter(newFakeDDB(), "ids", "test/"),
	} {
		t.Run(name, func(t *testing.T) {
			a := New(memory.New(ns), counter)

			const importers, perImporter = 16, 50
			var (
				mu   sync.Mutex
				seen = make(map[model.LocusID]int)
				wg   sync.WaitGroup
			)
			for i := 0; i < importers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < perImporter; j++ {
						id, err := a.NextLocusID(ctx)
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						seen[id]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			require.Len(t, seen, importers*perImporter)
			for id, n := range seen {
				assert.Equal(t, 1, n, "locus id %d issued twice", id)
			}
		})
	}
}

type failingSource struct{ err error }

func (f failingSource) MaxLocusID(context.Context) (model.LocusID, error) { return 0, f.err }
func (f failingSource) MaxAlleleID(context.Context, model.LocusID) (model.AlleleID, error) {
	return 0, f.err
}

func TestAllocator_SeedFailureIsRetried(t *testing.T) {
	boom := errors.New("boom")
	src := &failingSource{err: boom}
	a := New(src, nil)

	_, err := a.NextLocusID(context.Background())
	require.ErrorIs(t, err, boom)

	src.err = nil
	id, err := a.NextLocusID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LocusID(1), id)
}

type fixedSource struct {
	locus   model.LocusID
	alleles map[model.LocusID]model.AlleleID
}

func (f fixedSource) MaxLocusID(context.Context) (model.LocusID, error) { return f.locus, nil }
func (f fixedSource) MaxAlleleID(_ context.Context, l model.LocusID) (model.AlleleID, error) {
	return f.alleles[l], nil
}

func TestAllocator_SeedsFromHighestSource(t *testing.T) {
	ctx := context.Background()
	repo := fixedSource{locus: 3, alleles: map[model.LocusID]model.AlleleID{1: 9}}
	held := fixedSource{locus: 5, alleles: map[model.LocusID]model.AlleleID{1: 2, 2: 4}}
	a := New(Max(repo, held), nil)

	id, err := a.NextLocusID(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LocusID(6), id)

	aid, err := a.NextAlleleID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.AlleleID(10), aid)

	aid, err = a.NextAlleleID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.AlleleID(5), aid)
}
