package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/schemareg/model"
)

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("m/b"), prefixUpperBound([]byte("m/a")))
	assert.Equal(t, []byte("m0"), prefixUpperBound([]byte("m/")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff}))
}

func TestPebbleStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenPebbleStore(dir, nil)
	require.NoError(t, err)

	m, err := Open(ctx, store, testRef)
	require.NoError(t, err)
	stage(t, m, "a", 0, 3)
	stage(t, m, "b", 1, 2)
	completeEntry(t, m, "b")
	want := m.Entries()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	store, err = OpenPebbleStore(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	reopened, err := Open(ctx, store, testRef)
	require.NoError(t, err)
	assert.Equal(t, want, reopened.Entries())
	assert.Len(t, reopened.PendingEntries(), 1)
}

func TestPebbleStoreDropIsolation(t *testing.T) {
	ctx := context.Background()
	store, err := OpenPebbleStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	// species/1/schemas/1 is a string prefix of species/1/schemas/10
	a := model.SchemaRef{Species: 1, Schema: 1}
	b := model.SchemaRef{Species: 1, Schema: 10}
	require.NoError(t, store.Put(ctx, a, "k", []byte("a")))
	require.NoError(t, store.Put(ctx, b, "k", []byte("b")))

	require.NoError(t, store.Drop(ctx, a))

	got, err := store.Load(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = store.Load(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k": []byte("b")}, got)
}
