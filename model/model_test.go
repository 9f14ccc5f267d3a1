package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRefRoundTrip(t *testing.T) {
	ref := SchemaRef{Species: 3, Schema: 12}
	got, err := ParseSchemaRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	_, err = ParseSchemaRef("species/x/schemas/1")
	assert.Error(t, err)
	_, err = ParseSchemaRef("loci/1")
	assert.Error(t, err)
}

func TestLockToken(t *testing.T) {
	assert.True(t, Unlocked.IsUnlocked())
	assert.True(t, LockToken("").IsUnlocked())
	assert.Equal(t, "", Unlocked.Owner())

	tok := LockedBy("alice")
	assert.False(t, tok.IsUnlocked())
	assert.Equal(t, "alice", tok.Owner())
}

func TestNamespaceURIs(t *testing.T) {
	ns := NewNamespace("http://reg.test/api")
	assert.Equal(t, "http://reg.test/api/", ns.Base())
	assert.Equal(t, "http://reg.test/api/species/1/schemas/2", ns.Schema(SchemaRef{1, 2}))
	assert.Equal(t, "http://reg.test/api/species/1/schemas/2/parts/7", ns.SchemaPart(SchemaRef{1, 2}, 7))
	assert.Equal(t, "http://reg.test/api/loci/7/alleles/3", ns.Allele(7, 3))

	id, err := ns.ParseLocus(ns.Locus(42))
	require.NoError(t, err)
	assert.Equal(t, LocusID(42), id)

	l, a, err := ns.ParseAllele(ns.Allele(42, 9))
	require.NoError(t, err)
	assert.Equal(t, LocusID(42), l)
	assert.Equal(t, AlleleID(9), a)

	_, err = ns.ParseLocus(ns.Allele(42, 9))
	assert.Error(t, err)
}

func TestNormalizeAndHash(t *testing.T) {
	assert.Equal(t, "ACGTTA", NormalizeSequence(" acg\nTta "))
	assert.Equal(t, SHA256("ACGT"), SHA256(NormalizeSequence("acgt")))
	assert.Len(t, string(SHA256("ACGT")), 64)
}

func TestBatchHashIsContentBased(t *testing.T) {
	a := LocusBatch{Name: "lmo0001", Sequences: []string{"ATG", "atgc"}}
	b := LocusBatch{Name: "lmo0001", Sequences: []string{"atg", "ATGC"}}
	c := LocusBatch{Name: "lmo0002", Sequences: []string{"ATG", "ATGC"}}

	assert.Equal(t, BatchHash(a), BatchHash(b))
	assert.NotEqual(t, BatchHash(a), BatchHash(c))

	// Length prefixes keep field boundaries distinct.
	d := LocusBatch{Name: "ab", Origin: "c"}
	e := LocusBatch{Name: "a", Origin: "bc"}
	assert.NotEqual(t, BatchHash(d), BatchHash(e))
}
