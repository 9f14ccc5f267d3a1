package schemareg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/schemareg/blobstore"
	"github.com/hupe1980/schemareg/executor"
	"github.com/hupe1980/schemareg/manifest"
	"github.com/hupe1980/schemareg/metrics"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
	"github.com/hupe1980/schemareg/repository/faulty"
	"github.com/hupe1980/schemareg/repository/memory"
	"github.com/hupe1980/schemareg/retry"
)

var (
	ns    = model.NewNamespace("http://registry.test/")
	refA  = model.SchemaRef{Species: 1, Schema: 1}
	refB  = model.SchemaRef{Species: 1, Schema: 2}
	epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// fakeClock advances by one second per reading.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testOptions(extra ...Option) []Option {
	clock := &fakeClock{now: epoch}
	return append([]Option{
		WithWorkers(2),
		WithRetryPolicy(retry.Policy{
			MaxAttempts: 3,
			Delay:       retry.Fixed(time.Millisecond),
			Sleep:       func(context.Context, time.Duration) error { return nil },
		}),
		WithClock(clock.Now),
	}, extra...)
}

func newRegistry(t *testing.T, repo Repository, extra ...Option) *Registry {
	t.Helper()
	reg, err := New(repo, testOptions(extra...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func lockedSchema(t *testing.T, reg *Registry, ref model.SchemaRef, owner string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, reg.CreateSchema(ctx, ref, "schema "+ref.String(), owner))
	require.NoError(t, reg.Lock(ctx, ref, owner))
}

func batches(names ...string) []model.LocusBatch {
	out := make([]model.LocusBatch, len(names))
	for i, n := range names {
		out[i] = model.LocusBatch{
			Name:      n,
			Sequences: []string{"ATG" + n + "A", "ATG" + n + "C", "ATG" + n + "G"},
		}
	}
	return out
}

func TestCreateSchema(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, memory.New(ns))

	require.NoError(t, reg.CreateSchema(ctx, refA, "cgMLST", "alice"))
	assert.ErrorIs(t, reg.CreateSchema(ctx, refA, "again", "bob"), ErrSchemaExists)
	assert.ErrorIs(t, reg.CreateSchema(ctx, refB, "", "bob"), ErrInvalidArgument)

	state, err := reg.LockState(ctx, refA)
	require.NoError(t, err)
	assert.True(t, state.IsUnlocked())
}

func TestLockLifecycle(t *testing.T) {
	ctx := context.Background()
	basic := &metrics.Basic{}
	reg := newRegistry(t, memory.New(ns), WithMetricsCollector(basic))
	require.NoError(t, reg.CreateSchema(ctx, refA, "cgMLST", "alice"))

	require.NoError(t, reg.Lock(ctx, refA, "alice"))
	assert.ErrorIs(t, reg.Lock(ctx, refA, "bob"), ErrAlreadyLocked)
	assert.ErrorIs(t, reg.Lock(ctx, refA, "alice"), ErrAlreadyLocked)
	assert.ErrorIs(t, reg.Unlock(ctx, refA, "bob", model.RoleContributor), ErrNotAuthorized)
	assert.ErrorIs(t, reg.Lock(ctx, refA, string(model.Unlocked)), ErrInvalidArgument)
	assert.ErrorIs(t, reg.Lock(ctx, refB, "alice"), ErrNotFound)

	require.NoError(t, reg.Unlock(ctx, refA, "root", model.RoleAdmin))
	require.NoError(t, reg.Unlock(ctx, refA, "bob", model.RoleUser), "unlocking an unlocked schema is a no-op")
	require.NoError(t, reg.Lock(ctx, refA, "bob"))

	assert.Equal(t, int64(5), basic.LockConflicts.Load())
}

func TestConcurrentLockHasOneWinner(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, memory.New(ns))
	require.NoError(t, reg.CreateSchema(ctx, refA, "cgMLST", "alice"))

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			err := reg.Lock(ctx, refA, owner)
			if err == nil {
				mu.Lock()
				wins = append(wins, owner)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyLocked)
		}(string(rune('a' + i)))
	}
	wg.Wait()
	require.Len(t, wins, 1)

	state, err := reg.LockState(ctx, refA)
	require.NoError(t, err)
	assert.Equal(t, wins[0], state.Owner())
}

func TestImportRequiresLock(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, memory.New(ns))
	require.NoError(t, reg.CreateSchema(ctx, refA, "cgMLST", "alice"))

	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC"))
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, reg.Lock(ctx, refA, "alice"))
	_, err = reg.BeginImport(ctx, refA, "bob", model.RoleContributor, batches("aroC"))
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = reg.ResumeImport(ctx, refA, "bob", model.RoleContributor)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = reg.BeginImport(ctx, refA, "alice", model.RoleContributor, []model.LocusBatch{{Sequences: []string{"ACGT"}}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestImportEndToEnd(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(ns)
	reg := newRegistry(t, mem, WithAutoUnlock(true))
	lockedSchema(t, reg, refA, "alice")
	before, err := mem.Schema(ctx, refA)
	require.NoError(t, err)

	imp, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC", "dnaN"))
	require.NoError(t, err)
	assert.Equal(t, 2, imp.Staged)
	assert.Equal(t, 2, imp.Pending)
	assert.Equal(t, "alice", imp.Owner)

	done, err := reg.IsComplete(ctx, refA)
	require.NoError(t, err)
	assert.False(t, done)

	res, err := reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, 2, res.Pending)
	assert.Zero(t, res.Failed)

	done, err = reg.IsComplete(ctx, refA)
	require.NoError(t, err)
	assert.True(t, done)

	schema, err := mem.Schema(ctx, refA)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.LocusID{1, 2}, schema.Loci)
	assert.True(t, schema.Lock.IsUnlocked(), "auto unlock")
	assert.True(t, schema.LastModified.After(before.LastModified))

	// a later import appends after the existing loci
	require.NoError(t, reg.Lock(ctx, refA, "alice"))
	_, err = reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("hemD"))
	require.NoError(t, err)
	_, err = reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	loci, err := mem.SchemaLoci(ctx, refA)
	require.NoError(t, err)
	require.Len(t, loci, 3)
	assert.Equal(t, model.LocusID(3), loci[2])
}

func TestBeginImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, memory.New(ns))
	lockedSchema(t, reg, refA, "alice")

	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC", "dnaN"))
	require.NoError(t, err)
	imp, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("dnaN", "hemD"))
	require.NoError(t, err)
	assert.Equal(t, 1, imp.Staged)
	assert.Equal(t, 3, imp.Pending)
}

func TestBeginImportConflict(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, memory.New(ns))
	lockedSchema(t, reg, refA, "alice")

	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC"))
	require.NoError(t, err)

	// the lock moves on while alice's import is unfinished
	require.NoError(t, reg.Unlock(ctx, refA, "root", model.RoleAdmin))
	require.NoError(t, reg.Lock(ctx, refA, "bob"))

	_, err = reg.BeginImport(ctx, refA, "bob", model.RoleContributor, batches("dnaN"))
	require.ErrorIs(t, err, ErrImportInProgress)
	var conflict *ImportConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "alice", conflict.Owner)
	assert.Equal(t, 1, conflict.Pending)

	imp, err := reg.BeginImport(ctx, refA, "root", model.RoleAdmin, batches("dnaN"))
	require.NoError(t, err)
	assert.Equal(t, "alice", imp.Owner, "an admin merges into the running import")
	assert.Equal(t, 2, imp.Pending)

	res, err := reg.ResumeImport(ctx, refA, "bob", model.RoleContributor)
	require.NoError(t, err)
	assert.True(t, res.Complete())

	// once finished, another owner may start a new import
	imp, err = reg.BeginImport(ctx, refA, "bob", model.RoleContributor, batches("hemD"))
	require.NoError(t, err)
	assert.Equal(t, "bob", imp.Owner)
}

func TestResumeImportAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(ns)
	repo := faulty.New(mem)
	reg := newRegistry(t, repo, WithAutoUnlock(true))
	lockedSchema(t, reg, refA, "alice")

	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC", "dnaN", "hemD"))
	require.NoError(t, err)

	repo.AddRule(faulty.Fault{Match: ns.Locus(2), Op: repository.OpInsert, Times: 3})
	res, err := reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	assert.False(t, res.Complete())
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, []string{ns.Locus(2)}, res.Failures[executor.ClassTransient])

	state, err := reg.LockState(ctx, refA)
	require.NoError(t, err)
	assert.Equal(t, "alice", state.Owner(), "a partial import keeps the schema locked")

	res, err = reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, 1, res.Pending)

	// ids follow the schema positions
	loci, err := mem.SchemaLoci(ctx, refA)
	require.NoError(t, err)
	assert.Equal(t, []model.LocusID{1, 2, 3}, loci)
	for i, name := range []string{"aroC", "dnaN", "hemD"} {
		l, err := mem.Locus(ctx, loci[i])
		require.NoError(t, err)
		assert.Equal(t, name, l.Name)
	}
}

func TestImportSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mem := memory.New(ns)
	repo := faulty.New(mem)
	staged := blobstore.NewMemoryStore()

	open := func() *Registry {
		store, err := manifest.OpenJournalStore(dir)
		require.NoError(t, err)
		reg, err := New(repo, testOptions(WithManifestStore(store), WithStagingStore(staged))...)
		require.NoError(t, err)
		return reg
	}

	reg := open()
	lockedSchema(t, reg, refA, "alice")
	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC", "dnaN"))
	require.NoError(t, err)

	repo.AddRule(faulty.Fault{Match: ns.Allele(2, 1), Op: repository.OpInsert, Times: 3})
	res, err := reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	require.Equal(t, 1, res.Remaining)
	require.NoError(t, reg.Close())

	reg = open()
	defer reg.Close()
	done, err := reg.IsComplete(ctx, refA)
	require.NoError(t, err)
	assert.False(t, done)

	res, err = reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, 3, repo.Hits(ns.Allele(2, 1)))

	alleles, err := mem.LocusAlleles(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []model.AlleleID{1, 2, 3}, alleles)
	assert.Zero(t, staged.Len(), "staged batches are dropped")
}

func TestReservedLocusIDsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mem := memory.New(ns)
	repo := faulty.New(mem)
	staged := blobstore.NewMemoryStore()

	open := func() *Registry {
		store, err := manifest.OpenPebbleStore(dir, nil)
		require.NoError(t, err)
		reg, err := New(repo, testOptions(WithManifestStore(store), WithStagingStore(staged))...)
		require.NoError(t, err)
		return reg
	}

	reg := open()
	lockedSchema(t, reg, refA, "alice")
	lockedSchema(t, reg, refB, "bob")
	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC"))
	require.NoError(t, err)

	// locus 1 is reserved for aroC but never inserted
	repo.AddRule(faulty.Fault{Match: ns.Locus(1), Op: repository.OpInsert, Times: 3})
	res, err := reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	require.Equal(t, 1, res.Remaining)
	require.NoError(t, reg.Close())

	reg = open()
	defer reg.Close()
	_, err = reg.BeginImport(ctx, refB, "bob", model.RoleContributor, batches("dnaN"))
	require.NoError(t, err)
	res, err = reg.ResumeImport(ctx, refB, "bob", model.RoleContributor)
	require.NoError(t, err)
	require.True(t, res.Complete())

	res, err = reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	require.True(t, res.Complete())

	lociA, err := mem.SchemaLoci(ctx, refA)
	require.NoError(t, err)
	lociB, err := mem.SchemaLoci(ctx, refB)
	require.NoError(t, err)
	assert.Equal(t, []model.LocusID{1}, lociA)
	assert.Equal(t, []model.LocusID{2}, lociB)

	l, err := mem.Locus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "aroC", l.Name)
	assert.Equal(t, 1, mem.Count(repository.Pattern{Subject: ns.Locus(1), Predicate: repository.PredName}))
}

// brokenStore fails every manifest write.
type brokenStore struct{ manifest.Store }

func (brokenStore) Put(context.Context, model.SchemaRef, string, []byte) error {
	return errors.New("disk full")
}

func TestManifestUnavailable(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, memory.New(ns), WithManifestStore(brokenStore{manifest.NewMemoryStore()}))
	lockedSchema(t, reg, refA, "alice")

	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC"))
	assert.ErrorIs(t, err, ErrManifestUnavailable)
}

func TestHashCollisionIsReported(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(ns)
	constant := func(string) model.SequenceHash { return "same" }
	reg := newRegistry(t, mem, WithSequenceHasher(constant))
	lockedSchema(t, reg, refA, "alice")

	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, []model.LocusBatch{
		{Name: "aroC", Sequences: []string{"AAAA", "CCCC"}},
	})
	require.NoError(t, err)
	res, err := reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	assert.Equal(t, []string{ns.Allele(1, 2)}, res.Failures[executor.ClassHashCollision])

	residues, ok, err := mem.Sequence(ctx, "same")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "AAAA", residues)
}

func TestDeleteSchema(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(ns)
	reg := newRegistry(t, mem, WithArtifactStore(blobstore.NewMemoryStore()))
	lockedSchema(t, reg, refA, "alice")
	lockedSchema(t, reg, refB, "bob")

	seqs := func(prefix string) []string {
		out := make([]string, 5)
		for i := range out {
			out[i] = prefix + string(rune('A'+i)) + "TTT"
		}
		return out
	}
	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, []model.LocusBatch{
		{Name: "aroC", Sequences: seqs("AC")},
		{Name: "dnaN", Sequences: seqs("GT")},
	})
	require.NoError(t, err)
	_, err = reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	_, err = reg.BeginImport(ctx, refB, "bob", model.RoleContributor, batches("hemD"))
	require.NoError(t, err)
	_, err = reg.ResumeImport(ctx, refB, "bob", model.RoleContributor)
	require.NoError(t, err)
	require.NoError(t, reg.Artifacts().PutDescription(ctx, refA, "doomed"))

	_, err = reg.DeleteSchema(ctx, refA, "bob", model.RoleContributor)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	receipt, err := reg.DeleteSchema(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Schema)
	assert.Equal(t, 2, receipt.Loci)
	assert.Equal(t, 10, receipt.Alleles)
	assert.Equal(t, 86, receipt.TotalFacts)

	_, err = reg.Artifacts().Description(ctx, refA)
	assert.Error(t, err)
	_, err = reg.LockState(ctx, refA)
	assert.ErrorIs(t, err, ErrNotFound)

	loci, err := mem.SchemaLoci(ctx, refB)
	require.NoError(t, err)
	require.Len(t, loci, 1)
	alleles, err := mem.LocusAlleles(ctx, loci[0])
	require.NoError(t, err)
	assert.Len(t, alleles, 3)
}

func TestDeleteLociAndAlleles(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(ns)
	reg := newRegistry(t, mem)
	lockedSchema(t, reg, refA, "alice")
	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC", "dnaN"))
	require.NoError(t, err)
	_, err = reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)

	_, err = reg.DeleteLoci(ctx, []model.LocusID{1}, "bob", model.RoleContributor)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = reg.DeleteLoci(ctx, []model.LocusID{9}, "alice", model.RoleContributor)
	assert.ErrorIs(t, err, ErrNotFound)

	receipt, err := reg.DeleteAlleles(ctx, 2, []model.AlleleID{1, 3}, "alice", model.RoleContributor)
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Alleles)

	receipt, err = reg.DeleteLoci(ctx, []model.LocusID{1}, "alice", model.RoleContributor)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Loci)
	assert.Equal(t, 3, receipt.Alleles)

	loci, err := mem.SchemaLoci(ctx, refA)
	require.NoError(t, err)
	assert.Equal(t, []model.LocusID{2}, loci)
	alleles, err := mem.LocusAlleles(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []model.AlleleID{2}, alleles)
}

func TestDeprecateLocus(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(ns)
	reg := newRegistry(t, mem)
	lockedSchema(t, reg, refA, "alice")
	_, err := reg.BeginImport(ctx, refA, "alice", model.RoleContributor, batches("aroC"))
	require.NoError(t, err)
	_, err = reg.ResumeImport(ctx, refA, "alice", model.RoleContributor)
	require.NoError(t, err)

	require.NoError(t, reg.DeprecateLocus(ctx, refA, 1, "alice", model.RoleContributor))
	l, err := mem.Locus(ctx, 1)
	require.NoError(t, err)
	assert.True(t, l.Deprecated)

	assert.ErrorIs(t, reg.DeprecateLocus(ctx, refA, 7, "alice", model.RoleContributor), ErrNotFound)
}

func TestClosedRegistry(t *testing.T) {
	ctx := context.Background()
	reg, err := New(memory.New(ns), testOptions()...)
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	assert.ErrorIs(t, reg.Lock(ctx, refA, "alice"), ErrClosed)
	_, err = reg.IsComplete(ctx, refA)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTranslateError(t *testing.T) {
	assert.Nil(t, translateError(nil))
	assert.ErrorIs(t, translateError(&retry.ExhaustedError{Attempts: 3, Err: repository.ErrUnavailable}), ErrTransientWrite)
	assert.ErrorIs(t, translateError(&repository.CollisionError{}), ErrHashCollision)
	assert.ErrorIs(t, translateError(manifest.ErrUnavailable), ErrManifestUnavailable)

	plain := errors.New("plain")
	assert.Same(t, plain, translateError(plain))
}
