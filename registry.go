package schemareg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/schemareg/artifacts"
	"github.com/hupe1980/schemareg/blobstore"
	"github.com/hupe1980/schemareg/deletion"
	"github.com/hupe1980/schemareg/executor"
	"github.com/hupe1980/schemareg/idalloc"
	"github.com/hupe1980/schemareg/lock"
	"github.com/hupe1980/schemareg/manifest"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
	"github.com/hupe1980/schemareg/resource"
	"github.com/hupe1980/schemareg/retry"
	"github.com/hupe1980/schemareg/staging"
)

// Repository is the graph repository a Registry writes to.
type Repository interface {
	repository.Repository
	// Namespace returns the base the repository's URIs are minted in.
	Namespace() model.Namespace
}

// Import describes a registered import.
type Import struct {
	// ID identifies the manifest of the import.
	ID        string
	Owner     string
	StartedAt time.Time
	// Staged is the number of batches newly staged by the call.
	Staged int
	// Pending is the number of loci not yet fully written.
	Pending int
}

// ImportResult summarizes one ResumeImport run.
type ImportResult struct {
	Pending   int
	Succeeded int
	Failed    int
	Skipped   int
	Remaining int
	// Failures lists the affected entity URIs per failure class.
	Failures map[executor.Class][]string
}

// Complete reports whether the import finished.
func (r ImportResult) Complete() bool { return r.Remaining == 0 }

// Registry is the write core of the schema registry.
type Registry struct {
	repo      Repository
	b         repository.Builder
	locks     *lock.Coordinator
	manifests manifest.Store
	staging   *staging.Area
	artifacts *artifacts.Store
	exec      *executor.Executor
	del       *deletion.Engine
	resources *resource.Controller
	opts      options

	mu      sync.Mutex
	open    map[model.SchemaRef]*manifest.Manifest
	running map[model.SchemaRef]*sync.Mutex
	closed  bool
}

// New creates a Registry on top of repo.
func New(repo Repository, optFns ...Option) (*Registry, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: nil repository", ErrInvalidArgument)
	}
	o := applyOptions(optFns)

	backend := o.lockBackend
	if backend == nil {
		ls, ok := repo.(repository.LockStore)
		if !ok {
			return nil, fmt.Errorf("%w: repository cannot store locks, configure WithLockBackend", ErrInvalidArgument)
		}
		backend = lock.FromLockStore(ls)
	}
	if o.manifestStore == nil {
		o.manifestStore = manifest.NewMemoryStore()
	}
	if o.stagingBlobs == nil {
		o.stagingBlobs = blobstore.NewMemoryStore()
	}

	r := &Registry{
		repo:      repo,
		b:         repository.NewBuilder(repo.Namespace()),
		manifests: o.manifestStore,
		staging:   staging.New(o.stagingBlobs),
		resources: resource.NewController(o.resources),
		opts:      o,
		open:      make(map[model.SchemaRef]*manifest.Manifest),
		running:   make(map[model.SchemaRef]*sync.Mutex),
	}
	r.locks = lock.New(backend, func(lo *lock.Options) {
		lo.Logger = o.logger.Logger
		lo.Clock = o.clock
	})
	if o.artifactBlobs != nil {
		r.artifacts = artifacts.New(o.artifactBlobs, func(ao *artifacts.Options) {
			ao.Resources = r.resources
			ao.Logger = o.logger.Logger
		})
	}
	r.exec = executor.New(repo, r.b, idalloc.New(idalloc.Max(repo, manifest.NewReservations(o.manifestStore)), o.counter), r.staging, func(eo *executor.Options) {
		eo.Workers = o.workers
		eo.Retry = o.retry
		eo.LongSequenceThreshold = o.longSequence
		eo.MaxBatchRows = o.maxBatchRows
		eo.Resources = r.resources
		eo.Hasher = o.hasher
		eo.Clock = o.clock
		eo.Logger = o.logger.Logger
		eo.Metrics = o.metrics
	})
	r.del = deletion.New(repo, r.b, func(do *deletion.Options) {
		do.Workers = o.workers
		do.Retry = o.retry
		if r.artifacts != nil {
			do.Artifacts = r.artifacts
		}
		do.Resources = r.resources
		do.Clock = o.clock
		do.Logger = o.logger.Logger
		do.Metrics = o.metrics
	})
	return r, nil
}

// Artifacts returns the side artifact store, or nil if none is configured.
func (r *Registry) Artifacts() *artifacts.Store { return r.artifacts }

func (r *Registry) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// serialize runs one bulk job per schema at a time in this process.
func (r *Registry) serialize(ref model.SchemaRef) func() {
	r.mu.Lock()
	m, ok := r.running[ref]
	if !ok {
		m = &sync.Mutex{}
		r.running[ref] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (r *Registry) manifest(ctx context.Context, ref model.SchemaRef) (*manifest.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if m, ok := r.open[ref]; ok {
		return m, nil
	}
	m, err := manifest.Open(ctx, r.manifests, ref)
	if err != nil {
		return nil, err
	}
	r.open[ref] = m
	return m, nil
}

func (r *Registry) forget(ref model.SchemaRef) {
	r.mu.Lock()
	delete(r.open, ref)
	r.mu.Unlock()
}

// apply writes statements in order under the retry policy.
func (r *Registry) apply(ctx context.Context, sts ...repository.Statement) error {
	for _, st := range sts {
		_, err := r.opts.retry.Do(ctx, func(ctx context.Context) error {
			if err := r.resources.AwaitWrite(ctx, st.Size()); err != nil {
				return retry.Permanent(err)
			}
			_, err := r.repo.Apply(ctx, st)
			if repository.IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) touch(ctx context.Context, ref model.SchemaRef) error {
	del, ins := r.b.TouchSchema(ref, r.opts.clock())
	return r.apply(ctx, del, ins)
}

// CreateSchema registers a new, unlocked schema owned by owner.
func (r *Registry) CreateSchema(ctx context.Context, ref model.SchemaRef, name, owner string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if ref.IsZero() || name == "" || owner == "" {
		return fmt.Errorf("%w: schema needs an id, a name and an owner", ErrInvalidArgument)
	}
	_, err := r.repo.Schema(ctx, ref)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrSchemaExists, ref)
	case !errors.Is(err, repository.ErrNotFound):
		return translateError(err)
	}

	now := r.opts.clock()
	if err := r.apply(ctx, r.b.InsertSchema(model.Schema{Ref: ref, Name: name, Owner: owner, CreatedAt: now})); err != nil {
		return translateError(err)
	}
	if reg, ok := r.opts.lockBackend.(interface {
		Register(ctx context.Context, ref model.SchemaRef, at time.Time) error
	}); ok {
		if err := reg.Register(ctx, ref, now); err != nil {
			return translateError(err)
		}
	}
	r.opts.logger.WithSchema(ref).InfoContext(ctx, "schema created", "owner", owner)
	return nil
}

// LockState returns the lock token of a schema.
func (r *Registry) LockState(ctx context.Context, ref model.SchemaRef) (model.LockToken, error) {
	tok, err := r.locks.State(ctx, ref)
	return tok, translateError(err)
}

// Lock gives owner exclusive write access to a schema.
func (r *Registry) Lock(ctx context.Context, ref model.SchemaRef, owner string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	err := r.locks.Lock(ctx, ref, owner)
	r.opts.metrics.RecordLock("lock", err)
	r.opts.logger.WithSchema(ref).WithCaller(owner, "").LogLock(ctx, "lock", err)
	return translateError(err)
}

// Unlock releases a schema. Only the owner or an Admin may unlock.
func (r *Registry) Unlock(ctx context.Context, ref model.SchemaRef, caller string, role model.Role) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	err := r.locks.Unlock(ctx, ref, caller, role)
	r.opts.metrics.RecordLock("unlock", err)
	r.opts.logger.WithSchema(ref).WithCaller(caller, role).LogLock(ctx, "unlock", err)
	return translateError(err)
}

// BeginImport stages locus batches for import into a schema. The caller
// must hold the schema lock or be an Admin. Batches merge into an
// unfinished import started by the same owner; an unfinished import of
// another owner is rejected with ErrImportInProgress unless the caller is
// an Admin. Staging the same batch again is a no-op.
func (r *Registry) BeginImport(ctx context.Context, ref model.SchemaRef, owner string, role model.Role, batches []model.LocusBatch) (Import, error) {
	if err := r.checkOpen(); err != nil {
		return Import{}, err
	}
	log := r.opts.logger.WithSchema(ref).WithCaller(owner, role)
	imp, err := r.beginImport(ctx, ref, owner, role, batches)
	log.LogBeginImport(ctx, len(batches), imp.Staged, err)
	return imp, translateError(err)
}

func (r *Registry) beginImport(ctx context.Context, ref model.SchemaRef, owner string, role model.Role, batches []model.LocusBatch) (Import, error) {
	for i, lb := range batches {
		if lb.Existing == 0 && lb.Name == "" {
			return Import{}, fmt.Errorf("%w: batch %d has no locus name", ErrInvalidArgument, i)
		}
	}
	if err := r.locks.AssertWriteAllowed(ctx, ref, owner, role); err != nil {
		return Import{}, err
	}
	defer r.serialize(ref)()

	m, err := r.manifest(ctx, ref)
	if err != nil {
		return Import{}, err
	}
	if _, begun := m.Header(); (begun || m.Len() > 0) && m.IsComplete() {
		// nothing pending: leftover of a finished or empty import
		if err := m.Discard(ctx); err != nil {
			return Import{}, err
		}
		r.forget(ref)
		if m, err = r.manifest(ctx, ref); err != nil {
			return Import{}, err
		}
	}
	if h, ok := m.Header(); ok && h.Owner != owner && role != model.RoleAdmin {
		return Import{}, &ImportConflictError{Owner: h.Owner, Pending: len(m.PendingEntries())}
	}

	loci, err := r.repo.SchemaLoci(ctx, ref)
	if err != nil {
		return Import{}, err
	}
	next := len(loci)
	for _, e := range m.Entries() {
		if e.Existing == 0 && e.Position >= next {
			next = e.Position + 1
		}
	}

	h, err := m.Begin(ctx, owner, r.opts.clock())
	if err != nil {
		return Import{}, err
	}
	imp := Import{ID: ref.String(), Owner: h.Owner, StartedAt: h.StartedAt}
	for _, lb := range batches {
		key := model.BatchHash(lb)
		if e, ok := m.Entry(key); ok && e.AllelesStaged {
			if !e.Complete() {
				// restores a staged copy lost with a volatile staging store
				if err := r.staging.Put(ctx, ref, key, lb.Sequences); err != nil {
					return imp, err
				}
			}
			continue
		}
		if err := r.staging.Put(ctx, ref, key, lb.Sequences); err != nil {
			return imp, err
		}
		entry := manifest.Entry{
			Key:         key,
			Name:        lb.Name,
			Origin:      lb.Origin,
			Existing:    lb.Existing,
			AlleleCount: len(lb.Sequences),
		}
		if lb.Existing == 0 {
			entry.Position = next
			next++
		}
		if _, err := m.StageAlleleBatch(ctx, entry); err != nil {
			return imp, err
		}
		imp.Staged++
	}
	imp.Pending = len(m.PendingEntries())
	return imp, nil
}

// ResumeImport drains the pending batches of a schema's import. Failed
// writes do not abort the run; they are reported in the result and
// retried by calling ResumeImport again. A completed import drops its
// manifest and staged data and bumps the schema's lastModified.
func (r *Registry) ResumeImport(ctx context.Context, ref model.SchemaRef, caller string, role model.Role) (ImportResult, error) {
	if err := r.checkOpen(); err != nil {
		return ImportResult{}, err
	}
	log := r.opts.logger.WithSchema(ref).WithCaller(caller, role)
	res, err := r.resumeImport(ctx, ref, caller, role)
	log.LogResume(ctx, res, err)
	return res, translateError(err)
}

func (r *Registry) resumeImport(ctx context.Context, ref model.SchemaRef, caller string, role model.Role) (ImportResult, error) {
	if err := r.locks.AssertWriteAllowed(ctx, ref, caller, role); err != nil {
		return ImportResult{}, err
	}
	defer r.serialize(ref)()
	if err := r.resources.AcquireJob(ctx); err != nil {
		return ImportResult{}, err
	}
	defer r.resources.ReleaseJob()

	m, err := r.manifest(ctx, ref)
	if err != nil {
		return ImportResult{}, err
	}
	if m.Len() == 0 {
		return ImportResult{}, nil
	}
	submitter := caller
	if h, ok := m.Header(); ok {
		submitter = h.Owner
	}

	out, err := r.exec.Run(ctx, m, submitter)
	res := ImportResult{
		Pending:   out.Pending,
		Succeeded: out.Succeeded,
		Failed:    out.Failed,
		Skipped:   out.Skipped,
		Remaining: out.Remaining,
		Failures:  out.Failures,
	}
	if err != nil || !out.Complete() {
		return res, err
	}
	return res, r.finishImport(ctx, ref, m, caller, role)
}

func (r *Registry) finishImport(ctx context.Context, ref model.SchemaRef, m *manifest.Manifest, caller string, role model.Role) error {
	if err := r.touch(ctx, ref); err != nil {
		return err
	}
	if err := r.staging.Drop(ctx, ref); err != nil {
		return err
	}
	if err := m.Drop(ctx); err != nil {
		return err
	}
	r.forget(ref)
	if r.opts.autoUnlock {
		return r.locks.Unlock(ctx, ref, caller, role)
	}
	return nil
}

// IsComplete reports whether a schema has no unfinished import.
func (r *Registry) IsComplete(ctx context.Context, ref model.SchemaRef) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	m, err := r.manifest(ctx, ref)
	if err != nil {
		return false, translateError(err)
	}
	return m.IsComplete(), nil
}

// DeleteSchema removes a schema with its loci, alleles, links and side
// artifacts. An unfinished import of the schema is discarded once the
// deletion is complete. A partial failure is reported in the receipt and
// can be completed by calling DeleteSchema again.
func (r *Registry) DeleteSchema(ctx context.Context, ref model.SchemaRef, caller string, role model.Role) (deletion.Receipt, error) {
	if err := r.checkOpen(); err != nil {
		return deletion.Receipt{}, err
	}
	log := r.opts.logger.WithSchema(ref).WithCaller(caller, role)
	receipt, err := r.deleteSchema(ctx, ref, caller, role)
	log.LogDeletion(ctx, "schema", receipt, err)
	return receipt, translateError(err)
}

func (r *Registry) deleteSchema(ctx context.Context, ref model.SchemaRef, caller string, role model.Role) (deletion.Receipt, error) {
	if err := r.locks.AssertWriteAllowed(ctx, ref, caller, role); err != nil {
		return deletion.Receipt{}, err
	}
	defer r.serialize(ref)()
	if err := r.resources.AcquireJob(ctx); err != nil {
		return deletion.Receipt{}, err
	}
	defer r.resources.ReleaseJob()

	receipt, err := r.del.DeleteSchema(ctx, ref)
	if err != nil || receipt.Schema == 0 {
		return receipt, err
	}
	m, err := r.manifest(ctx, ref)
	if err != nil {
		return receipt, err
	}
	if err := m.Discard(ctx); err != nil {
		return receipt, err
	}
	r.forget(ref)
	return receipt, r.staging.Drop(ctx, ref)
}

// homes returns the schemas the loci are linked to. Unlinked loci map to
// the zero SchemaRef.
func (r *Registry) homes(ctx context.Context, ids []model.LocusID) (map[model.SchemaRef]struct{}, error) {
	out := make(map[model.SchemaRef]struct{})
	for _, id := range ids {
		l, err := r.repo.Locus(ctx, id)
		if err != nil {
			return nil, err
		}
		out[l.Schema] = struct{}{}
	}
	return out, nil
}

// authorizeLoci checks write access to every schema the loci belong to.
// Unlinked loci may only be touched by an Admin.
func (r *Registry) authorizeLoci(ctx context.Context, ids []model.LocusID, caller string, role model.Role) (map[model.SchemaRef]struct{}, error) {
	homes, err := r.homes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for ref := range homes {
		if ref.IsZero() {
			if role != model.RoleAdmin {
				return nil, fmt.Errorf("%w: unlinked locus", lock.ErrNotAuthorized)
			}
			continue
		}
		if err := r.locks.AssertWriteAllowed(ctx, ref, caller, role); err != nil {
			return nil, err
		}
	}
	return homes, nil
}

// DeleteLoci removes loci with their alleles and links. The caller must
// hold the lock of every schema the loci belong to, or be an Admin.
func (r *Registry) DeleteLoci(ctx context.Context, ids []model.LocusID, caller string, role model.Role) (deletion.Receipt, error) {
	if err := r.checkOpen(); err != nil {
		return deletion.Receipt{}, err
	}
	log := r.opts.logger.WithCaller(caller, role)
	receipt, err := r.deleteLoci(ctx, ids, caller, role)
	log.LogDeletion(ctx, "loci", receipt, err)
	return receipt, translateError(err)
}

func (r *Registry) deleteLoci(ctx context.Context, ids []model.LocusID, caller string, role model.Role) (deletion.Receipt, error) {
	homes, err := r.authorizeLoci(ctx, ids, caller, role)
	if err != nil {
		return deletion.Receipt{}, err
	}
	if err := r.resources.AcquireJob(ctx); err != nil {
		return deletion.Receipt{}, err
	}
	defer r.resources.ReleaseJob()

	receipt, err := r.del.DeleteLoci(ctx, ids)
	if err != nil {
		return receipt, err
	}
	if receipt.SchemaLinks > 0 {
		for ref := range homes {
			if ref.IsZero() {
				continue
			}
			if err := r.touch(ctx, ref); err != nil {
				return receipt, err
			}
		}
	}
	return receipt, nil
}

// DeleteAlleles removes alleles of one locus. The caller must hold the lock
// of the locus's schema, or be an Admin.
func (r *Registry) DeleteAlleles(ctx context.Context, locus model.LocusID, ids []model.AlleleID, caller string, role model.Role) (deletion.Receipt, error) {
	if err := r.checkOpen(); err != nil {
		return deletion.Receipt{}, err
	}
	log := r.opts.logger.WithCaller(caller, role)
	receipt, err := func() (deletion.Receipt, error) {
		if _, err := r.authorizeLoci(ctx, []model.LocusID{locus}, caller, role); err != nil {
			return deletion.Receipt{}, err
		}
		return r.del.DeleteAlleles(ctx, locus, ids)
	}()
	log.LogDeletion(ctx, "alleles", receipt, err)
	return receipt, translateError(err)
}

// DeprecateLocus marks the link of a locus in a schema as deprecated. The
// locus and its alleles stay in place.
func (r *Registry) DeprecateLocus(ctx context.Context, ref model.SchemaRef, locus model.LocusID, caller string, role model.Role) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	err := func() error {
		if err := r.locks.AssertWriteAllowed(ctx, ref, caller, role); err != nil {
			return err
		}
		loci, err := r.repo.SchemaLoci(ctx, ref)
		if err != nil {
			return err
		}
		linked := false
		for _, id := range loci {
			if id == locus {
				linked = true
				break
			}
		}
		if !linked {
			return fmt.Errorf("locus %d in schema %s: %w", locus, ref, repository.ErrNotFound)
		}
		del, ins := r.b.DeprecateLink(ref, locus)
		if err := r.apply(ctx, del, ins); err != nil {
			return err
		}
		return r.touch(ctx, ref)
	}()
	if err != nil {
		r.opts.logger.WithSchema(ref).ErrorContext(ctx, "deprecate locus failed", "locus", int(locus), "error", err)
	}
	return translateError(err)
}

// Close releases the manifest store. Further calls fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.open = nil
	r.mu.Unlock()
	return r.manifests.Close()
}
