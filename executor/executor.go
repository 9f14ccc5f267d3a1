package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/schemareg/manifest"
	"github.com/hupe1980/schemareg/metrics"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
	"github.com/hupe1980/schemareg/resource"
	"github.com/hupe1980/schemareg/retry"
)

// Allocator issues locus ids and allele tickets.
type Allocator interface {
	NextLocusID(ctx context.Context) (model.LocusID, error)
	ReserveAlleleIDs(ctx context.Context, locus model.LocusID, n int) (model.AlleleID, error)
}

// Staging returns the sequences of a staged batch.
type Staging interface {
	Get(ctx context.Context, ref model.SchemaRef, key string) ([]string, error)
}

// Options configures an Executor.
type Options struct {
	// Workers is the size of the worker pool of each phase.
	Workers int
	Retry   retry.Policy
	// LongSequenceThreshold is the residue length above which an allele
	// is written on its own.
	LongSequenceThreshold int
	// MaxBatchRows caps the alleles of one grouped insert.
	MaxBatchRows int
	// Resources optionally bounds write throughput and staged memory.
	Resources *resource.Controller
	Hasher    model.Hasher
	Clock     func() time.Time
	Logger    *slog.Logger
	Metrics   metrics.Collector
}

// DefaultOptions returns the options New starts from. Resources are
// unbounded unless a controller is set.
func DefaultOptions() Options {
	return Options{
		Workers:               8,
		Retry:                 retry.DefaultPolicy(),
		LongSequenceThreshold: 10000,
		MaxBatchRows:          100,
		Hasher:                model.SHA256,
		Clock:                 time.Now,
		Logger:                slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:               metrics.Noop{},
	}
}

// Executor writes manifest entries to a repository.
type Executor struct {
	repo    repository.Repository
	b       repository.Builder
	alloc   Allocator
	staging Staging
	opts    Options
}

// New creates an Executor.
func New(repo repository.Repository, b repository.Builder, alloc Allocator, stage Staging, optFns ...func(o *Options)) *Executor {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxBatchRows < 1 {
		opts.MaxBatchRows = 1
	}
	return &Executor{repo: repo, b: b, alloc: alloc, staging: stage, opts: opts}
}

// Run drains the pending entries of m. Allele facts name submitter as their
// sender. The returned error is non-nil only when the run had to stop
// early; per-write failures are reported in the Outcome.
func (x *Executor) Run(ctx context.Context, m *manifest.Manifest, submitter string) (Outcome, error) {
	start := x.opts.Clock()
	rec := &recorder{}

	pending := m.PendingEntries()
	rec.o.Pending = len(pending)
	if len(pending) == 0 {
		return rec.outcome(), nil
	}

	log := x.opts.Logger.With(slog.String("schema", m.Ref().String()))
	log.Info("import run started", slog.Int("pending", len(pending)), slog.Int("workers", x.opts.Workers))

	err := x.integrateLoci(ctx, m, pending, rec)
	if err == nil {
		err = x.writeAlleles(ctx, m, submitter, rec)
	}

	out := rec.outcome()
	out.Remaining = len(m.PendingEntries())
	x.opts.Metrics.RecordImport(out.Pending, out.Succeeded, out.Failed, x.opts.Clock().Sub(start))

	if err != nil {
		log.Error("import run aborted", slog.Any("error", err), slog.Int("succeeded", out.Succeeded))
		return out, err
	}
	log.Info("import run finished",
		slog.Int("succeeded", out.Succeeded),
		slog.Int("failed", out.Failed),
		slog.Int("skipped", out.Skipped),
		slog.Int("remaining", out.Remaining),
		slog.Duration("elapsed", x.opts.Clock().Sub(start)))
	return out, nil
}

// fatal reports whether err must stop the run.
func fatal(err error) bool {
	return errors.Is(err, manifest.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// write applies st through the resource controller and the retry policy.
func (x *Executor) write(ctx context.Context, op string, st repository.Statement) error {
	start := x.opts.Clock()
	attempts, err := x.opts.Retry.Do(ctx, func(ctx context.Context) error {
		if err := x.opts.Resources.AwaitWrite(ctx, st.Size()); err != nil {
			return retry.Permanent(err)
		}
		_, err := x.repo.Apply(ctx, st)
		if repository.IsPermanent(err) || errors.Is(err, repository.ErrPayloadTooLarge) {
			return retry.Permanent(err)
		}
		return err
	})
	x.opts.Metrics.RecordWrite(op, x.opts.Clock().Sub(start), attempts, err)
	if attempts > 1 && err == nil {
		x.opts.Logger.Debug("write succeeded after retry", slog.String("op", op), slog.Int("attempts", attempts))
	}
	return err
}

// retried runs fn under the retry policy, for non-write calls.
func (x *Executor) retried(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := x.opts.Retry.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if repository.IsPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return err
}

func (x *Executor) integrateLoci(ctx context.Context, m *manifest.Manifest, pending []manifest.Entry, rec *recorder) error {
	// Locus ids are reserved in position order before any write, so ids
	// follow the schema order whatever the worker interleaving.
	var todo []manifest.Entry
	for _, e := range pending {
		if e.LocusInserted() && e.LinkedToSpecies && e.LinkedToSchema {
			continue
		}
		if e.Existing == 0 && e.ReservedLocus == 0 {
			id, err := x.reserveLocus(ctx, m, e)
			if err != nil {
				if fatal(err) {
					return err
				}
				rec.failed(err, "batch:"+e.Key)
				continue
			}
			e.ReservedLocus = id
		}
		todo = append(todo, e)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for _, e := range todo {
		g.Go(func() error {
			return x.integrateLocus(gctx, m, e, rec)
		})
	}
	return g.Wait()
}

func (x *Executor) reserveLocus(ctx context.Context, m *manifest.Manifest, e manifest.Entry) (model.LocusID, error) {
	return m.ReserveLocus(ctx, e.Key, func(ctx context.Context) (model.LocusID, error) {
		var id model.LocusID
		err := x.retried(ctx, func(ctx context.Context) error {
			var err error
			id, err = x.alloc.NextLocusID(ctx)
			return err
		})
		return id, err
	})
}

// integrateLocus moves one entry through insert, species link and schema
// link. A failed write ends the entry's chain for this run.
func (x *Executor) integrateLocus(ctx context.Context, m *manifest.Manifest, e manifest.Entry, rec *recorder) error {
	ref := m.Ref()

	if e.Existing != 0 {
		// incremental: the locus exists, nothing to create or link
		err := x.retried(ctx, func(ctx context.Context) error {
			_, err := x.repo.Locus(ctx, e.Existing)
			return err
		})
		if err != nil {
			if fatal(err) {
				return err
			}
			rec.failed(err, x.b.NS.Locus(e.Existing))
			return nil
		}
		if err := m.MarkLocusInserted(ctx, e.Key, e.Existing, x.b.NS.Locus(e.Existing)); err != nil {
			return err
		}
		if err := m.MarkLinked(ctx, e.Key, manifest.LinkSpecies); err != nil {
			return err
		}
		return m.MarkLinked(ctx, e.Key, manifest.LinkSchema)
	}

	id := e.ReservedLocus
	uri := x.b.NS.Locus(id)

	if !e.LocusInserted() {
		st := x.b.InsertLocus(model.Locus{ID: id, Name: e.Name, Origin: e.Origin})
		if err := x.write(ctx, "insert_locus", st); err != nil {
			if fatal(err) {
				return err
			}
			rec.failed(err, uri)
			return nil
		}
		rec.succeeded(1)
		if err := m.MarkLocusInserted(ctx, e.Key, id, uri); err != nil {
			return err
		}
	}

	if !e.LinkedToSpecies {
		if err := x.write(ctx, "link_species", x.b.LinkSpecies(id, ref.Species)); err != nil {
			if fatal(err) {
				return err
			}
			rec.failed(err, uri)
			return nil
		}
		rec.succeeded(1)
		if err := m.MarkLinked(ctx, e.Key, manifest.LinkSpecies); err != nil {
			return err
		}
	}

	if !e.LinkedToSchema {
		if err := x.write(ctx, "link_schema", x.b.LinkSchema(ref, id, e.Position)); err != nil {
			if fatal(err) {
				return err
			}
			rec.failed(err, uri)
			return nil
		}
		rec.succeeded(1)
		if err := m.MarkLinked(ctx, e.Key, manifest.LinkSchema); err != nil {
			return err
		}
	}
	return nil
}

// job is one allele insert statement of one entry.
type job struct {
	key      string
	ordinals []int
	rows     []repository.AlleleRow
}

func (x *Executor) writeAlleles(ctx context.Context, m *manifest.Manifest, submitter string, rec *recorder) error {
	var entries []manifest.Entry
	for _, e := range m.PendingEntries() {
		if e.AllelesStaged && e.LocusInserted() && !e.AllelesWritten() {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for _, e := range entries {
		g.Go(func() error {
			return x.writeEntryAlleles(gctx, m, e, submitter, rec)
		})
	}
	return g.Wait()
}

// writeEntryAlleles loads the staged batch of e, reserves its allele ids
// and writes the alleles not yet written. The jobs of one entry run
// sequentially on the calling worker.
func (x *Executor) writeEntryAlleles(ctx context.Context, m *manifest.Manifest, e manifest.Entry, submitter string, rec *recorder) error {
	ref := m.Ref()
	batch := "batch:" + e.Key

	var seqs []string
	err := x.retried(ctx, func(ctx context.Context) error {
		var err error
		seqs, err = x.staging.Get(ctx, ref, e.Key)
		return err
	})
	if err != nil {
		if fatal(err) {
			return err
		}
		rec.failed(err, batch)
		return nil
	}
	if len(seqs) != e.AlleleCount {
		rec.failed(fmt.Errorf("%w: staged batch has %d sequences, manifest expects %d",
			repository.ErrInvalidStatement, len(seqs), e.AlleleCount), batch)
		return nil
	}

	var size int64
	for _, s := range seqs {
		size += int64(len(s))
	}
	held, err := x.opts.Resources.AcquireStaged(ctx, size)
	if err != nil {
		return err
	}
	defer x.opts.Resources.ReleaseStaged(held)

	residues := make([]string, len(seqs))
	hashes := make([]model.SequenceHash, len(seqs))
	for i, s := range seqs {
		residues[i] = model.NormalizeSequence(s)
		hashes[i] = x.opts.Hasher(residues[i])
	}

	locus := e.ReservedLocus
	if !e.AllelesReserved() {
		var skipped []int
		if e.Existing != 0 {
			skipped, err = x.existingOrdinals(ctx, e, hashes)
			if err != nil {
				if fatal(err) {
					return err
				}
				rec.failed(err, batch)
				return nil
			}
		}
		e, err = m.ReserveAlleles(ctx, e.Key, skipped, x.opts.Clock(), func(ctx context.Context, n int) (model.AlleleID, error) {
			var first model.AlleleID
			err := x.retried(ctx, func(ctx context.Context) error {
				var err error
				first, err = x.alloc.ReserveAlleleIDs(ctx, locus, n)
				return err
			})
			return first, err
		})
		if err != nil {
			if fatal(err) {
				return err
			}
			rec.failed(err, batch)
			return nil
		}
		rec.skipped(len(skipped))
	}

	var rows []repository.AlleleRow
	var ordinals []int
	var jobs []job
	flush := func() {
		if len(rows) > 0 {
			jobs = append(jobs, job{key: e.Key, ordinals: ordinals, rows: rows})
			rows, ordinals = nil, nil
		}
	}
	for o := range seqs {
		if e.IsWritten(o) {
			continue
		}
		id, ok := e.AlleleID(o)
		if !ok {
			continue
		}
		row := repository.AlleleRow{
			Locus:      locus,
			ID:         id,
			Residues:   residues[o],
			Hash:       hashes[o],
			Submitter:  submitter,
			InsertedAt: e.EnteredAt,
		}
		if len(row.Residues) > x.opts.LongSequenceThreshold {
			jobs = append(jobs, job{key: e.Key, ordinals: []int{o}, rows: []repository.AlleleRow{row}})
			continue
		}
		rows = append(rows, row)
		ordinals = append(ordinals, o)
		if len(rows) == x.opts.MaxBatchRows {
			flush()
		}
	}
	flush()

	for _, j := range jobs {
		if err := x.runJob(ctx, m, j, rec); err != nil {
			return err
		}
	}
	return nil
}

// existingOrdinals returns the ordinals whose sequence the locus already
// has an allele for.
func (x *Executor) existingOrdinals(ctx context.Context, e manifest.Entry, hashes []model.SequenceHash) ([]int, error) {
	var skipped []int
	for o, h := range hashes {
		if e.IsWritten(o) {
			continue
		}
		var found bool
		err := x.retried(ctx, func(ctx context.Context) error {
			var err error
			_, found, err = x.repo.FindAllele(ctx, e.Existing, h)
			return err
		})
		if err != nil {
			return nil, err
		}
		if found {
			skipped = append(skipped, o)
		}
	}
	return skipped, nil
}

// runJob writes one job. A grouped insert rejected for a hash collision is
// split into single rows so only the colliding alleles fail; one rejected
// for its size is halved.
func (x *Executor) runJob(ctx context.Context, m *manifest.Manifest, j job, rec *recorder) error {
	op := "insert_alleles"
	if len(j.rows) == 1 {
		op = "insert_allele"
	}
	err := x.write(ctx, op, x.b.InsertAlleles(j.rows...))
	switch {
	case err == nil:
		rec.succeeded(1)
		return m.MarkAllelesWritten(ctx, j.key, j.ordinals...)
	case fatal(err):
		return err
	case len(j.rows) > 1 && errors.Is(err, repository.ErrHashCollision):
		x.opts.Logger.Warn("grouped insert collided, splitting", slog.String("batch", j.key), slog.Int("rows", len(j.rows)))
		for i := range j.rows {
			single := job{key: j.key, ordinals: j.ordinals[i : i+1], rows: j.rows[i : i+1]}
			if err := x.runJob(ctx, m, single, rec); err != nil {
				return err
			}
		}
		return nil
	case len(j.rows) > 1 && errors.Is(err, repository.ErrPayloadTooLarge):
		half := len(j.rows) / 2
		left := job{key: j.key, ordinals: j.ordinals[:half], rows: j.rows[:half]}
		right := job{key: j.key, ordinals: j.ordinals[half:], rows: j.rows[half:]}
		if err := x.runJob(ctx, m, left, rec); err != nil {
			return err
		}
		return x.runJob(ctx, m, right, rec)
	default:
		ids := make([]string, len(j.rows))
		for i, r := range j.rows {
			ids[i] = x.b.NS.Allele(r.Locus, r.ID)
		}
		rec.failed(err, ids...)
		return nil
	}
}
