package deletion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/schemareg/metrics"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository"
	"github.com/hupe1980/schemareg/resource"
	"github.com/hupe1980/schemareg/retry"
)

// Artifacts removes the side artifacts of a schema. Missing artifacts are
// not an error.
type Artifacts interface {
	Remove(ctx context.Context, ref model.SchemaRef) error
}

// Options configures an Engine.
type Options struct {
	Workers   int
	Retry     retry.Policy
	Artifacts Artifacts
	// Resources optionally bounds delete throughput.
	Resources *resource.Controller
	Clock     func() time.Time
	Logger    *slog.Logger
	Metrics   metrics.Collector
}

// DefaultOptions returns the options New starts from. Resources are
// unbounded unless a controller is set.
func DefaultOptions() Options {
	return Options{
		Workers: 8,
		Retry:   retry.DefaultPolicy(),
		Clock:   time.Now,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.Noop{},
	}
}

// Engine executes cascading deletions.
type Engine struct {
	repo repository.Repository
	b    repository.Builder
	opts Options
}

// New creates an Engine.
func New(repo repository.Repository, b repository.Builder, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{repo: repo, b: b, opts: opts}
}

// task is one per-entity delete.
type task struct {
	locus model.LocusID
	uri   string
	st    repository.Statement
}

// held tracks loci that must not advance to later steps.
type held struct {
	mu   sync.Mutex
	loci map[model.LocusID]struct{}
}

func (h *held) add(id model.LocusID) {
	h.mu.Lock()
	if h.loci == nil {
		h.loci = make(map[model.LocusID]struct{})
	}
	h.loci[id] = struct{}{}
	h.mu.Unlock()
}

func (h *held) has(id model.LocusID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.loci[id]
	return ok
}

func fatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// retried runs a read under the retry policy.
func (d *Engine) retried(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := d.opts.Retry.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if repository.IsPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return err
}

// remove applies one delete statement and returns the facts it removed.
func (d *Engine) remove(ctx context.Context, step Step, st repository.Statement) (int, error) {
	start := d.opts.Clock()
	var removed int
	attempts, err := d.opts.Retry.Do(ctx, func(ctx context.Context) error {
		if err := d.opts.Resources.AwaitWrite(ctx, st.Size()); err != nil {
			return retry.Permanent(err)
		}
		n, err := d.repo.Apply(ctx, st)
		if err != nil {
			if repository.IsPermanent(err) || errors.Is(err, repository.ErrPayloadTooLarge) {
				return retry.Permanent(err)
			}
			return err
		}
		removed = n
		return nil
	})
	d.opts.Metrics.RecordWrite("delete_"+step.String(), d.opts.Clock().Sub(start), attempts, err)
	return removed, err
}

// runStep executes the tasks of one step on a fresh worker pool. Tasks of
// loci held by an earlier step are skipped. A failing task holds its locus
// from the next step on; its siblings in this step still run.
func (d *Engine) runStep(ctx context.Context, step Step, tasks []task, h *held, t *tally) error {
	run := make([]task, 0, len(tasks))
	for _, tk := range tasks {
		if tk.locus == 0 || !h.has(tk.locus) {
			run = append(run, tk)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, tk := range run {
		g.Go(func() error {
			n, err := d.remove(gctx, step, tk.st)
			if err != nil {
				if fatal(err) {
					return err
				}
				d.opts.Logger.Warn("delete failed",
					slog.String("step", step.String()),
					slog.String("entity", tk.uri),
					slog.Any("error", err))
				t.fail(step, tk.uri)
				if tk.locus != 0 {
					h.add(tk.locus)
				}
				return nil
			}
			t.removed(step, n)
			return nil
		})
	}
	return g.Wait()
}

// alleleTasks lists the alleles of every locus. A locus whose alleles
// cannot be listed is held.
func (d *Engine) alleleTasks(ctx context.Context, loci []model.LocusID, h *held, t *tally) ([]task, error) {
	var tasks []task
	for _, id := range loci {
		var alleles []model.AlleleID
		err := d.retried(ctx, func(ctx context.Context) error {
			var err error
			alleles, err = d.repo.LocusAlleles(ctx, id)
			return err
		})
		if err != nil {
			if fatal(err) {
				return nil, err
			}
			t.fail(StepAlleles, d.b.NS.Locus(id))
			h.add(id)
			continue
		}
		for _, a := range alleles {
			tasks = append(tasks, task{locus: id, uri: d.b.NS.Allele(id, a), st: d.b.DeleteAllele(id, a)})
		}
	}
	return tasks, nil
}

func (d *Engine) finish(target string, t *tally, start time.Time, log *slog.Logger) Receipt {
	r := t.receipt()
	elapsed := d.opts.Clock().Sub(start)
	d.opts.Metrics.RecordDeletion(target, r.TotalFacts, r.FailedCount(), elapsed)
	log.Info("deletion finished",
		slog.Int("loci", r.Loci),
		slog.Int("alleles", r.Alleles),
		slog.Int("total_facts", r.TotalFacts),
		slog.Int("failed", r.FailedCount()),
		slog.Duration("elapsed", elapsed))
	return r
}

// DeleteSchema removes a schema, its loci, their alleles and links, and its
// side artifacts. It returns ErrNotFound if the schema does not exist.
// A partial failure can be completed by calling DeleteSchema again.
func (d *Engine) DeleteSchema(ctx context.Context, ref model.SchemaRef) (Receipt, error) {
	start := d.opts.Clock()
	log := d.opts.Logger.With(slog.String("schema", ref.String()))

	var loci []model.LocusID
	err := d.retried(ctx, func(ctx context.Context) error {
		var err error
		loci, err = d.repo.SchemaLoci(ctx, ref)
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	log.Info("deleting schema", slog.Int("loci", len(loci)))

	t := newTally()
	h := &held{}

	alleles, err := d.alleleTasks(ctx, loci, h, t)
	if err != nil {
		return t.receipt(), err
	}
	steps := []struct {
		step  Step
		build func(id model.LocusID) repository.Statement
	}{
		{StepAlleles, nil},
		{StepLoci, d.b.DeleteLocus},
		{StepSpeciesLinks, d.b.UnlinkSpecies},
		{StepSchemaLinks, func(id model.LocusID) repository.Statement { return d.b.UnlinkSchema(ref, id) }},
	}
	for _, s := range steps {
		tasks := alleles
		if s.build != nil {
			tasks = make([]task, 0, len(loci))
			for _, id := range loci {
				tasks = append(tasks, task{locus: id, uri: d.b.NS.Locus(id), st: s.build(id)})
			}
		}
		if err := d.runStep(ctx, s.step, tasks, h, t); err != nil {
			return t.receipt(), err
		}
	}

	if d.opts.Artifacts != nil {
		err := d.retried(ctx, func(ctx context.Context) error {
			return d.opts.Artifacts.Remove(ctx, ref)
		})
		if err != nil {
			if fatal(err) {
				return t.receipt(), err
			}
			log.Warn("artifact removal failed", slog.Any("error", err))
			t.fail(StepArtifacts, d.b.NS.Schema(ref))
		}
	}

	if n := t.failures(StepAlleles, StepLoci, StepSpeciesLinks, StepSchemaLinks); n > 0 {
		log.Warn("schema node kept", slog.Int("failed", n))
		return d.finish("schema", t, start, log), nil
	}
	if err := d.runStep(ctx, StepSchema, []task{{uri: d.b.NS.Schema(ref), st: d.b.DeleteSchema(ref)}}, h, t); err != nil {
		return t.receipt(), err
	}
	return d.finish("schema", t, start, log), nil
}

// DeleteLoci removes loci with their alleles and links. Links are removed
// before the locus node so a partial failure can be completed by calling
// DeleteLoci again. It returns ErrNotFound before writing anything if one
// of the loci does not exist.
func (d *Engine) DeleteLoci(ctx context.Context, ids []model.LocusID) (Receipt, error) {
	start := d.opts.Clock()
	log := d.opts.Logger.With(slog.Int("loci", len(ids)))

	ids = dedupe(ids)
	homes := make(map[model.LocusID]model.SchemaRef, len(ids))
	for _, id := range ids {
		var l model.Locus
		err := d.retried(ctx, func(ctx context.Context) error {
			var err error
			l, err = d.repo.Locus(ctx, id)
			return err
		})
		if err != nil {
			return Receipt{}, err
		}
		homes[id] = l.Schema
	}

	t := newTally()
	h := &held{}

	alleles, err := d.alleleTasks(ctx, ids, h, t)
	if err != nil {
		return t.receipt(), err
	}
	if err := d.runStep(ctx, StepAlleles, alleles, h, t); err != nil {
		return t.receipt(), err
	}

	var schemaLinks, speciesLinks, nodes []task
	for _, id := range ids {
		uri := d.b.NS.Locus(id)
		if ref := homes[id]; !ref.IsZero() {
			schemaLinks = append(schemaLinks, task{locus: id, uri: uri, st: d.b.UnlinkSchema(ref, id)})
		}
		speciesLinks = append(speciesLinks, task{locus: id, uri: uri, st: d.b.UnlinkSpecies(id)})
		nodes = append(nodes, task{locus: id, uri: uri, st: d.b.DeleteLocus(id)})
	}
	for _, s := range []struct {
		step  Step
		tasks []task
	}{
		{StepSchemaLinks, schemaLinks},
		{StepSpeciesLinks, speciesLinks},
		{StepLoci, nodes},
	} {
		if err := d.runStep(ctx, s.step, s.tasks, h, t); err != nil {
			return t.receipt(), err
		}
	}
	return d.finish("loci", t, start, log), nil
}

// DeleteAlleles removes alleles of one locus. Alleles that do not exist
// count as nothing removed. It returns ErrNotFound if the locus does not
// exist.
func (d *Engine) DeleteAlleles(ctx context.Context, locus model.LocusID, ids []model.AlleleID) (Receipt, error) {
	start := d.opts.Clock()
	log := d.opts.Logger.With(slog.Int("locus", int(locus)))

	err := d.retried(ctx, func(ctx context.Context) error {
		_, err := d.repo.Locus(ctx, locus)
		return err
	})
	if err != nil {
		return Receipt{}, err
	}

	ids = dedupe(ids)
	tasks := make([]task, len(ids))
	for i, a := range ids {
		// locus left zero: one failing allele does not hold the others
		tasks[i] = task{uri: d.b.NS.Allele(locus, a), st: d.b.DeleteAllele(locus, a)}
	}
	t := newTally()
	if err := d.runStep(ctx, StepAlleles, tasks, &held{}, t); err != nil {
		return t.receipt(), err
	}
	return d.finish("alleles", t, start, log), nil
}

func dedupe[T comparable](ids []T) []T {
	seen := make(map[T]struct{}, len(ids))
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
