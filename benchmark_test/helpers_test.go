package benchmark_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/hupe1980/schemareg"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository/memory"
	"github.com/hupe1980/schemareg/retry"
)

const (
	benchSeed   = 4711
	alleleLen   = 300
	benchOwner  = "bench"
	benchNSBase = "http://bench.local/"
)

// OpenBenchRegistry opens a registry over a fresh in-memory repository.
func OpenBenchRegistry(b *testing.B, workers int) (*schemareg.Registry, *memory.Store) {
	b.Helper()
	repo := memory.New(model.NewNamespace(benchNSBase))
	reg, err := schemareg.New(repo,
		schemareg.WithWorkers(workers),
		schemareg.WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
	)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = reg.Close() })
	return reg, repo
}

// lockedSchema creates schema number i and locks it for benchOwner.
func lockedSchema(b *testing.B, reg *schemareg.Registry, i int) model.SchemaRef {
	b.Helper()
	ctx := context.Background()
	ref := model.SchemaRef{Species: 1, Schema: i}
	if err := reg.CreateSchema(ctx, ref, fmt.Sprintf("bench-%d", i), benchOwner); err != nil {
		b.Fatal(err)
	}
	if err := reg.Lock(ctx, ref, benchOwner); err != nil {
		b.Fatal(err)
	}
	return ref
}

// importAll stages batches and drains the import.
func importAll(b *testing.B, reg *schemareg.Registry, ref model.SchemaRef, batches []model.LocusBatch) {
	b.Helper()
	ctx := context.Background()
	if _, err := reg.BeginImport(ctx, ref, benchOwner, model.RoleContributor, batches); err != nil {
		b.Fatal(err)
	}
	res, err := reg.ResumeImport(ctx, ref, benchOwner, model.RoleContributor)
	if err != nil {
		b.Fatal(err)
	}
	if !res.Complete() {
		b.Fatalf("import incomplete: %+v", res.Failures)
	}
}
