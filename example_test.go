package schemareg_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/schemareg"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/repository/memory"
)

// Example_import demonstrates a complete import into a new schema.
func Example_import() {
	ctx := context.Background()
	repo := memory.New(model.NewNamespace("https://registry.example/api/"))

	reg, err := schemareg.New(repo, schemareg.WithAutoUnlock(true))
	if err != nil {
		log.Fatal(err)
	}
	defer reg.Close()

	ref := model.SchemaRef{Species: 1, Schema: 1}
	if err := reg.CreateSchema(ctx, ref, "cgMLST", "alice"); err != nil {
		log.Fatal(err)
	}
	if err := reg.Lock(ctx, ref, "alice"); err != nil {
		log.Fatal(err)
	}

	batches := []model.LocusBatch{
		{Name: "aroC", Sequences: []string{"ATGACCGGT", "ATGACCGGA"}},
		{Name: "dnaN", Sequences: []string{"ATGAAATTT"}},
	}
	if _, err := reg.BeginImport(ctx, ref, "alice", model.RoleContributor, batches); err != nil {
		log.Fatal(err)
	}
	res, err := reg.ResumeImport(ctx, ref, "alice", model.RoleContributor)
	if err != nil {
		log.Fatal(err)
	}

	state, _ := reg.LockState(ctx, ref)
	fmt.Println("complete:", res.Complete(), "lock:", state)
	// Output: complete: true lock: Unlocked
}

// Example_deleteSchema demonstrates a cascading schema deletion.
func Example_deleteSchema() {
	ctx := context.Background()
	repo := memory.New(model.NewNamespace("https://registry.example/api/"))

	reg, err := schemareg.New(repo)
	if err != nil {
		log.Fatal(err)
	}
	defer reg.Close()

	ref := model.SchemaRef{Species: 1, Schema: 1}
	_ = reg.CreateSchema(ctx, ref, "cgMLST", "alice")
	_ = reg.Lock(ctx, ref, "alice")
	_, _ = reg.BeginImport(ctx, ref, "alice", model.RoleContributor, []model.LocusBatch{
		{Name: "aroC", Sequences: []string{"ATGACCGGT", "ATGACCGGA"}},
	})
	_, _ = reg.ResumeImport(ctx, ref, "alice", model.RoleContributor)

	receipt, err := reg.DeleteSchema(ctx, ref, "alice", model.RoleContributor)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("schema=%d loci=%d alleles=%d facts=%d\n", receipt.Schema, receipt.Loci, receipt.Alleles, receipt.TotalFacts)
	// Output: schema=1 loci=1 alleles=2 facts=28
}
