// Package schemareg is the write core of a shared nomenclature registry for
// bacterial genotyping schemas.
//
// A schema is a named collection of gene loci; each locus carries a growing
// set of allele sequences. The registry makes submissions durably,
// consistently and resumably visible in a graph repository while many users
// import at once and the backend fails transiently.
//
// # Quick Start
//
//	ctx := context.Background()
//	repo := memory.New(model.NewNamespace("https://registry.example/api/"))
//	reg, _ := schemareg.New(repo, schemareg.WithAutoUnlock(true))
//	defer reg.Close()
//
//	ref := model.SchemaRef{Species: 1, Schema: 1}
//	_ = reg.CreateSchema(ctx, ref, "cgMLST", "alice")
//	_ = reg.Lock(ctx, ref, "alice")
//	_, _ = reg.BeginImport(ctx, ref, "alice", model.RoleContributor, batches)
//	res, _ := reg.ResumeImport(ctx, ref, "alice", model.RoleContributor)
//
// # Imports
//
// BeginImport stages the uploaded locus batches and records them in the
// schema's import manifest. ResumeImport drains the manifest: it reserves
// identifiers, inserts loci, links them to the species and the schema and
// writes the alleles. Every completed step is persisted before the next
// one starts, so a run that crashed or gave up on some writes is finished
// by calling ResumeImport again. Identical content is never stored twice;
// two different sequences with the same content hash are rejected with
// ErrHashCollision.
//
// # Locking
//
// A schema is either unlocked or locked by one owner. Imports and
// deletions require the lock or the Admin role. The lock is advisory: the
// repository itself does not enforce it.
//
// # Deletion
//
// DeleteSchema, DeleteLoci and DeleteAlleles cascade to everything that only
// exists to reference the deleted entities and return a deletion.Receipt
// counting what was removed. Shared sequence records are kept.
//
// # Durability
//
// Manifests live in a manifest.Store: in memory, in an append-only journal
// per schema (manifest.JournalStore) or in pebble (manifest.PebbleStore).
// Staged batches and side artifacts live in a blobstore.BlobStore such as
// the local file system, S3 or MinIO.
package schemareg
