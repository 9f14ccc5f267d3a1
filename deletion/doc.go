// Package deletion removes schemas, loci and alleles together with the facts
// that only exist to reference them.
//
// A schema deletion runs in a fixed order: alleles, loci, species links,
// schema links, side artifacts and finally the schema node. Every step is a
// set of independent per-entity deletes executed by a fresh worker pool and
// retried with the configured policy. A failing entity is recorded in the
// Receipt and skipped. Loci with a failure in an earlier step are held back
// from later steps so that a re-run still reaches them. The schema node is
// removed only if the first four steps completed without failures.
//
// Sequences are shared between loci and are never deleted.
package deletion
