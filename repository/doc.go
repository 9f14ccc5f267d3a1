// Package repository defines the contract between schemareg and the
// graph-structured repository that stores schemas, loci, alleles and
// sequences as facts (subject, predicate, object triples).
//
// Writes are expressed as Statements: an insert carries concrete triples, a
// delete carries patterns. Apply reports how many facts a statement added or
// removed. Inserting triples that already exist adds nothing, which makes
// re-applying an insert after a crash harmless.
//
// Every entity type is written with a fixed number of facts (AlleleFacts,
// LocusFacts, ...). The deletion engine divides removed-fact counts by these
// ratios to report entity counts.
//
// Implementations:
//
//   - memory: in-process triple store (tests, embedded use)
//   - sparql: SPARQL 1.1 Query/Update endpoint over HTTP
//   - faulty: wrapper that injects write failures
package repository
