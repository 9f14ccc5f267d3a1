// Package idalloc hands out locus and allele identifiers.
//
// Locus ids are global. Allele ids are scoped to their locus. Each scope is
// backed by an atomic Counter that is seeded once from the highest id
// already present in the repository, so allocation continues where the
// repository left off and never reuses an id, even after deletions.
//
// Two backends are provided:
//   - MemoryCounter: process-local atomic counters
//   - DynamoDBCounter: shared counters using UpdateItem ADD, for several
//     registry processes writing to the same repository
package idalloc
