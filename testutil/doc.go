// Package testutil provides testing utilities for schemareg.
//
// This package is intended for use in tests, examples and benchmarks only.
// It generates reproducible allele sequences and locus batches.
//
//	rng := testutil.NewRNG(seed)
//	seq := rng.Sequence(300)                     // one coding sequence
//	alleles := rng.Variants(20, 300)             // point-mutated variants
//	batches := rng.Batches("locus", 50, 20, 300) // upload batches
package testutil
