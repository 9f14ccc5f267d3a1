// Package executor drains the pending entries of an import manifest into
// repository writes.
//
// A run has two phases. Phase one creates and links loci, one goroutine
// per entry, each stage persisted in the manifest before the next begins.
// Phase two writes alleles: long sequences as single-row inserts, the rest
// grouped into multi-row inserts. Every write goes through the retry
// policy. A write that still fails is recorded in the Outcome and the run
// carries on; only an unavailable manifest or a cancelled context stop it.
//
// Running the executor again over the same manifest resumes where the
// previous run stopped.
package executor
