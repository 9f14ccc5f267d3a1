// Package manifest records, per schema, how far each uploaded locus batch
// has progressed through an import.
//
// An entry is keyed by the content hash of its locus batch and moves
// through staged → locus inserted → linked to species → linked to schema,
// plus a bitmap of the allele ordinals already written. Every transition
// is a set, never an increment, so replaying a transition is harmless.
//
// Each transition is persisted through a [Store] before the call returns.
// Reopening a manifest after a crash yields the state as of the last
// transition that returned nil. Two durable stores are provided:
// [JournalStore], an append-only journal per schema, and [PebbleStore].
package manifest
