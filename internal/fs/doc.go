// Package fs provides the small filesystem abstraction the durable stores
// are written against.
//
//   - [LocalFS]: production implementation on the os package
//   - [FaultyFS]: test wrapper that injects write, sync and open errors
//
// Production code uses fs.Default. Tests inject a [FaultyFS] to simulate
// a disk that stops accepting writes halfway through a record.
//
// [Lock] takes an advisory, process-exclusive lock on a directory so two
// processes never append to the same journals.
package fs
