// Package blobstore provides storage abstraction for registry side data:
// staged allele batches and schema artifacts (descriptions, compressed
// archives, report caches).
//
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local filesystem with atomic writes
//   - s3.Store: Amazon S3, uploads through the transfer manager
//   - minio.Store: MinIO and other S3-compatible storage
//
// # Custom Implementations
//
//	type BlobStore interface {
//	    Get(ctx, name) ([]byte, error)
//	    Put(ctx, name, data) error         // Atomic write
//	    Delete(ctx, name) error            // ErrNotFound if absent
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
