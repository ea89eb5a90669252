// Package blobstore provides the object storage abstraction used to ship
// tree snapshots off the machine.
//
// BlobStore is the interface for reading and writing immutable blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process store for tests
//   - LocalStore: local directory with mmap reads and atomic writes
//   - CachingStore: block cache in front of any remote store
//   - minio.Store: MinIO and other S3-compatible services
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - s3.DDBCommitStore: s3.Store with DynamoDB-backed CURRENT commits
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)              // Open for reading
//	    Create(ctx, name) (WritableBlob, error)    // Create for writing
//	    Put(ctx, name, data) error                 // Atomic write
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
