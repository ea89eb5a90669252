// Package s3 provides an Amazon S3 implementation of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", "trees/orders",
//	    s3.WithRegion("us-east-1"),
//	)
//
// Any Client works, including *s3.Client built from a custom aws.Config:
//
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "trees/orders")
//
// # Features
//
//   - Range reads pinned to the ETag seen at open time
//   - Multipart uploads for large leaf files
//   - CRC32C checksums on every upload
//   - Conditional creates with PutIfNotExists
//   - DDBCommitStore for CURRENT pointers shared by concurrent writers
package s3
