// Package minio implements blobstore.BlobStore for MinIO and other
// S3-compatible object stores.
//
// Usage:
//
//	client, _ := minio.New("localhost:9000", &minio.Options{
//		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//		Secure: false,
//	})
//	store := minioblob.NewStore(client, "registry", "schemas/")
package minio
