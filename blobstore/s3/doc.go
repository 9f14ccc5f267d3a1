// Package s3 implements blobstore.BlobStore on Amazon S3.
//
// Writes go through the S3 transfer manager, so large archives are uploaded
// as concurrent multipart uploads.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "registry/")
package s3
