package minio

import (
	"context"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/schemareg/blobstore"
)

// TestMinioStore_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioStore_Integration(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	bucket := "test-schemareg"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix/")

	require.NoError(t, store.Put(ctx, "species/1/schemas/1/description.txt", []byte("hello minio")))

	data, err := store.Get(ctx, "species/1/schemas/1/description.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello minio", string(data))

	names, err := store.List(ctx, "species/1/")
	require.NoError(t, err)
	assert.Contains(t, names, "species/1/schemas/1/description.txt")

	require.NoError(t, store.Delete(ctx, "species/1/schemas/1/description.txt"))
	require.ErrorIs(t, store.Delete(ctx, "species/1/schemas/1/description.txt"), blobstore.ErrNotFound)

	_, err = store.Get(ctx, "species/1/schemas/1/description.txt")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
