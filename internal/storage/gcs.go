package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// NewGCSDestination creates a Google Cloud Storage destination using
// application default credentials.
func NewGCSDestination(bucketName, prefix string) Destination {
	return &blobDestination{
		name:   "gs://" + bucketName,
		uri:    "gs://" + bucketName,
		prefix: joinPrefix(prefix, ""),
		open: func(ctx context.Context) (*blob.Bucket, error) {
			return blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
		},
	}
}
