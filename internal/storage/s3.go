package storage

import (
	"context"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
)

// NewS3Destination creates an S3-compatible destination.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO. Credentials
// come from the default AWS chain.
func NewS3Destination(bucketName, prefix, endpoint, region string) Destination {
	// Build URL for gocloud.dev
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("use_path_style", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	return &blobDestination{
		name:   "s3://" + bucketName,
		uri:    "s3://" + bucketName,
		prefix: joinPrefix(prefix, ""),
		open: func(ctx context.Context) (*blob.Bucket, error) {
			return blob.OpenBucket(ctx, bucketURL)
		},
	}
}
