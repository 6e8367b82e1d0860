package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
)

// NewLocalDestination delivers into a directory on a mounted filesystem,
// such as the microbiology inbox share. fileblob writes through a temp file
// in the same directory and renames it into place.
func NewLocalDestination(baseDir, prefix string) (Destination, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve local dir %s: %w", baseDir, err)
	}

	return &blobDestination{
		name:   abs,
		uri:    "file://" + abs,
		prefix: joinPrefix(prefix, ""),
		open: func(ctx context.Context) (*blob.Bucket, error) {
			// Ensure base directory exists
			if err := os.MkdirAll(abs, 0755); err != nil {
				return nil, fmt.Errorf("create base directory %s: %w", abs, err)
			}
			return fileblob.OpenBucket(abs, &fileblob.Options{
				CreateDir: true,
				NoTempDir: true,
				Metadata:  fileblob.MetadataDontWrite,
			})
		},
	}, nil
}
