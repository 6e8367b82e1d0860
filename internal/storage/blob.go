package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob" // in-memory driver
	"gocloud.dev/gcerrors"
)

// blobDestination opens gocloud buckets. Object stores have no directories,
// so a session's directory is folded into the key prefix.
type blobDestination struct {
	name   string
	uri    string // scheme://bucket used to print object locations
	prefix string
	open   func(ctx context.Context) (*blob.Bucket, error)

	// shared buckets outlive sessions (memblob keeps its objects in the
	// bucket value itself).
	shared *blob.Bucket
}

func (d *blobDestination) Name() string { return d.name }

func (d *blobDestination) Dial(ctx context.Context) (Session, error) {
	if d.shared != nil {
		return &blobSession{bucket: d.shared, uri: d.uri, prefix: d.prefix, base: d.prefix}, nil
	}
	bucket, err := d.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", d.name, err)
	}
	// Surface credential and reachability problems at dial time rather
	// than on the first put.
	if _, err := bucket.IsAccessible(ctx); err != nil {
		bucket.Close()
		return nil, fmt.Errorf("check bucket %s: %w", d.name, err)
	}
	return &blobSession{bucket: bucket, uri: d.uri, prefix: d.prefix, base: d.prefix, owned: true}, nil
}

type blobSession struct {
	bucket *blob.Bucket
	uri    string
	base   string // configured prefix
	prefix string // base plus current dir
	owned  bool
}

func (s *blobSession) ChangeDir(_ context.Context, dir string) error {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		s.prefix = s.base
		return nil
	}
	s.prefix = joinPrefix(s.base, dir)
	return nil
}

func (s *blobSession) key(name string) string {
	return s.prefix + name
}

func (s *blobSession) Put(ctx context.Context, localPath, remoteName string) (ObjectInfo, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	key := s.key(remoteName)

	// A blob writer only commits on a successful Close; cancelling ctx
	// before then discards the upload.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(writeCtx, key, &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create writer for %s: %w", key, err)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		cancel()
		w.Close()
		return ObjectInfo{}, fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("close writer for %s: %w", key, err)
	}

	return ObjectInfo{Key: key, Size: n}, nil
}

func (s *blobSession) Exists(ctx context.Context, remoteName string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(remoteName))
}

// Head returns attributes of a stored object.
func (s *blobSession) Head(ctx context.Context, remoteName string) (ObjectInfo, error) {
	key := s.key(remoteName)
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return ObjectInfo{}, fmt.Errorf("get attributes for %s: %w", key, err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, ModTime: attrs.ModTime}, nil
}

func (s *blobSession) List(ctx context.Context) ([]string, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix, Delimiter: "/"})

	var names []string
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects under %q: %w", s.prefix, err)
		}
		if obj.IsDir {
			continue
		}
		names = append(names, strings.TrimPrefix(obj.Key, s.prefix))
	}
	return names, nil
}

func (s *blobSession) URI(remoteName string) string {
	return s.uri + "/" + s.key(remoteName)
}

func (s *blobSession) Close() error {
	if !s.owned || s.bucket == nil {
		return nil
	}
	return s.bucket.Close()
}

func joinPrefix(prefix, dir string) string {
	p := path.Join(prefix, dir)
	if p == "" || p == "." {
		return ""
	}
	return strings.TrimPrefix(p, "/") + "/"
}

// NewMemDestination returns an in-memory destination whose objects persist
// across sessions for the lifetime of the value. Used for dry setups and
// tests.
func NewMemDestination() Destination {
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		// memblob never fails to open.
		panic(err)
	}
	return &blobDestination{name: "mem", uri: "mem://", shared: bucket}
}
