// Package storage provides the destinations files are delivered to: SFTP,
// object stores through gocloud.dev blob, and a local directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Head for a missing remote object.
var ErrNotFound = errors.New("remote object not found")

// Destination kinds.
const (
	KindSFTP  = "sftp"
	KindS3    = "s3"
	KindGCS   = "gcs"
	KindLocal = "local"
	KindMem   = "mem"
)

// ObjectInfo contains metadata about a delivered object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Destination opens sessions against one configured endpoint.
type Destination interface {
	// Name identifies the destination in logs and notifications.
	Name() string

	// Dial opens a new session.
	Dial(ctx context.Context) (Session, error)
}

// Session is one open connection to a destination. A Session is safe for
// concurrent Put calls on different names.
type Session interface {
	// ChangeDir sets the directory later names are resolved against.
	ChangeDir(ctx context.Context, dir string) error

	// Put copies localPath to remoteName. The object only becomes visible
	// under remoteName once it is complete.
	Put(ctx context.Context, localPath, remoteName string) (ObjectInfo, error)

	// Exists reports whether remoteName is present in the current directory.
	Exists(ctx context.Context, remoteName string) (bool, error)

	// List returns the names in the current directory.
	List(ctx context.Context) ([]string, error)

	// Head returns the size and modification time of remoteName, or an
	// error wrapping ErrNotFound.
	Head(ctx context.Context, remoteName string) (ObjectInfo, error)

	// URI returns a printable location for remoteName.
	URI(remoteName string) string

	// Close releases the connection.
	Close() error
}

// Config configures the destination backend.
type Config struct {
	Kind string // "sftp" | "s3" | "gcs" | "local" | "mem"

	// Local inbox directory
	LocalDir string

	// GCS / S3 (S3 also covers B2, R2, MinIO)
	Bucket   string
	Endpoint string
	Region   string

	// Common key prefix within the bucket or local dir
	Prefix string

	SFTP SFTPConfig
}

// SFTPConfig configures the compliance SFTP endpoint.
type SFTPConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	Timeout        time.Duration

	// InsecureIgnoreHostKey disables host key checking. Test setups only.
	InsecureIgnoreHostKey bool
}

// NewDestination creates a destination based on configuration. Nothing is
// dialled until Dial is called.
func NewDestination(cfg Config) (Destination, error) {
	switch cfg.Kind {
	case KindSFTP:
		if cfg.SFTP.Host == "" {
			return nil, fmt.Errorf("sftp host required for sftp destination")
		}
		return NewSFTPDestination(cfg.SFTP)
	case KindLocal:
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local dir required for local destination")
		}
		return NewLocalDestination(cfg.LocalDir, cfg.Prefix)
	case KindGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs destination")
		}
		return NewGCSDestination(cfg.Bucket, cfg.Prefix), nil
	case KindS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 destination")
		}
		return NewS3Destination(cfg.Bucket, cfg.Prefix, cfg.Endpoint, cfg.Region), nil
	case KindMem:
		return NewMemDestination(), nil
	default:
		return nil, fmt.Errorf("unknown destination kind: %s", cfg.Kind)
	}
}
