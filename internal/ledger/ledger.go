// Package ledger keeps the durable record of delivered units. A unit is
// recorded only after every one of its files reached the destination, and
// entries are never removed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

var (
	// ErrLedgerIO means the delivery record could not be read or appended.
	// Idempotency can no longer be guaranteed, so the pass must stop.
	ErrLedgerIO = errors.New("ledger I/O error")

	// ErrLocked is returned when another pass holds the ledger lock past
	// the configured wait.
	ErrLocked = errors.New("ledger locked by another pass")

	// ErrInvalidKey marks a key whose line form would not read back as the
	// same key.
	ErrInvalidKey = errors.New("invalid ledger key")
)

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultLockTimeout bounds how long Open waits for a concurrent pass.
const DefaultLockTimeout = 30 * time.Second

// Key identifies one delivered unit. A unit id may appear once per scope.
type Key struct {
	UnitID string
	Scope  unit.Scope
}

// String renders the on-disk line form "<scope>:<unitID>".
func (k Key) String() string {
	return string(k.Scope) + ":" + k.UnitID
}

// Validate checks that k survives a write and ParseKey round trip.
func (k Key) Validate() error {
	if _, err := unit.ParseScope(string(k.Scope)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if err := unit.ValidateID(k.UnitID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return nil
}

// ParseKey reads one ledger line. Lines without a known scope prefix come
// from the older one-id-per-line files and are read as sample scope.
func ParseKey(line string) (Key, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Key{}, false
	}
	if prefix, rest, ok := strings.Cut(line, ":"); ok && rest != "" {
		if scope, err := unit.ParseScope(prefix); err == nil {
			return Key{UnitID: rest, Scope: scope}, true
		}
	}
	return Key{UnitID: line, Scope: unit.ScopeSample}, true
}

// Ledger is the durable set of delivered keys. Entries are only ever added.
type Ledger interface {
	// HasDelivered reports whether key was recorded by this or any prior pass.
	HasDelivered(ctx context.Context, key Key) (bool, error)

	// RecordDelivered durably records key before returning. Recording an
	// existing key is a no-op; a key failing Validate is rejected.
	RecordDelivered(ctx context.Context, key Key) error

	// Keys lists every recorded key.
	Keys(ctx context.Context) ([]Key, error)

	// Close releases the backend and the ledger lock.
	Close() error
}

// Options configures Open.
type Options struct {
	Backend     string
	Path        string
	LockTimeout time.Duration

	// ReadOnly skips the exclusive lock; used by inspection commands.
	ReadOnly bool
}

// Open locks and opens the ledger at opts.Path. The lock on
// "<path>.lock" is held until Close, so two overlapping passes never both
// observe a key as undelivered. The lock file itself is left in place.
func Open(ctx context.Context, opts Options) (Ledger, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: ledger path is empty", ErrLedgerIO)
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create ledger dir: %w", ErrLedgerIO, err)
	}

	var lock *flock.Flock
	if !opts.ReadOnly {
		var err error
		lock, err = acquire(ctx, opts.Path+".lock", opts.LockTimeout)
		if err != nil {
			return nil, err
		}
	}

	var (
		inner Ledger
		err   error
	)
	switch opts.Backend {
	case "", BackendFile:
		inner, err = openFile(opts.Path, opts.ReadOnly)
	case BackendSQLite:
		inner, err = openSQLite(ctx, opts.Path, opts.ReadOnly)
	default:
		err = fmt.Errorf("unknown ledger backend %q", opts.Backend)
	}
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}

	if lock == nil {
		return inner, nil
	}
	return &locked{Ledger: inner, lock: lock}, nil
}

func acquire(ctx context.Context, path string, timeout time.Duration) (*flock.Flock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	lock := flock.New(path)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := lock.TryLockContext(waitCtx, 250*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s (waited %s)", ErrLocked, path, timeout)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: acquire lock %s: %w", ErrLedgerIO, path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return lock, nil
}

// locked ties the flock lifetime to the ledger.
type locked struct {
	Ledger
	lock *flock.Flock
}

func (l *locked) Close() error {
	err := l.Ledger.Close()
	if uerr := l.lock.Unlock(); uerr != nil {
		err = errors.Join(err, fmt.Errorf("release ledger lock: %w", uerr))
	}
	return err
}

// Import records every key found in a legacy line file and returns how many
// were new.
func Import(ctx context.Context, l Ledger, path string) (int, error) {
	keys, err := readLines(path)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, k := range keys {
		seen, err := l.HasDelivered(ctx, k)
		if err != nil {
			return added, err
		}
		if seen {
			continue
		}
		if err := l.RecordDelivered(ctx, k); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
