// Package transfer runs one pass's deliveries over a single destination
// session.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cgg-gothenburg/seq-courier/internal/logging"
	"github.com/cgg-gothenburg/seq-courier/internal/storage"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

var (
	// ErrConnection means the destination could not be reached or entered.
	// Nothing can be delivered for the rest of the pass.
	ErrConnection = errors.New("destination connection failed")

	// ErrTransfer means one unit's group was abandoned mid-way.
	ErrTransfer = errors.New("transfer failed")
)

// File is one artifact to put.
type File struct {
	Kind       unit.ArtifactKind
	LocalPath  string
	RemoteName string
}

// Group is every file of one unit. A group is delivered as a whole or not
// at all as far as the ledger is concerned.
type Group struct {
	UnitID string
	Scope  unit.Scope
	Files  []File
}

// Delivered pairs a file with the stored object.
type Delivered struct {
	File
	Object storage.ObjectInfo
}

// Policy controls retries of a whole group.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultPolicy retries a failed group twice with a short pause.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Backoff: 2 * time.Second}
}

// WithSession dials dest, enters dir, and runs body. The session is closed
// on every exit path. A close error is only returned when body succeeded;
// otherwise it is logged and the body's error wins.
func WithSession(ctx context.Context, dest storage.Destination, dir string, body func(ctx context.Context, s storage.Session) error) (err error) {
	log := logging.Component("transfer").With("destination", dest.Name())

	sess, err := dest.Dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnection, dest.Name(), err)
	}
	defer func() {
		cerr := sess.Close()
		if cerr == nil {
			return
		}
		if err != nil {
			log.Warn("session close failed after error", "error", cerr)
			return
		}
		err = fmt.Errorf("close session %s: %w", dest.Name(), cerr)
	}()

	if dir != "" {
		if err := sess.ChangeDir(ctx, dir); err != nil {
			return fmt.Errorf("%w: change dir %s: %w", ErrConnection, dir, err)
		}
	}

	log.Debug("session open", "dir", dir)
	return body(ctx, sess)
}

// DeliverGroup puts every file of g in order. The first failed put abandons
// the attempt; the whole group is retried from its first file up to
// p.Attempts times. Files of a failed attempt may remain at the destination
// under their final names and are overwritten by the retry.
func DeliverGroup(ctx context.Context, sess storage.Session, g Group, p Policy) ([]Delivered, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	log := logging.Component("transfer").With("unit_id", g.UnitID, "scope", g.Scope)

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			backoff := p.Backoff * time.Duration(1<<(attempt-1))
			log.Warn("group delivery failed, retrying",
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		delivered, err := deliverOnce(ctx, sess, g, log)
		if err == nil {
			return delivered, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrTransfer, g.UnitID, p.Attempts, lastErr)
}

func deliverOnce(ctx context.Context, sess storage.Session, g Group, log *slog.Logger) ([]Delivered, error) {
	out := make([]Delivered, 0, len(g.Files))
	for i, f := range g.Files {
		obj, err := sess.Put(ctx, f.LocalPath, f.RemoteName)
		if err != nil {
			return nil, fmt.Errorf("put %d/%d %s: %w", i+1, len(g.Files), f.RemoteName, err)
		}
		log.Debug("put", "kind", f.Kind, "remote", f.RemoteName, "bytes", obj.Size)
		out = append(out, Delivered{File: f, Object: obj})
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
