package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgg-gothenburg/seq-courier/internal/storage"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

// fakeSession records puts and fails the configured remote names.
type fakeSession struct {
	mu       sync.Mutex
	puts     []string
	failOn   map[string]int // remaining failures per name
	dir      string
	closed   bool
	closeErr error
	chdirErr error
}

func (s *fakeSession) ChangeDir(_ context.Context, dir string) error {
	if s.chdirErr != nil {
		return s.chdirErr
	}
	s.dir = dir
	return nil
}

func (s *fakeSession) Put(_ context.Context, _, remote string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, remote)
	if s.failOn[remote] > 0 {
		s.failOn[remote]--
		return storage.ObjectInfo{}, errors.New("write: broken pipe")
	}
	return storage.ObjectInfo{Key: remote, Size: 1}, nil
}

func (s *fakeSession) Exists(context.Context, string) (bool, error) { return false, nil }
func (s *fakeSession) List(context.Context) ([]string, error)       { return nil, nil }
func (s *fakeSession) URI(name string) string                       { return "fake://" + name }

func (s *fakeSession) Head(_ context.Context, name string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, name)
}

func (s *fakeSession) Close() error {
	s.closed = true
	return s.closeErr
}

type fakeDest struct {
	sess    *fakeSession
	dialErr error
}

func (d *fakeDest) Name() string { return "fake" }

func (d *fakeDest) Dial(context.Context) (storage.Session, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.sess, nil
}

func group(id string, names ...string) Group {
	g := Group{UnitID: id, Scope: unit.ScopeSample}
	for _, n := range names {
		g.Files = append(g.Files, File{LocalPath: "/src/" + n, RemoteName: n})
	}
	return g
}

func TestWithSessionClosesOnSuccessAndError(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{}
	dest := &fakeDest{sess: sess}

	err := WithSession(ctx, dest, "upload", func(context.Context, storage.Session) error { return nil })
	require.NoError(t, err)
	assert.True(t, sess.closed)
	assert.Equal(t, "upload", sess.dir)

	sess.closed = false
	boom := errors.New("boom")
	err = WithSession(ctx, dest, "", func(context.Context, storage.Session) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, sess.closed)
}

func TestWithSessionClosesOnPanic(t *testing.T) {
	sess := &fakeSession{}
	assert.Panics(t, func() {
		_ = WithSession(context.Background(), &fakeDest{sess: sess}, "", func(context.Context, storage.Session) error {
			panic("body blew up")
		})
	})
	assert.True(t, sess.closed)
}

func TestWithSessionCloseError(t *testing.T) {
	ctx := context.Background()
	closeErr := errors.New("close failed")
	dest := &fakeDest{sess: &fakeSession{closeErr: closeErr}}

	err := WithSession(ctx, dest, "", func(context.Context, storage.Session) error { return nil })
	assert.ErrorIs(t, err, closeErr)

	// The body error wins when both fail.
	boom := errors.New("boom")
	err = WithSession(ctx, dest, "", func(context.Context, storage.Session) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, closeErr)
}

func TestWithSessionConnectionErrors(t *testing.T) {
	ctx := context.Background()
	called := false
	body := func(context.Context, storage.Session) error {
		called = true
		return nil
	}

	err := WithSession(ctx, &fakeDest{dialErr: errors.New("refused")}, "", body)
	assert.ErrorIs(t, err, ErrConnection)

	sess := &fakeSession{chdirErr: errors.New("no such dir")}
	err = WithSession(ctx, &fakeDest{sess: sess}, "missing", body)
	assert.ErrorIs(t, err, ErrConnection)
	assert.True(t, sess.closed)
	assert.False(t, called)
}

func TestDeliverGroupStopsAtFirstFailure(t *testing.T) {
	sess := &fakeSession{failOn: map[string]int{"b": 1}}
	g := group("A", "a", "b", "c")

	_, err := DeliverGroup(context.Background(), sess, g, Policy{Attempts: 1})
	require.ErrorIs(t, err, ErrTransfer)
	assert.Equal(t, []string{"a", "b"}, sess.puts)
}

func TestDeliverGroupRetriesWholeGroup(t *testing.T) {
	sess := &fakeSession{failOn: map[string]int{"b": 1}}
	g := group("A", "a", "b", "c")

	delivered, err := DeliverGroup(context.Background(), sess, g, Policy{Attempts: 2, Backoff: time.Millisecond})
	require.NoError(t, err)
	assert.Len(t, delivered, 3)
	assert.Equal(t, []string{"a", "b", "a", "b", "c"}, sess.puts)
}

func TestDeliverGroupHonoursCancellation(t *testing.T) {
	sess := &fakeSession{failOn: map[string]int{"a": 5}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := DeliverGroup(ctx, sess, group("A", "a"), Policy{Attempts: 5, Backoff: time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeliverGroupAgainstLocalDestination(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	inbox := t.TempDir()
	for _, n := range []string{"a.vcf", "b.fasta"} {
		require.NoError(t, os.WriteFile(filepath.Join(src, n), []byte(n), 0o644))
	}

	dest, err := storage.NewLocalDestination(inbox, "")
	require.NoError(t, err)

	err = WithSession(ctx, dest, "", func(ctx context.Context, s storage.Session) error {
		g := Group{UnitID: "S1", Scope: unit.ScopeSample, Files: []File{
			{Kind: unit.KindVariants, LocalPath: filepath.Join(src, "a.vcf"), RemoteName: "14_SE300_S1.vcf"},
			{Kind: unit.KindConsensus, LocalPath: filepath.Join(src, "b.fasta"), RemoteName: "14_SE300_S1.consensus.fasta"},
		}}
		_, err := DeliverGroup(ctx, s, g, DefaultPolicy())
		return err
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(inbox, "14_SE300_S1.consensus.fasta"))
	assert.NoError(t, err)
}
