package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipeSession connects a client to an in-memory sftp server.
func newPipeSession(t *testing.T) *sftpSession {
	t.Helper()
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	server := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{sr, sw}, sftp.InMemHandler())
	go func() {
		server.Serve()
		server.Close()
	}()
	t.Cleanup(func() { server.Close() })

	client, err := sftp.NewClientPipe(cr, cw)
	require.NoError(t, err)
	return newSFTPSession(client, nil, "sftp://test@pipe")
}

func TestSFTPPutRenamesIntoPlace(t *testing.T) {
	ctx := context.Background()
	sess := newPipeSession(t)
	defer sess.Close()

	require.NoError(t, sess.client.Mkdir("/upload"))
	require.NoError(t, sess.ChangeDir(ctx, "/upload"))

	src := writeLocal(t, "S1.fa", ">S1\nACGT\n")
	info, err := sess.Put(ctx, src, "14_SE300_S1.consensus.fasta")
	require.NoError(t, err)
	assert.Equal(t, "/upload/14_SE300_S1.consensus.fasta", info.Key)
	assert.Equal(t, int64(9), info.Size)

	ok, err := sess.Exists(ctx, "14_SE300_S1.consensus.fasta")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := sess.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"14_SE300_S1.consensus.fasta"}, names)

	f, err := sess.client.Open("/upload/14_SE300_S1.consensus.fasta")
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, ">S1\nACGT\n", string(body))

	assert.Equal(t, "sftp://test@pipe/upload/14_SE300_S1.consensus.fasta", sess.URI("14_SE300_S1.consensus.fasta"))
}

func TestSFTPChangeDirMissing(t *testing.T) {
	sess := newPipeSession(t)
	defer sess.Close()

	err := sess.ChangeDir(context.Background(), "/does/not/exist")
	assert.Error(t, err)
}

func TestSFTPPutCancelledLeavesNothing(t *testing.T) {
	sess := newPipeSession(t)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sess.Put(ctx, writeLocal(t, "x", strings.Repeat("A", 1024)), "x.vcf")
	require.ErrorIs(t, err, context.Canceled)

	names, err := sess.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSFTPHead(t *testing.T) {
	ctx := context.Background()
	sess := newPipeSession(t)
	defer sess.Close()

	require.NoError(t, sess.client.Mkdir("/upload"))
	require.NoError(t, sess.ChangeDir(ctx, "/upload"))
	_, err := sess.Put(ctx, writeLocal(t, "S1.vcf", "##fileformat=VCFv4.2\n"), "14_SE300_S1.vcf")
	require.NoError(t, err)

	info, err := sess.Head(ctx, "14_SE300_S1.vcf")
	require.NoError(t, err)
	assert.Equal(t, "/upload/14_SE300_S1.vcf", info.Key)
	assert.Equal(t, int64(len("##fileformat=VCFv4.2\n")), info.Size)

	_, err = sess.Head(ctx, "14_SE300_S2.vcf")
	assert.ErrorIs(t, err, ErrNotFound)
}
