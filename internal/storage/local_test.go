package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLocalDestinationPut(t *testing.T) {
	ctx := context.Background()
	inbox := filepath.Join(t.TempDir(), "inbox")

	dest, err := NewDestination(Config{Kind: KindLocal, LocalDir: inbox, Prefix: "gensam"})
	require.NoError(t, err)

	sess, err := dest.Dial(ctx)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.ChangeDir(ctx, "2024-01-01"))

	src := writeLocal(t, "S1.vcf", "##fileformat=VCFv4.2\n")
	info, err := sess.Put(ctx, src, "14_SE300_S1.vcf")
	require.NoError(t, err)
	assert.Equal(t, "gensam/2024-01-01/14_SE300_S1.vcf", info.Key)
	assert.Equal(t, int64(len("##fileformat=VCFv4.2\n")), info.Size)

	data, err := os.ReadFile(filepath.Join(inbox, "gensam", "2024-01-01", "14_SE300_S1.vcf"))
	require.NoError(t, err)
	assert.Equal(t, "##fileformat=VCFv4.2\n", string(data))

	ok, err := sess.Exists(ctx, "14_SE300_S1.vcf")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sess.Exists(ctx, "14_SE300_S2.vcf")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := sess.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"14_SE300_S1.vcf"}, names)

	assert.True(t, strings.HasPrefix(sess.URI("x"), "file://"))
}

func TestLocalDestinationNoStrayFiles(t *testing.T) {
	ctx := context.Background()
	inbox := t.TempDir()

	dest, err := NewLocalDestination(inbox, "")
	require.NoError(t, err)
	sess, err := dest.Dial(ctx)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Put(ctx, writeLocal(t, "a", "a"), "a.fasta")
	require.NoError(t, err)

	entries, err := os.ReadDir(inbox)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a.fasta"}, names)
}

func TestPutMissingLocalFile(t *testing.T) {
	ctx := context.Background()
	sess, err := NewMemDestination().Dial(ctx)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Put(ctx, filepath.Join(t.TempDir(), "gone"), "x")
	assert.Error(t, err)

	ok, err := sess.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemDestinationPersistsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	dest := NewMemDestination()

	first, err := dest.Dial(ctx)
	require.NoError(t, err)
	_, err = first.Put(ctx, writeLocal(t, "d.csv", "lineage"), "digest.csv")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := dest.Dial(ctx)
	require.NoError(t, err)
	defer second.Close()

	ok, err := second.Exists(ctx, "digest.csv")
	require.NoError(t, err)
	assert.True(t, ok)

	head, err := second.Head(ctx, "digest.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(len("lineage")), head.Size)

	_, err = second.Head(ctx, "nope.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewDestinationValidation(t *testing.T) {
	_, err := NewDestination(Config{Kind: "ftp"})
	assert.Error(t, err)

	_, err = NewDestination(Config{Kind: KindS3})
	assert.Error(t, err)

	_, err = NewDestination(Config{Kind: KindSFTP, SFTP: SFTPConfig{Host: "h"}})
	assert.Error(t, err)

	_, err = NewDestination(Config{Kind: KindSFTP, SFTP: SFTPConfig{Host: "h", User: "u", Password: "p"}})
	assert.Error(t, err, "known hosts required")
}
