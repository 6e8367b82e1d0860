package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgg-gothenburg/seq-courier/internal/storage"
	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum, err := FileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	ok, err := VerifyChecksum(path, sum)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("hello!"), 0o644))
	ok, err = VerifyChecksum(path, sum)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = FileChecksum(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func deliveredResult(t *testing.T) transfer.Result {
	t.Helper()
	dir := t.TempDir()
	fwd := filepath.Join(dir, "S1_R1.fastq.gz")
	cons := filepath.Join(dir, "S1.fa")
	require.NoError(t, os.WriteFile(fwd, []byte("reads"), 0o644))
	require.NoError(t, os.WriteFile(cons, []byte(">S1\nACGT\n"), 0o644))

	r := transfer.Result{
		PassID:      "p-1",
		Destination: "mem://",
		Started:     time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC),
		Finished:    time.Date(2024, 3, 1, 6, 1, 0, 0, time.UTC),
	}
	r.Add(transfer.Outcome{
		UnitID: "S1",
		Scope:  unit.ScopeSample,
		Status: transfer.StatusDelivered,
		Files: []transfer.Delivered{
			{
				File:   transfer.File{Kind: unit.KindForward, LocalPath: fwd, RemoteName: "14_SE300_S1_1.fastq.gz"},
				Object: storage.ObjectInfo{Key: "14_SE300_S1_1.fastq.gz", Size: 5},
			},
			{
				File:   transfer.File{Kind: unit.KindConsensus, LocalPath: cons, RemoteName: "14_SE300_S1.consensus.fasta"},
				Object: storage.ObjectInfo{Key: "14_SE300_S1.consensus.fasta", Size: 9},
			},
		},
	})
	r.Add(transfer.Outcome{UnitID: "S2", Scope: unit.ScopeSample, Status: transfer.StatusIncomplete})
	return r
}

func TestWriteAndRead(t *testing.T) {
	result := deliveredResult(t)
	dir := filepath.Join(t.TempDir(), "audit")

	path, err := Write(dir, result)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "audit_20240301T060000Z_p-1.parquet"), path)

	rows, err := Read(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "S1", rows[0].UnitID)
	assert.Equal(t, string(unit.KindForward), rows[0].Kind)
	assert.Equal(t, "14_SE300_S1_1.fastq.gz", rows[0].RemoteName)
	assert.Equal(t, int64(5), rows[0].Size)
	assert.True(t, result.Finished.Equal(rows[0].DeliveredAt))
	assert.Contains(t, rows[1].SHA256, "sha256:")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestWriteSkipsEmptyPass(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, transfer.Result{PassID: "p-2"})
	require.NoError(t, err)
	assert.Empty(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChainLinksPasses(t *testing.T) {
	auditDir := filepath.Join(t.TempDir(), "audit")
	stateDir := t.TempDir()
	producer := ProducerInfo{Name: "seq-courier", Version: "test"}

	first := deliveredResult(t)
	auditPath, err := Write(auditDir, first)
	require.NoError(t, err)

	chain, err := OpenChain(auditDir, stateDir)
	require.NoError(t, err)
	_, err = chain.Append(first, auditPath, producer)
	require.NoError(t, err)

	// A later process picks up the head from the state dir.
	second := deliveredResult(t)
	second.PassID = "p-2"
	second.Started = second.Started.Add(time.Hour)
	auditPath, err = Write(auditDir, second)
	require.NoError(t, err)

	chain, err = OpenChain(auditDir, stateDir)
	require.NoError(t, err)
	eventPath, err := chain.Append(second, auditPath, producer)
	require.NoError(t, err)

	n, err := VerifyChain(auditDir, stateDir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(eventPath)
	require.NoError(t, err)
	var evt PassEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, int64(2), evt.Chain.Seq)
	assert.NotEmpty(t, evt.Chain.PrevEventHash)
	assert.Equal(t, int64(2), evt.Audit.Rows)
	assert.Equal(t, []string{"14_SE300_S1.consensus.fasta", "14_SE300_S1_1.fastq.gz"}, evt.Units["sample:S1"].Files)
	assert.Equal(t, int64(14), evt.Units["sample:S1"].Bytes)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	auditDir := t.TempDir()
	result := deliveredResult(t)
	auditPath, err := Write(auditDir, result)
	require.NoError(t, err)

	chain, err := OpenChain(auditDir, "")
	require.NoError(t, err)
	eventPath, err := chain.Append(result, auditPath, ProducerInfo{Name: "seq-courier"})
	require.NoError(t, err)

	data, err := os.ReadFile(eventPath)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte("14_SE300_S1_1.fastq.gz"), []byte("14_SE300_S9_1.fastq.gz"), 1)
	require.NoError(t, os.WriteFile(eventPath, tampered, 0o644))

	_, err = VerifyChain(auditDir, "")
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyChainDetectsRemovedEvent(t *testing.T) {
	auditDir := t.TempDir()
	chain, err := OpenChain(auditDir, "")
	require.NoError(t, err)

	var paths []string
	for i, id := range []string{"p-1", "p-2", "p-3"} {
		result := deliveredResult(t)
		result.PassID = id
		result.Started = result.Started.Add(time.Duration(i) * time.Hour)
		auditPath, err := Write(auditDir, result)
		require.NoError(t, err)
		path, err := chain.Append(result, auditPath, ProducerInfo{Name: "seq-courier"})
		require.NoError(t, err)
		paths = append(paths, path)
	}

	n, err := VerifyChain(auditDir, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, os.Remove(paths[1]))
	_, err = VerifyChain(auditDir, "")
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyChainDetectsRemovedNewestEvent(t *testing.T) {
	auditDir := t.TempDir()
	stateDir := t.TempDir()
	chain, err := OpenChain(auditDir, stateDir)
	require.NoError(t, err)

	var last string
	for i, id := range []string{"p-1", "p-2"} {
		result := deliveredResult(t)
		result.PassID = id
		result.Started = result.Started.Add(time.Duration(i) * time.Hour)
		auditPath, err := Write(auditDir, result)
		require.NoError(t, err)
		last, err = chain.Append(result, auditPath, ProducerInfo{Name: "seq-courier"})
		require.NoError(t, err)
	}

	require.NoError(t, os.Remove(last))
	n, err := VerifyChain(auditDir, stateDir)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Equal(t, 1, n)
	assert.Contains(t, err.Error(), "head is event 2")
}

func TestVerifyChainNeedsHeads(t *testing.T) {
	auditDir := t.TempDir()
	stateDir := t.TempDir()

	n, err := VerifyChain(auditDir, stateDir)
	require.NoError(t, err, "nothing written yet")
	assert.Zero(t, n)

	result := deliveredResult(t)
	auditPath, err := Write(auditDir, result)
	require.NoError(t, err)
	chain, err := OpenChain(auditDir, stateDir)
	require.NoError(t, err)
	_, err = chain.Append(result, auditPath, ProducerInfo{Name: "seq-courier"})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(stateDir, "chain-heads.json")))
	_, err = VerifyChain(auditDir, stateDir)
	assert.ErrorIs(t, err, ErrChainBroken)
}
