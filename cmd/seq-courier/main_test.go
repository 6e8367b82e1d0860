package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	configPath string
	root       string
	outbox     string
	state      string
}

func setupCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	base := t.TempDir()
	env := &cliEnv{
		configPath: filepath.Join(base, "config.yaml"),
		root:       filepath.Join(base, "runs"),
		outbox:     filepath.Join(base, "outbox"),
		state:      filepath.Join(base, "state"),
	}
	require.NoError(t, os.MkdirAll(env.outbox, 0o755))

	writeFile(t, filepath.Join(env.root, "RUN7", "fasta", "S1.consensus.fa"), ">S1\nACGT\n")
	writeFile(t, filepath.Join(env.root, "RUN7", "metadata.json"), `{"run_id":"RUN7","date":"2024-05-06","samples":["S1"]}`)

	cfg := fmt.Sprintf(`codes:
  region: "14"
  lab: SE300
scan:
  root: %s
units:
  sample_kinds: [assembly-consensus]
  run_kinds: []
ledger:
  path: %s
destination:
  kind: local
  local_dir: %s
transfer:
  retry_backoff: 1ms
logging:
  level: error
state:
  dir: %s
audit:
  dir: %s
`, env.root, filepath.Join(env.state, "ledger.txt"), env.outbox, env.state, filepath.Join(env.state, "audit"))
	writeFile(t, env.configPath, cfg)
	return env
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSyncThenInspect(t *testing.T) {
	env := setupCLIEnv(t)

	out, err := env.run(t, "sync")
	require.NoError(t, err, out)
	assert.Contains(t, out, "14_SE300_S1.consensus.fasta")
	assert.Contains(t, out, "delivered 1, skipped 0")
	assert.FileExists(t, filepath.Join(env.outbox, "14_SE300_S1.consensus.fasta"))

	out, err = env.run(t, "ledger", "check", "sample", "S1")
	require.NoError(t, err)
	assert.Equal(t, "sample:S1 delivered\n", out)

	out, err = env.run(t, "ledger", "check", "run", "RUN7")
	require.NoError(t, err)
	assert.Equal(t, "run:RUN7 not delivered\n", out)

	out, err = env.run(t, "ledger", "list", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"scope":"sample","unit_id":"S1"}]`, out)

	out, err = env.run(t, "status", "--audit", "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Audit chain intact (1 events)")
	assert.Contains(t, out, "Delivered")
	assert.Contains(t, out, "sha256:")

	out, err = env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 0, skipped 1")
}

func TestSyncDryRun(t *testing.T) {
	env := setupCLIEnv(t)

	out, err := env.run(t, "sync", "--dry-run")
	require.NoError(t, err, out)
	assert.Contains(t, out, "14_SE300_S1.consensus.fasta")
	assert.NoFileExists(t, filepath.Join(env.outbox, "14_SE300_S1.consensus.fasta"))

	out, err = env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No pass recorded yet")
}

func TestLedgerImport(t *testing.T) {
	env := setupCLIEnv(t)
	legacy := filepath.Join(t.TempDir(), "previous_uploads.txt")
	writeFile(t, legacy, "S1\nS2\nrun:RUN7\n")

	out, err := env.run(t, "ledger", "import", legacy)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 3 new unit(s)")

	out, err = env.run(t, "ledger", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "3 unit(s)")

	out, err = env.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 0, skipped 1")
}

func TestInvalidArguments(t *testing.T) {
	env := setupCLIEnv(t)

	_, err := env.run(t, "ledger", "check", "batch", "S1")
	assert.Error(t, err)

	_, err = env.run(t, "ledger", "check", "sample")
	assert.Error(t, err)

	cmd := newRootCommand()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "status"})
	cmd.SetOut(&bytes.Buffer{})
	err = cmd.Execute()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "missing.yaml"), err.Error())
}

func TestRemoteList(t *testing.T) {
	env := setupCLIEnv(t)

	out, err := env.run(t, "remote", "ls")
	require.NoError(t, err, out)
	assert.Contains(t, out, "No files at")

	_, err = env.run(t, "sync")
	require.NoError(t, err)

	out, err = env.run(t, "remote", "ls")
	require.NoError(t, err, out)
	assert.Contains(t, out, "14_SE300_S1.consensus.fasta")
	assert.Contains(t, out, "1 file(s)")

	out, err = env.run(t, "remote", "ls", "--json", "--match", "*.fasta")
	require.NoError(t, err)
	var entries []remoteEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "14_SE300_S1.consensus.fasta", entries[0].Name)
	assert.Equal(t, int64(len(">S1\nACGT\n")), entries[0].Size)

	out, err = env.run(t, "remote", "ls", "--json", "--match", "*.vcf")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	_, err = env.run(t, "remote", "ls", "--match", "[")
	assert.Error(t, err)
}
