package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgg-gothenburg/seq-courier/internal/ledger"
	"github.com/cgg-gothenburg/seq-courier/internal/naming"
	"github.com/cgg-gothenburg/seq-courier/internal/storage"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

const sampleYAML = `
codes:
  region: "14"
  lab: SE300
scan:
  root: /medstore/results/clinical/SARS-CoV-2-typing
  runs: "*/*"
  window: 36h
layout:
  variant-calls: "vcf/{id}.freebayes.vcf"
ledger:
  backend: sqlite
  path: /var/lib/seq-courier/ledger.db
  lock_timeout: 10s
destination:
  kind: sftp
  dir: /upload
  sftp:
    host: sftp.fohm.example
    user: uploader
    known_hosts: /etc/ssh/ssh_known_hosts
transfer:
  workers: 4
  batch_timeout: 90m
notify:
  on_success: false
  email:
    host: smtp.example.org
    from: seq-courier@example.org
    to: [micro@example.org]
`

func TestParseAppliesValuesAndDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "14", cfg.Codes.Region)
	assert.Equal(t, 36*time.Hour, cfg.Scan.Window)
	assert.Equal(t, unit.ManifestName, cfg.Scan.Manifest)
	assert.Equal(t, "/medstore/results/clinical/SARS-CoV-2-typing/*/*/metadata.json", cfg.RunGlob())
	assert.Equal(t, ledger.BackendSQLite, cfg.Ledger.Backend)
	assert.Equal(t, 10*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 22, cfg.Destination.SFTP.Port)
	assert.Equal(t, 4, cfg.Transfer.Workers)
	assert.Equal(t, 3, cfg.Transfer.RetryAttempts)
	assert.Equal(t, 90*time.Minute, cfg.Transfer.BatchTimeout)
	assert.Equal(t, naming.DefaultProbeLimit, cfg.Transfer.NameProbeLimit)
	require.NotNil(t, cfg.Notify.OnSuccess)
	assert.False(t, *cfg.Notify.OnSuccess)
	assert.Equal(t, []string{"micro@example.org"}, cfg.Notify.Email.To)

	kinds, err := cfg.SampleKinds()
	require.NoError(t, err)
	assert.Equal(t, []unit.ArtifactKind{unit.KindForward, unit.KindReverse, unit.KindConsensus, unit.KindVariants}, kinds)

	layout, err := cfg.UnitLayout()
	require.NoError(t, err)
	assert.Equal(t, "vcf/{id}.freebayes.vcf", layout[unit.KindVariants])
	assert.Equal(t, unit.DefaultLayout()[unit.KindForward], layout[unit.KindForward])

	require.NoError(t, cfg.Validate())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("scan:\n  rooot: /x\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, naming.ErrConfiguration)
}

func TestEmptyDocumentGetsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.Scan.Window)
	assert.Equal(t, ledger.BackendFile, cfg.Ledger.Backend)
	assert.Equal(t, 1, cfg.Transfer.Workers)
	assert.True(t, *cfg.Notify.OnSuccess)
}

func TestEnvironmentOverlay(t *testing.T) {
	t.Setenv("SFTP_PASSWORD", "s3cret")
	t.Setenv("SMTP_PASSWORD", "mailpw")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SEQ_COURIER_WORKERS", "8")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Destination.SFTP.Password)
	assert.Equal(t, "s3cret", cfg.StorageConfig().SFTP.Password)
	assert.Equal(t, "mailpw", cfg.Notify.Email.Password)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Transfer.Workers)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg, err := Parse([]byte(`
codes: {region: "02", lab: SE999}
units:
  sample_kinds: [assembly-consensus, fastq]
layout:
  bam: "bam/{id}.bam"
ledger: {backend: postgres}
destination: {kind: ftp}
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, naming.ErrConfiguration)
	for _, want := range []string{"region", "scan.root", "fastq", "bam", "ledger.path", "postgres", "ftp"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestCheckPaths(t *testing.T) {
	root := t.TempDir()
	state := filepath.Join(t.TempDir(), "state")

	cfg, err := Parse(nil)
	require.NoError(t, err)
	cfg.Scan.Root = root
	cfg.Ledger.Path = filepath.Join(state, "ledger.txt")
	require.NoError(t, cfg.CheckPaths())
	assert.DirExists(t, state)

	entries, err := os.ReadDir(state)
	require.NoError(t, err)
	assert.Empty(t, entries, "write probe must be removed")

	cfg.Scan.Root = filepath.Join(root, "missing")
	assert.ErrorIs(t, cfg.CheckPaths(), naming.ErrConfiguration)

	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	cfg.Scan.Root = file
	assert.ErrorIs(t, cfg.CheckPaths(), naming.ErrConfiguration)
}

func TestStorageConfigMapping(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	sc := cfg.StorageConfig()
	assert.Equal(t, storage.KindSFTP, sc.Kind)
	assert.Equal(t, "sftp.fohm.example", sc.SFTP.Host)
	assert.Equal(t, "/etc/ssh/ssh_known_hosts", sc.SFTP.KnownHostsFile)

	opts := cfg.LedgerOptions()
	assert.Equal(t, "/var/lib/seq-courier/ledger.db", opts.Path)
	assert.False(t, opts.ReadOnly)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, naming.ErrConfiguration)
}
