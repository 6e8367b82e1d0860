// Package config loads the YAML configuration and checks it before a pass
// touches anything.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cgg-gothenburg/seq-courier/internal/ledger"
	"github.com/cgg-gothenburg/seq-courier/internal/naming"
	"github.com/cgg-gothenburg/seq-courier/internal/storage"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "/etc/seq-courier/config.yaml"

type Config struct {
	Codes       CodesConfig       `yaml:"codes"`
	Scan        ScanConfig        `yaml:"scan"`
	Layout      map[string]string `yaml:"layout"`
	Units       UnitsConfig       `yaml:"units"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Destination DestinationConfig `yaml:"destination"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Audit       AuditConfig       `yaml:"audit"`
	State       StateConfig       `yaml:"state"`
}

type CodesConfig struct {
	Region string `yaml:"region"`
	Lab    string `yaml:"lab"`
}

type ScanConfig struct {
	Root     string        `yaml:"root"`
	Runs     string        `yaml:"runs"` // glob for run dirs below root
	Window   time.Duration `yaml:"window"`
	Manifest string        `yaml:"manifest"`
}

type UnitsConfig struct {
	SampleKinds []string `yaml:"sample_kinds"`
	RunKinds    []string `yaml:"run_kinds"`
}

type LedgerConfig struct {
	Backend     string        `yaml:"backend"`
	Path        string        `yaml:"path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type DestinationConfig struct {
	Kind     string     `yaml:"kind"`
	Dir      string     `yaml:"dir"` // remote directory entered after connect
	LocalDir string     `yaml:"local_dir"`
	Bucket   string     `yaml:"bucket"`
	Endpoint string     `yaml:"endpoint"`
	Region   string     `yaml:"region"`
	Prefix   string     `yaml:"prefix"`
	SFTP     SFTPConfig `yaml:"sftp"`
}

type SFTPConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"-"` // SFTP_PASSWORD only
	KeyFile               string        `yaml:"key_file"`
	KnownHosts            string        `yaml:"known_hosts"`
	Timeout               time.Duration `yaml:"timeout"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
}

type TransferConfig struct {
	Workers        int           `yaml:"workers"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	NameProbeLimit int           `yaml:"name_probe_limit"`
}

type NotifyConfig struct {
	OnSuccess *bool         `yaml:"on_success"`
	Timeout   time.Duration `yaml:"timeout"`
	Email     EmailConfig   `yaml:"email"`
	Ntfy      NtfyConfig    `yaml:"ntfy"`
}

type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"-"` // SMTP_PASSWORD only
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	TLS      string   `yaml:"tls"`
}

type NtfyConfig struct {
	Topic string `yaml:"topic"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	Dir    string `yaml:"dir"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type AuditConfig struct {
	Dir string `yaml:"dir"`
}

type StateConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads the YAML file at path, applies defaults, and overlays
// environment variables. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %s: %w", naming.ErrConfiguration, path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document the same way Load does.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse config: %w", naming.ErrConfiguration, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scan.Runs == "" {
		c.Scan.Runs = "*"
	}
	if c.Scan.Window == 0 {
		c.Scan.Window = 24 * time.Hour
	}
	if c.Scan.Manifest == "" {
		c.Scan.Manifest = unit.ManifestName
	}
	if len(c.Units.SampleKinds) == 0 {
		c.Units.SampleKinds = []string{
			string(unit.KindForward),
			string(unit.KindReverse),
			string(unit.KindConsensus),
			string(unit.KindVariants),
		}
	}
	if c.Units.RunKinds == nil {
		c.Units.RunKinds = []string{string(unit.KindRunManifest), string(unit.KindLineage)}
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = ledger.BackendFile
	}
	if c.Ledger.LockTimeout == 0 {
		c.Ledger.LockTimeout = ledger.DefaultLockTimeout
	}
	if c.Destination.SFTP.Port == 0 {
		c.Destination.SFTP.Port = 22
	}
	if c.Transfer.Workers < 1 {
		c.Transfer.Workers = 1
	}
	if c.Transfer.RetryAttempts < 1 {
		c.Transfer.RetryAttempts = 3
	}
	if c.Transfer.RetryBackoff == 0 {
		c.Transfer.RetryBackoff = 2 * time.Second
	}
	if c.Transfer.BatchTimeout == 0 {
		c.Transfer.BatchTimeout = 2 * time.Hour
	}
	if c.Transfer.NameProbeLimit == 0 {
		c.Transfer.NameProbeLimit = naming.DefaultProbeLimit
	}
	if c.Notify.OnSuccess == nil {
		on := true
		c.Notify.OnSuccess = &on
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv overlays secrets and a few operational knobs from the
// environment.
func (c *Config) applyEnv() {
	c.Destination.SFTP.Password = getenvDefault("SFTP_PASSWORD", c.Destination.SFTP.Password)
	c.Notify.Email.Password = getenvDefault("SMTP_PASSWORD", c.Notify.Email.Password)
	c.Notify.Ntfy.Topic = getenvDefault("NTFY_TOPIC", c.Notify.Ntfy.Topic)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)
	c.Ledger.Path = getenvDefault("SEQ_COURIER_LEDGER", c.Ledger.Path)

	if v := os.Getenv("SEQ_COURIER_WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Transfer.Workers = parsed
		}
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// Validate checks everything that can be checked without touching the
// filesystem or network.
func (c *Config) Validate() error {
	var errs []error
	if err := c.CodesValue().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Scan.Root == "" {
		errs = append(errs, fmt.Errorf("%w: scan.root is required", naming.ErrConfiguration))
	}
	if _, err := filepath.Match(c.Scan.Runs, ""); err != nil {
		errs = append(errs, fmt.Errorf("%w: scan.runs %q: %w", naming.ErrConfiguration, c.Scan.Runs, err))
	}
	if _, err := c.SampleKinds(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RunKinds(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.UnitLayout(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.Path == "" {
		errs = append(errs, fmt.Errorf("%w: ledger.path is required", naming.ErrConfiguration))
	}
	switch c.Ledger.Backend {
	case ledger.BackendFile, ledger.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown ledger backend %q", naming.ErrConfiguration, c.Ledger.Backend))
	}
	switch c.Destination.Kind {
	case storage.KindSFTP, storage.KindS3, storage.KindGCS, storage.KindLocal, storage.KindMem:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown destination kind %q", naming.ErrConfiguration, c.Destination.Kind))
	}
	if c.Transfer.BatchTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: transfer.batch_timeout must be positive", naming.ErrConfiguration))
	}
	return errors.Join(errs...)
}

// CheckPaths verifies the scan root is a readable directory and the ledger
// directory is writable. Run before any session is opened.
func (c *Config) CheckPaths() error {
	info, err := os.Stat(c.Scan.Root)
	if err != nil {
		return fmt.Errorf("%w: scan root %s: %w", naming.ErrConfiguration, c.Scan.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: scan root %s is not a directory", naming.ErrConfiguration, c.Scan.Root)
	}
	if _, err := os.ReadDir(c.Scan.Root); err != nil {
		return fmt.Errorf("%w: no read permission in %s: %w", naming.ErrConfiguration, c.Scan.Root, err)
	}

	dirs := []string{filepath.Dir(c.Ledger.Path), c.Audit.Dir, c.State.Dir, c.Logging.Dir}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := checkWritable(dir); err != nil {
			return err
		}
	}
	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", naming.ErrConfiguration, dir, err)
	}
	f, err := os.CreateTemp(dir, ".seq-courier-probe-*")
	if err != nil {
		return fmt.Errorf("%w: no write permission in %s: %w", naming.ErrConfiguration, dir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// CodesValue returns the submitting codes.
func (c *Config) CodesValue() naming.Codes {
	return naming.Codes{Region: c.Codes.Region, Lab: c.Codes.Lab}
}

// RunGlob is the pattern whose matches mark finished runs.
func (c *Config) RunGlob() string {
	return filepath.Join(c.Scan.Root, c.Scan.Runs, c.Scan.Manifest)
}

// SampleKinds parses units.sample_kinds.
func (c *Config) SampleKinds() ([]unit.ArtifactKind, error) {
	return parseKinds("units.sample_kinds", c.Units.SampleKinds)
}

// RunKinds parses units.run_kinds. An empty list disables run deliveries.
func (c *Config) RunKinds() ([]unit.ArtifactKind, error) {
	return parseKinds("units.run_kinds", c.Units.RunKinds)
}

func parseKinds(field string, names []string) ([]unit.ArtifactKind, error) {
	kinds := make([]unit.ArtifactKind, 0, len(names))
	for _, n := range names {
		k, err := unit.ParseKind(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", naming.ErrConfiguration, field, err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// UnitLayout overlays the layout section on the default layout. The run
// manifest entry always follows scan.manifest.
func (c *Config) UnitLayout() (unit.Layout, error) {
	layout := unit.DefaultLayout()
	for name, tmpl := range c.Layout {
		k, err := unit.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("%w: layout: %w", naming.ErrConfiguration, err)
		}
		layout[k] = tmpl
	}
	layout[unit.KindRunManifest] = c.Scan.Manifest
	return layout, nil
}

// StorageConfig maps the destination section onto the storage package.
func (c *Config) StorageConfig() storage.Config {
	d := c.Destination
	return storage.Config{
		Kind:     d.Kind,
		LocalDir: d.LocalDir,
		Bucket:   d.Bucket,
		Endpoint: d.Endpoint,
		Region:   d.Region,
		Prefix:   d.Prefix,
		SFTP: storage.SFTPConfig{
			Host:                  d.SFTP.Host,
			Port:                  d.SFTP.Port,
			User:                  d.SFTP.User,
			Password:              d.SFTP.Password,
			KeyFile:               d.SFTP.KeyFile,
			KnownHostsFile:        d.SFTP.KnownHosts,
			Timeout:               d.SFTP.Timeout,
			InsecureIgnoreHostKey: d.SFTP.InsecureIgnoreHostKey,
		},
	}
}

// LedgerOptions maps the ledger section onto the ledger package.
func (c *Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		Backend:     c.Ledger.Backend,
		Path:        c.Ledger.Path,
		LockTimeout: c.Ledger.LockTimeout,
	}
}
