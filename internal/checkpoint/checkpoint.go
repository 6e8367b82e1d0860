// Package checkpoint persists the summary of the last pass so that the
// status command and the next pass can read it.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
)

var (
	// ErrNoCheckpoint is returned when no pass has been recorded yet.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

const fileName = "last_pass.json"

// Checkpoint is the persisted summary of one pass.
type Checkpoint struct {
	PassID      string          `json:"pass_id"`
	Destination string          `json:"destination"`
	DryRun      bool            `json:"dry_run"`
	Started     time.Time       `json:"started"`
	Finished    time.Time       `json:"finished"`
	Counts      transfer.Counts `json:"counts"`
	Bytes       int64           `json:"bytes"`
	Failures    []Failure       `json:"failures,omitempty"`
	Unpaired    []string        `json:"unpaired,omitempty"`

	// Aborted names the stage a pass-wide failure stopped at.
	Aborted string `json:"aborted,omitempty"`

	// LastSuccess is the finish time of the most recent pass without
	// failures, carried across failed passes.
	LastSuccess time.Time `json:"last_success,omitzero"`

	AuditFile string `json:"audit_file,omitempty"`
}

// Failure describes one failed unit.
type Failure struct {
	UnitID string `json:"unit_id"`
	Scope  string `json:"scope"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// FromResult builds a checkpoint for a finished pass. prev may be nil.
func FromResult(result transfer.Result, prev *Checkpoint) *Checkpoint {
	cp := &Checkpoint{
		PassID:      result.PassID,
		Destination: result.Destination,
		DryRun:      result.DryRun,
		Started:     result.Started,
		Finished:    result.Finished,
		Counts:      result.Counts(),
		Bytes:       result.Bytes(),
	}
	for _, o := range result.Filter(transfer.StatusFailed) {
		f := Failure{UnitID: o.UnitID, Scope: string(o.Scope), Stage: o.Stage}
		if o.Err != nil {
			f.Error = o.Err.Error()
		}
		cp.Failures = append(cp.Failures, f)
	}
	for _, o := range result.Filter(transfer.StatusUnpaired) {
		cp.Unpaired = append(cp.Unpaired, o.UnitID)
	}

	if prev != nil {
		cp.LastSuccess = prev.LastSuccess
	}
	if !result.Failed() && !result.DryRun {
		cp.LastSuccess = result.Finished
	}
	return cp
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the last checkpoint.
	Load(ctx context.Context) (*Checkpoint, error)

	// Save persists the checkpoint, replacing the previous one.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Dir string // empty disables persistence
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if cfg.Dir == "" {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{path: filepath.Join(cfg.Dir, fileName)}, nil
}

// fileManager persists the checkpoint to a local JSON file.
type fileManager struct {
	path string
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is used when no state directory is configured.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
