package unit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

// ManifestName is the file a producer writes last to mark a run final.
const ManifestName = "metadata.json"

var (
	// ErrRunInProgress is returned when a run directory has no manifest yet.
	ErrRunInProgress = errors.New("run in progress")

	// ErrInvalidID marks a unit id that cannot be used as a ledger key or
	// path component.
	ErrInvalidID = errors.New("invalid unit id")
)

// controlPrefixes mark positive/negative controls that are never delivered.
var controlPrefixes = []string{"NegCtrl", "PosCtrl", "NegKon", "PosKon"}

// RunManifest is the producer's completion record for one run directory.
type RunManifest struct {
	RunID   string   `json:"run_id"`
	Date    string   `json:"date"` // YYYY-MM-DD
	Samples []string `json:"samples"`

	// Path is the manifest location; not part of the JSON document.
	Path string `json:"-"`
}

// RunDate parses Date, falling back to the given time's calendar day.
func (m RunManifest) RunDate(fallback time.Time) time.Time {
	if d, err := time.Parse(time.DateOnly, m.Date); err == nil {
		return d
	}
	y, mo, d := fallback.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// ReadManifest loads the manifest inside runDir. A missing manifest yields
// ErrRunInProgress.
func ReadManifest(runDir, name string) (*RunManifest, error) {
	if name == "" {
		name = ManifestName
	}
	path := filepath.Join(runDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunInProgress, runDir)
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m RunManifest
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
	}
	m.RunID = strings.TrimSpace(m.RunID)
	if m.RunID == "" {
		m.RunID = filepath.Base(runDir)
	}
	if err := ValidateID(m.RunID); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	for i, id := range m.Samples {
		m.Samples[i] = strings.TrimSpace(id)
	}
	m.Path = path
	return &m, nil
}

// ValidateID rejects ids that would not survive a ledger round trip or that
// could escape the layout when substituted into a path template.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case id == "." || id == ".." || strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidID, id)
		}
	}
	return nil
}

// IsControl reports whether a sample id names a sequencing control.
func IsControl(sampleID string) bool {
	for _, p := range controlPrefixes {
		if strings.HasPrefix(sampleID, p) {
			return true
		}
	}
	return false
}

// SampleIDs returns the non-control samples of a run. When the manifest
// lists none, ids are derived from the consensus artifacts present under
// runDir using the layout's consensus template.
func SampleIDs(m *RunManifest, runDir string, layout Layout) ([]string, error) {
	ids := m.Samples
	if len(ids) == 0 {
		discovered, err := discoverSamples(runDir, layout)
		if err != nil {
			return nil, err
		}
		ids = discovered
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || IsControl(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func discoverSamples(runDir string, layout Layout) ([]string, error) {
	tmpl, ok := layout[KindConsensus]
	if !ok || !strings.Contains(tmpl, "{id}") {
		return nil, nil
	}
	prefix, suffix, _ := strings.Cut(tmpl, "{id}")
	matches, err := filepath.Glob(filepath.Join(runDir, prefix+"*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("discover samples in %s: %w", runDir, err)
	}

	base := filepath.Base(prefix + "x")
	base = strings.TrimSuffix(base, "x")
	var ids []string
	for _, match := range matches {
		name := filepath.Base(match)
		name = strings.TrimPrefix(name, base)
		name = strings.TrimSuffix(name, suffix)
		if name != "" {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
