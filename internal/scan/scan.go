// Package scan lists recently modified filesystem entries matching a glob.
//
// The window only bounds the search space on large shared filesystems. It
// is not what prevents duplicate delivery; a unit whose last artifact lands
// outside the window is picked up on a later pass only if the window covers
// it again, so keep it well above the producer's cadence.
package scan

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultWindow is used when the configured window is zero.
const DefaultWindow = 24 * time.Hour

// Entry is one matching path and its modification time.
type Entry struct {
	Path       string
	ModifiedAt time.Time
}

// Scan expands pattern and returns the entries modified within
// [now-window, now]. The pattern is checked up front; stats happen lazily as
// the sequence is consumed. Entries that vanish between listing and stat are
// dropped.
func Scan(pattern string, window time.Duration, now time.Time) (iter.Seq[Entry], error) {
	if pattern == "" {
		return nil, fmt.Errorf("scan: empty pattern")
	}
	if window <= 0 {
		window = DefaultWindow
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("scan: bad pattern %q: %w", pattern, err)
	}
	sort.Strings(matches)

	oldest := now.Add(-window)
	return func(yield func(Entry) bool) {
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				// Removed or replaced by the producer since the glob ran.
				continue
			}
			mod := info.ModTime()
			if mod.Before(oldest) || mod.After(now) {
				continue
			}
			if !yield(Entry{Path: path, ModifiedAt: mod}) {
				return
			}
		}
	}, nil
}
