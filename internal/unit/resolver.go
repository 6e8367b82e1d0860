package unit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrIncomplete marks a unit whose producer has not finished writing it.
	ErrIncomplete = errors.New("incomplete unit")

	// ErrUnpairedMate marks a unit with exactly one read of a sequence pair.
	ErrUnpairedMate = errors.New("unpaired mate")
)

// Layout maps each artifact kind to a path template relative to a unit's
// base directory. "{id}" is replaced with the unit id.
type Layout map[ArtifactKind]string

// DefaultLayout matches the sequencing pipeline output tree.
func DefaultLayout() Layout {
	return Layout{
		KindForward:     "fastq/{id}_R1_001.fastq.gz",
		KindReverse:     "fastq/{id}_R2_001.fastq.gz",
		KindConsensus:   "fasta/{id}.consensus.fa",
		KindVariants:    "vcf/{id}.vcf",
		KindLineage:     "lineage/{id}_lineage_report.txt",
		KindRunManifest: "metadata.json",
	}
}

// Path returns the expected location of kind for unitID under basePath.
func (l Layout) Path(basePath, unitID string, kind ArtifactKind) (string, error) {
	tmpl, ok := l[kind]
	if !ok || tmpl == "" {
		return "", fmt.Errorf("no layout for artifact kind %s", kind)
	}
	return filepath.Join(basePath, strings.ReplaceAll(tmpl, "{id}", unitID)), nil
}

// Resolver validates that a unit's required artifacts are present. It holds
// no per-call state and may be called repeatedly.
type Resolver struct {
	layout Layout
	now    func() time.Time
}

// NewResolver creates a resolver using the given layout. A nil layout uses
// DefaultLayout.
func NewResolver(layout Layout) *Resolver {
	if layout == nil {
		layout = DefaultLayout()
	}
	return &Resolver{layout: layout, now: time.Now}
}

// WithClock sets the clock used to stamp discovered units.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	if now != nil {
		r.now = now
	}
	return r
}

// Layout returns the resolver's layout.
func (r *Resolver) Layout() Layout {
	return r.layout
}

// Resolve checks each required kind under basePath. A required kind without
// a layout entry counts as missing.
func (r *Resolver) Resolve(unitID string, scope Scope, basePath string, required []ArtifactKind) ReadySet {
	u := Unit{
		ID:           unitID,
		Scope:        scope,
		BasePath:     basePath,
		SourcePaths:  make(map[ArtifactKind]string, len(required)),
		DiscoveredAt: r.now(),
	}

	var missing []ArtifactKind
	checkedPair := false
	unpaired := false

	for _, kind := range required {
		if kind.IsMate() {
			if checkedPair {
				continue
			}
			checkedPair = true

			fwd, fwdOK := r.locate(basePath, unitID, KindForward)
			rev, revOK := r.locate(basePath, unitID, KindReverse)
			switch {
			case fwdOK && revOK:
				u.SourcePaths[KindForward] = fwd
				u.SourcePaths[KindReverse] = rev
			case fwdOK:
				unpaired = true
				missing = append(missing, KindReverse)
			case revOK:
				unpaired = true
				missing = append(missing, KindForward)
			default:
				missing = append(missing, KindForward, KindReverse)
			}
			continue
		}

		path, ok := r.locate(basePath, unitID, kind)
		if !ok {
			missing = append(missing, kind)
			continue
		}
		u.SourcePaths[kind] = path
	}

	set := ReadySet{Unit: u, Missing: missing}
	switch {
	case unpaired:
		set.Verdict = VerdictUnpairedMate
	case len(missing) > 0:
		set.Verdict = VerdictIncomplete
	default:
		set.Verdict = VerdictComplete
	}
	return set
}

// locate returns the artifact path when it exists, is a non-empty regular
// file, and (for gzip artifacts) has a readable header.
func (r *Resolver) locate(basePath, unitID string, kind ArtifactKind) (string, bool) {
	path, err := r.layout.Path(basePath, unitID, kind)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return "", false
	}
	if strings.HasSuffix(path, ".gz") && !gzipReadable(path) {
		return "", false
	}
	return path, true
}

// gzipReadable reports whether the file starts with a valid gzip member and
// its first block decompresses. A producer still writing the file usually
// fails here rather than at the size check.
func gzipReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer zr.Close()

	buf := make([]byte, 512)
	if _, err := zr.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	return true
}
