// Package naming builds the file names the receiving inbox expects.
package naming

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

var (
	// ErrConfiguration marks invalid static configuration (codes, paths).
	// A pass that hits it must not perform any I/O.
	ErrConfiguration = errors.New("configuration error")

	// ErrNameSpaceExhausted is returned when every probed suffix is taken.
	ErrNameSpaceExhausted = errors.New("destination name space exhausted")
)

// DefaultProbeLimit bounds NextAvailableName when the caller passes 0.
const DefaultProbeLimit = 1000

// CategoryLineage names the run-scope lineage classification digest.
const CategoryLineage = "pangolin_classification"

var regionCodes = []string{
	"01", "03", "04", "05", "06", "07", "08", "09", "10", "12", "13",
	"14", "17", "18", "19", "20", "21", "22", "23", "24", "25",
}

var labCodes = []string{
	"SE110", "SE120", "SE240", "SE320", "SE450", "SE250", "SE310", "SE300", "SE230",
	"SE540", "SE100", "SE130", "SE140", "SE330", "SE350", "SE400", "SE420", "SE430",
	"SE440", "SE600", "SE610", "SE620", "SE700", "SE710", "SE720", "SE730", "SENPC",
}

// suffixes are appended to "{region}_{lab}_{id}" for sample-scope artifacts.
var suffixes = map[unit.ArtifactKind]string{
	unit.KindForward:   "_1.fastq.gz",
	unit.KindReverse:   "_2.fastq.gz",
	unit.KindConsensus: ".consensus.fasta",
	unit.KindVariants:  ".vcf",
	unit.KindLineage:   "_pangolin_classification.txt",
}

// multiExt lists compound extensions kept intact when inserting a suffix.
var multiExt = []string{".fastq.gz", ".consensus.fasta", ".vcf.gz", ".tar.gz"}

// Codes identifies the submitting region and laboratory.
type Codes struct {
	Region string
	Lab    string
}

// Validate checks both codes against the accepted lists.
func (c Codes) Validate() error {
	if !slices.Contains(regionCodes, c.Region) {
		return fmt.Errorf("%w: region code %q is not an accepted one", ErrConfiguration, c.Region)
	}
	if !slices.Contains(labCodes, c.Lab) {
		return fmt.Errorf("%w: lab code %q is not an accepted one", ErrConfiguration, c.Lab)
	}
	return nil
}

// Prefix returns "{region}_{lab}_", shared by every delivered file.
func (c Codes) Prefix() string {
	return c.Region + "_" + c.Lab + "_"
}

// DestinationName maps a sample-scope artifact to its delivered name.
// Underscores in the id become hyphens so the id never splits the
// template's own fields.
func DestinationName(codes Codes, unitID string, kind unit.ArtifactKind) (string, error) {
	if err := codes.Validate(); err != nil {
		return "", err
	}
	suffix, ok := suffixes[kind]
	if !ok {
		return "", fmt.Errorf("%w: artifact kind %s has no sample-scope name", ErrConfiguration, kind)
	}
	id := NormalizeID(unitID)
	if id == "" {
		return "", fmt.Errorf("%w: empty unit id", ErrConfiguration)
	}
	return codes.Prefix() + id + suffix, nil
}

// DigestName names a run/day-scope accumulation file.
func DigestName(codes Codes, date time.Time, category, ext string) (string, error) {
	if err := codes.Validate(); err != nil {
		return "", err
	}
	ext = strings.TrimPrefix(ext, ".")
	if category == "" || ext == "" {
		return "", fmt.Errorf("%w: digest needs a category and an extension", ErrConfiguration)
	}
	return fmt.Sprintf("%s%s_%s.%s", codes.Prefix(), date.Format(time.DateOnly), category, ext), nil
}

// NormalizeID replaces the template separator inside a sample id.
func NormalizeID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "_", "-")
}

// NextAvailableName returns candidate when exists reports it free, otherwise
// the first of candidate_1, candidate_2, ... (suffix placed before the
// extension) that is free. At most limit suffixes are probed.
func NextAvailableName(candidate string, exists func(string) (bool, error), limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultProbeLimit
	}

	taken, err := exists(candidate)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", candidate, err)
	}
	if !taken {
		return candidate, nil
	}

	stem, ext := SplitExt(candidate)
	for n := 1; n <= limit; n++ {
		name := fmt.Sprintf("%s_%d%s", stem, n, ext)
		taken, err := exists(name)
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", name, err)
		}
		if !taken {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts", ErrNameSpaceExhausted, candidate, limit)
}

// SplitExt splits name into stem and extension, treating known compound
// extensions as one.
func SplitExt(name string) (stem, ext string) {
	lower := strings.ToLower(name)
	for _, m := range multiExt {
		if strings.HasSuffix(lower, m) && len(name) > len(m) {
			return name[:len(name)-len(m)], name[len(name)-len(m):]
		}
	}
	ext = path.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}
