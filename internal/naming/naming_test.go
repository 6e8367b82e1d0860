package naming

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

var gbg = Codes{Region: "14", Lab: "SE300"}

func existing(names ...string) func(string) (bool, error) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) (bool, error) { return set[name], nil }
}

func TestDestinationName(t *testing.T) {
	tests := []struct {
		kind unit.ArtifactKind
		want string
	}{
		{unit.KindForward, "14_SE300_DE21-0042_1.fastq.gz"},
		{unit.KindReverse, "14_SE300_DE21-0042_2.fastq.gz"},
		{unit.KindConsensus, "14_SE300_DE21-0042.consensus.fasta"},
		{unit.KindVariants, "14_SE300_DE21-0042.vcf"},
		{unit.KindLineage, "14_SE300_DE21-0042_pangolin_classification.txt"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := DestinationName(gbg, "DE21_0042", tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDestinationNameRejectsRunManifest(t *testing.T) {
	_, err := DestinationName(gbg, "S1", unit.KindRunManifest)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestCodesValidate(t *testing.T) {
	assert.NoError(t, Codes{Region: "01", Lab: "SENPC"}.Validate())

	err := Codes{Region: "02", Lab: "SE300"}.Validate()
	assert.True(t, errors.Is(err, ErrConfiguration))

	err = Codes{Region: "14", Lab: "SE999"}.Validate()
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = DestinationName(Codes{Region: "99", Lab: "SE300"}, "S1", unit.KindVariants)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDigestName(t *testing.T) {
	day := time.Date(2024, 1, 1, 13, 45, 0, 0, time.UTC)
	got, err := DigestName(gbg, day, CategoryLineage, ".csv")
	require.NoError(t, err)
	assert.Equal(t, "14_SE300_2024-01-01_pangolin_classification.csv", got)

	_, err = DigestName(gbg, day, "", "csv")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNextAvailableNameIncrements(t *testing.T) {
	base := "14_SE300_2024-01-01_pangolin_classification.csv"

	got, err := NextAvailableName(base, existing(), 0)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	got, err = NextAvailableName(base, existing(base), 0)
	require.NoError(t, err)
	assert.Equal(t, "14_SE300_2024-01-01_pangolin_classification_1.csv", got)

	got, err = NextAvailableName(base, existing(base, "14_SE300_2024-01-01_pangolin_classification_1.csv"), 0)
	require.NoError(t, err)
	assert.Equal(t, "14_SE300_2024-01-01_pangolin_classification_2.csv", got)
}

func TestNextAvailableNameCompoundExtension(t *testing.T) {
	got, err := NextAvailableName("14_SE300_S1_1.fastq.gz", existing("14_SE300_S1_1.fastq.gz"), 0)
	require.NoError(t, err)
	assert.Equal(t, "14_SE300_S1_1_1.fastq.gz", got)
}

func TestNextAvailableNameIsBounded(t *testing.T) {
	calls := 0
	always := func(string) (bool, error) {
		calls++
		return true, nil
	}

	_, err := NextAvailableName("digest.csv", always, 5)
	require.ErrorIs(t, err, ErrNameSpaceExhausted)
	assert.Equal(t, 6, calls)
}

func TestNextAvailableNamePropagatesProbeError(t *testing.T) {
	boom := errors.New("listing failed")
	_, err := NextAvailableName("digest.csv", func(string) (bool, error) { return false, boom }, 0)
	assert.ErrorIs(t, err, boom)
}

func TestSplitExt(t *testing.T) {
	tests := map[string][2]string{
		"a.fastq.gz":        {"a", ".fastq.gz"},
		"a.consensus.fasta": {"a", ".consensus.fasta"},
		"a.csv":             {"a", ".csv"},
		"noext":             {"noext", ""},
	}
	for in, want := range tests {
		stem, ext := SplitExt(in)
		assert.Equal(t, want[0], stem, in)
		assert.Equal(t, want[1], ext, in)
	}
}
