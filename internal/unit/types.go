// Package unit describes deliverable units and decides whether a unit's
// artifacts on disk are complete enough to send.
package unit

import (
	"fmt"
	"time"
)

// ArtifactKind identifies one physical file role inside a unit.
type ArtifactKind string

const (
	KindForward     ArtifactKind = "sequence-pair-forward"
	KindReverse     ArtifactKind = "sequence-pair-reverse"
	KindConsensus   ArtifactKind = "assembly-consensus"
	KindVariants    ArtifactKind = "variant-calls"
	KindLineage     ArtifactKind = "lineage-classification"
	KindRunManifest ArtifactKind = "run-manifest"
)

// AllKinds lists every known artifact kind in delivery order.
var AllKinds = []ArtifactKind{
	KindForward,
	KindReverse,
	KindConsensus,
	KindVariants,
	KindLineage,
	KindRunManifest,
}

// ParseKind validates a kind name read from configuration.
func ParseKind(s string) (ArtifactKind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown artifact kind %q", s)
}

// IsMate reports whether the kind is one half of a sequence pair.
func (k ArtifactKind) IsMate() bool {
	return k == KindForward || k == KindReverse
}

// Scope distinguishes per-sample deliveries from per-run (daily digest) ones.
type Scope string

const (
	ScopeSample Scope = "sample"
	ScopeRun    Scope = "run"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeSample, ScopeRun:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}

// Unit is one sample or one run discovered during a pass. Units are never
// persisted; their delivery status lives in the ledger.
type Unit struct {
	ID           string
	Scope        Scope
	BasePath     string
	SourcePaths  map[ArtifactKind]string
	DiscoveredAt time.Time

	// Date is the run date used for day-scoped digest names.
	Date time.Time
}

// Verdict is the outcome of resolving a unit's artifacts.
type Verdict int

const (
	VerdictComplete Verdict = iota
	VerdictIncomplete
	VerdictUnpairedMate
)

func (v Verdict) String() string {
	switch v {
	case VerdictComplete:
		return "complete"
	case VerdictIncomplete:
		return "incomplete"
	case VerdictUnpairedMate:
		return "unpaired_mate"
	default:
		return "unknown"
	}
}

// ReadySet is a unit plus its resolver verdict. Only Complete sets may be
// transferred.
type ReadySet struct {
	Unit    Unit
	Verdict Verdict
	Missing []ArtifactKind
}

// Complete reports whether the set may proceed to transfer.
func (r ReadySet) Complete() bool {
	return r.Verdict == VerdictComplete
}

// Err converts a non-complete verdict into an error carrying the missing kinds.
func (r ReadySet) Err() error {
	switch r.Verdict {
	case VerdictComplete:
		return nil
	case VerdictUnpairedMate:
		return fmt.Errorf("%w: %s missing %v", ErrUnpairedMate, r.Unit.ID, r.Missing)
	default:
		return fmt.Errorf("%w: %s missing %v", ErrIncomplete, r.Unit.ID, r.Missing)
	}
}
