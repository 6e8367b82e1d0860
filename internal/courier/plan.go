package courier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cgg-gothenburg/seq-courier/internal/ledger"
	"github.com/cgg-gothenburg/seq-courier/internal/logging"
	"github.com/cgg-gothenburg/seq-courier/internal/naming"
	"github.com/cgg-gothenburg/seq-courier/internal/notify"
	"github.com/cgg-gothenburg/seq-courier/internal/scan"
	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

// task is one ready, undelivered unit.
type task struct {
	key   ledger.Key
	runID string
	set   unit.ReadySet
	group transfer.Group
}

func (t *task) failed(stage string, err error) transfer.Outcome {
	return transfer.Outcome{
		UnitID: t.key.UnitID,
		Scope:  t.key.Scope,
		Status: transfer.StatusFailed,
		Stage:  stage,
		Err:    err,
	}
}

// nameDigests assigns remote names to a run group's files. Names already
// taken at the destination get a numeric suffix instead of being replaced.
func (t *task) nameDigests(codes naming.Codes, exists func(string) (bool, error), limit int) error {
	for i := range t.group.Files {
		f := &t.group.Files[i]
		_, ext := naming.SplitExt(f.LocalPath)
		candidate, err := naming.DigestName(codes, t.set.Unit.Date, digestCategories[f.Kind], ext)
		if err != nil {
			return err
		}
		name, err := naming.NextAvailableName(candidate, exists, limit)
		if err != nil {
			return err
		}
		f.RemoteName = name
	}
	return nil
}

// plan is the work found by one pass.
type plan struct {
	samples  []*task
	runs     []*task
	outcomes []transfer.Outcome // units not handed to transfer
}

func (p *plan) all() []*task {
	out := make([]*task, 0, len(p.samples)+len(p.runs))
	out = append(out, p.samples...)
	return append(out, p.runs...)
}

// planState tracks units across the runs of one pass. A key is claimed by
// the first run that holds it complete or finds it already delivered;
// a not-ready copy never blocks a later complete one.
type planState struct {
	claimed  map[ledger.Key]string
	notReady map[ledger.Key]int // index into plan.outcomes
	dropped  map[int]bool
}

func (ps *planState) notReadyOutcome(p *plan, key ledger.Key, o transfer.Outcome) {
	if _, ok := ps.notReady[key]; ok {
		return
	}
	ps.notReady[key] = len(p.outcomes)
	p.outcomes = append(p.outcomes, o)
}

func (ps *planState) claim(key ledger.Key, runID string) {
	ps.claimed[key] = runID
	if i, ok := ps.notReady[key]; ok {
		ps.dropped[i] = true
		delete(ps.notReady, key)
	}
}

// buildPlan scans for finished runs, resolves their units, drops the ones
// the ledger already holds, and names sample files.
func (c *Courier) buildPlan(ctx context.Context, s *setup, led ledger.Ledger) (*plan, error) {
	now := c.deps.Now()
	entries, err := scan.Scan(c.cfg.RunGlob(), c.cfg.Scan.Window, now)
	if err != nil {
		return nil, err
	}

	p := &plan{}
	ps := &planState{
		claimed:  make(map[ledger.Key]string),
		notReady: make(map[ledger.Key]int),
		dropped:  make(map[int]bool),
	}

	for entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		runDir := filepath.Dir(entry.Path)
		log := c.log.With("run_dir", runDir)

		manifest, err := unit.ReadManifest(runDir, c.cfg.Scan.Manifest)
		if err != nil {
			// A manifest caught mid-write parses on a later pass.
			log.Warn("run manifest unreadable, skipping run", "error", err)
			p.outcomes = append(p.outcomes, transfer.Outcome{
				UnitID: filepath.Base(runDir),
				Scope:  unit.ScopeRun,
				Status: transfer.StatusIncomplete,
				Reason: "manifest unreadable",
			})
			continue
		}

		ids, err := unit.SampleIDs(manifest, runDir, s.resolver.Layout())
		if err != nil {
			return nil, err
		}
		log.Debug("run found", "run_id", manifest.RunID, "samples", len(ids))

		for _, id := range ids {
			if err := c.planUnit(ctx, s, led, p, ps, id, unit.ScopeSample, manifest, runDir); err != nil {
				return nil, err
			}
		}
		if len(s.runKinds) > 0 {
			if err := c.planUnit(ctx, s, led, p, ps, manifest.RunID, unit.ScopeRun, manifest, runDir); err != nil {
				return nil, err
			}
		}
	}

	if len(ps.dropped) > 0 {
		kept := p.outcomes[:0]
		for i, o := range p.outcomes {
			if !ps.dropped[i] {
				kept = append(kept, o)
			}
		}
		p.outcomes = kept
	}
	return p, nil
}

func (c *Courier) planUnit(ctx context.Context, s *setup, led ledger.Ledger, p *plan, ps *planState, id string, scope unit.Scope, manifest *unit.RunManifest, runDir string) error {
	key := ledger.Key{UnitID: id, Scope: scope}
	log := logging.UnitLogger(c.log, id, string(scope))

	if err := unit.ValidateID(id); err != nil {
		log.Error("unusable unit id, operator attention needed", "run_id", manifest.RunID, "error", err)
		p.outcomes = append(p.outcomes, transfer.Outcome{UnitID: id, Scope: scope, Status: transfer.StatusFailed, Stage: notify.StageScan, Err: err})
		return nil
	}

	// The same sample can be sequenced again in a later run; only one run
	// per pass may deliver it.
	if other, dup := ps.claimed[key]; dup {
		p.outcomes = append(p.outcomes, transfer.Outcome{
			UnitID: id,
			Scope:  scope,
			Status: transfer.StatusSkipped,
			Reason: "also in run " + other,
		})
		return nil
	}

	delivered, err := led.HasDelivered(ctx, key)
	if err != nil {
		return err
	}
	if delivered {
		ps.claim(key, manifest.RunID)
		p.outcomes = append(p.outcomes, transfer.Outcome{UnitID: id, Scope: scope, Status: transfer.StatusSkipped, Reason: "already delivered"})
		return nil
	}

	required := s.sampleKinds
	if scope == unit.ScopeRun {
		required = s.runKinds
	}
	set := s.resolver.Resolve(id, scope, runDir, required)
	set.Unit.Date = manifest.RunDate(c.deps.Now())

	switch set.Verdict {
	case unit.VerdictIncomplete:
		log.Info("unit not ready", "run_id", manifest.RunID, "missing", kindNames(set.Missing))
		ps.notReadyOutcome(p, key, transfer.Outcome{UnitID: id, Scope: scope, Status: transfer.StatusIncomplete, Reason: "missing " + kindNames(set.Missing)})
		return nil
	case unit.VerdictUnpairedMate:
		log.Error("unpaired mate, operator attention needed", "run_id", manifest.RunID, "error", set.Err())
		ps.notReadyOutcome(p, key, transfer.Outcome{UnitID: id, Scope: scope, Status: transfer.StatusUnpaired, Reason: kindNames(set.Missing)})
		return nil
	}
	ps.claim(key, manifest.RunID)

	t := &task{key: key, runID: manifest.RunID, set: set, group: transfer.Group{UnitID: id, Scope: scope}}
	for _, kind := range unit.AllKinds {
		path, ok := set.Unit.SourcePaths[kind]
		if !ok || kind == unit.KindRunManifest {
			continue
		}
		f := transfer.File{Kind: kind, LocalPath: path}
		if scope == unit.ScopeSample {
			if f.RemoteName, err = naming.DestinationName(s.codes, id, kind); err != nil {
				return fmt.Errorf("name %s: %w", id, err)
			}
		}
		t.group.Files = append(t.group.Files, f)
	}

	if len(t.group.Files) == 0 {
		log.Debug("nothing deliverable in unit")
		return nil
	}
	if scope == unit.ScopeRun {
		p.runs = append(p.runs, t)
	} else {
		p.samples = append(p.samples, t)
	}
	return nil
}

func kindNames(kinds []unit.ArtifactKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ",")
}

// stageOf maps a pass-ending error to the stage reported for it.
func stageOf(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return notify.StageTimeout
	case errors.Is(err, ledger.ErrLedgerIO):
		return notify.StageLedger
	case errors.Is(err, context.Canceled):
		return notify.StageCanceled
	default:
		return notify.StageTransfer
	}
}
