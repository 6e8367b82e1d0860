// Package courier runs one delivery pass: it finds finished units, delivers
// the ones the ledger has not seen, and records each success as it lands.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cgg-gothenburg/seq-courier/internal/checkpoint"
	"github.com/cgg-gothenburg/seq-courier/internal/config"
	"github.com/cgg-gothenburg/seq-courier/internal/ledger"
	"github.com/cgg-gothenburg/seq-courier/internal/logging"
	"github.com/cgg-gothenburg/seq-courier/internal/metrics"
	"github.com/cgg-gothenburg/seq-courier/internal/naming"
	"github.com/cgg-gothenburg/seq-courier/internal/notify"
	"github.com/cgg-gothenburg/seq-courier/internal/report"
	"github.com/cgg-gothenburg/seq-courier/internal/storage"
	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrTimeout is returned when the pass deadline expires before every
// group was delivered.
var ErrTimeout = errors.New("pass deadline exceeded")

// digestCategories names the run-scope digest for each deliverable kind.
var digestCategories = map[unit.ArtifactKind]string{
	unit.KindLineage: naming.CategoryLineage,
}

// Deps carries collaborators that tests replace. Zero values are built
// from configuration.
type Deps struct {
	Destination storage.Destination
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Checkpoint  checkpoint.Manager
	OpenLedger  func(ctx context.Context, opts ledger.Options) (ledger.Ledger, error)
	Now         func() time.Time
}

// Courier runs delivery passes.
type Courier struct {
	cfg    *config.Config
	deps   Deps
	dryRun bool
	log    *slog.Logger
}

// New creates a courier. Configuration is validated by Run, not here, so a
// broken configuration still produces a failure notice.
func New(cfg *config.Config, deps Deps) *Courier {
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.OpenLedger == nil {
		deps.OpenLedger = ledger.Open
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Courier{
		cfg:  cfg,
		deps: deps,
		log:  logging.Component("courier"),
	}
}

// SetDryRun makes Run stop after naming: no session is opened and the
// ledger is opened read-only.
func (c *Courier) SetDryRun(dry bool) {
	c.dryRun = dry
}

// setup holds everything derived from configuration before any I/O.
type setup struct {
	codes       naming.Codes
	resolver    *unit.Resolver
	sampleKinds []unit.ArtifactKind
	runKinds    []unit.ArtifactKind
	dest        storage.Destination
	policy      transfer.Policy
}

func (c *Courier) prepare() (*setup, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := c.cfg.CheckPaths(); err != nil {
		return nil, err
	}

	s := &setup{
		codes:  c.cfg.CodesValue(),
		policy: transfer.Policy{Attempts: c.cfg.Transfer.RetryAttempts, Backoff: c.cfg.Transfer.RetryBackoff},
	}
	layout, err := c.cfg.UnitLayout()
	if err != nil {
		return nil, err
	}
	s.resolver = unit.NewResolver(layout).WithClock(c.deps.Now)

	if s.sampleKinds, err = c.cfg.SampleKinds(); err != nil {
		return nil, err
	}
	for _, k := range s.sampleKinds {
		if _, err := naming.DestinationName(s.codes, "S0", k); err != nil {
			return nil, fmt.Errorf("units.sample_kinds: %w", err)
		}
	}
	if s.runKinds, err = c.cfg.RunKinds(); err != nil {
		return nil, err
	}
	for _, k := range s.runKinds {
		if _, ok := digestCategories[k]; !ok && k != unit.KindRunManifest {
			return nil, fmt.Errorf("%w: units.run_kinds: %s has no digest category", naming.ErrConfiguration, k)
		}
	}

	s.dest = c.deps.Destination
	if s.dest == nil {
		if s.dest, err = storage.NewDestination(c.cfg.StorageConfig()); err != nil {
			return nil, fmt.Errorf("%w: %w", naming.ErrConfiguration, err)
		}
	}
	if c.deps.Checkpoint == nil {
		if c.deps.Checkpoint, err = checkpoint.NewManager(checkpoint.Config{Dir: c.cfg.State.Dir}); err != nil {
			return nil, fmt.Errorf("%w: %w", naming.ErrConfiguration, err)
		}
	}
	return s, nil
}

// Run executes one pass. The returned error is non-nil for pass-wide
// failures; per-unit failures only show up in the result.
func (c *Courier) Run(ctx context.Context) (transfer.Result, error) {
	passID := logging.NewPassID()
	ctx = logging.WithPassID(ctx, passID)
	log := logging.PassLogger(passID)

	res := transfer.Result{PassID: passID, DryRun: c.dryRun, Started: c.deps.Now()}
	log.Info("pass starting", "dry_run", c.dryRun, "version", Version)

	s, err := c.prepare()
	if err != nil {
		return c.abort(ctx, &res, nil, notify.StageConfig, err)
	}
	res.Destination = s.dest.Name()
	prev := c.previous(ctx)

	passCtx, cancel := context.WithTimeout(ctx, c.cfg.Transfer.BatchTimeout)
	defer cancel()

	opts := c.cfg.LedgerOptions()
	opts.ReadOnly = c.dryRun
	led, err := c.deps.OpenLedger(passCtx, opts)
	if err != nil {
		if errors.Is(err, ledger.ErrLocked) {
			// Another pass is still running and will pick up the same work.
			log.Warn("ledger held by another pass, skipping", "error", err)
			res.Finished = c.deps.Now()
			return res, nil
		}
		return c.abort(ctx, &res, prev, notify.StageLedger, err)
	}
	defer func() {
		if err := led.Close(); err != nil {
			log.Error("close ledger", "error", err)
		}
	}()

	p, err := c.buildPlan(passCtx, s, led)
	if err != nil {
		stage := notify.StageScan
		switch {
		case errors.Is(err, ledger.ErrLedgerIO):
			stage = notify.StageLedger
		case errors.Is(err, context.DeadlineExceeded):
			stage = notify.StageTimeout
		case errors.Is(err, context.Canceled):
			stage = notify.StageCanceled
		}
		return c.abort(ctx, &res, prev, stage, err)
	}
	for _, o := range p.outcomes {
		res.Add(o)
	}
	log.Info("plan ready",
		"samples", len(p.samples),
		"runs", len(p.runs),
		"not_ready", len(p.outcomes),
	)

	if c.dryRun {
		c.dryRunOutcomes(&res, s, p)
		c.finish(ctx, &res, prev, led, true)
		return res, nil
	}
	if len(p.samples) == 0 && len(p.runs) == 0 {
		log.Info("nothing to deliver")
		c.finish(ctx, &res, prev, led, true)
		return res, nil
	}

	connected := false
	err = transfer.WithSession(passCtx, s.dest, c.cfg.Destination.Dir, func(ctx context.Context, sess storage.Session) error {
		connected = true
		return c.deliver(ctx, sess, led, s, p, &res)
	})

	switch {
	case err == nil:
	case !connected:
		for _, t := range p.all() {
			res.Add(t.failed(notify.StageConnection, err))
		}
		return c.failAfterPlan(ctx, &res, prev, led, notify.StageConnection, err)
	case errors.Is(err, ledger.ErrLedgerIO):
		return c.failAfterPlan(ctx, &res, prev, led, notify.StageLedger, err)
	case errors.Is(err, ErrTimeout):
		return c.failAfterPlan(ctx, &res, prev, led, notify.StageTimeout, err)
	case errors.Is(err, context.Canceled):
		return c.failAfterPlan(ctx, &res, prev, led, notify.StageCanceled, err)
	default:
		// Everything was delivered and recorded; only closing failed.
		log.Warn("session close failed", "error", err)
	}

	c.finish(ctx, &res, prev, led, true)
	return res, nil
}

// deliver runs sample groups through the worker pool, then run digests one
// at a time so digest names never race.
func (c *Courier) deliver(ctx context.Context, sess storage.Session, led ledger.Ledger, s *setup, p *plan, res *transfer.Result) error {
	samplePipe := newPipeline(c, sess, led, s, c.cfg.Transfer.Workers)
	outcomes, err := samplePipe.run(ctx, p.samples)
	for _, o := range outcomes {
		res.Add(o)
	}
	if err != nil {
		for _, t := range p.runs {
			res.Add(t.failed(stageOf(err), err))
		}
		return err
	}

	// A run digest goes out only after none of its samples failed in this
	// pass; the next pass retries both.
	failedRuns := make(map[string]bool)
	for i, o := range outcomes {
		if o.Status == transfer.StatusFailed {
			failedRuns[p.samples[i].runID] = true
		}
	}
	var runs []*task
	for _, t := range p.runs {
		if failedRuns[t.runID] {
			res.Add(transfer.Outcome{
				UnitID: t.key.UnitID,
				Scope:  t.key.Scope,
				Status: transfer.StatusIncomplete,
				Reason: "samples of this run failed in this pass",
			})
			continue
		}
		runs = append(runs, t)
	}

	runPipe := newPipeline(c, sess, led, s, 1)
	outcomes, err = runPipe.run(ctx, runs)
	for _, o := range outcomes {
		res.Add(o)
	}
	return err
}

// dryRunOutcomes reports what would be delivered without touching the
// destination.
func (c *Courier) dryRunOutcomes(res *transfer.Result, s *setup, p *plan) {
	taken := make(map[string]bool)
	exists := func(name string) (bool, error) { return taken[name], nil }

	for _, t := range p.all() {
		if t.key.Scope == unit.ScopeRun {
			if err := t.nameDigests(s.codes, exists, c.cfg.Transfer.NameProbeLimit); err != nil {
				res.Add(t.failed(notify.StageTransfer, err))
				continue
			}
		}
		o := transfer.Outcome{
			UnitID: t.key.UnitID,
			Scope:  t.key.Scope,
			Status: transfer.StatusSkipped,
			Reason: "dry run",
		}
		for _, f := range t.group.Files {
			taken[f.RemoteName] = true
			o.Files = append(o.Files, transfer.Delivered{File: f})
			c.log.Info("would deliver", "unit_id", t.key.UnitID, "kind", f.Kind, "source", f.LocalPath, "remote", f.RemoteName)
		}
		res.Add(o)
	}
}

// previous loads the last pass summary, if any.
func (c *Courier) previous(ctx context.Context) *checkpoint.Checkpoint {
	cp, err := c.deps.Checkpoint.Load(ctx)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			c.log.Warn("failed to load last pass summary", "error", err)
		}
		return nil
	}
	return cp
}

// abort ends a pass that failed before any unit was attempted.
func (c *Courier) abort(ctx context.Context, res *transfer.Result, prev *checkpoint.Checkpoint, stage string, err error) (transfer.Result, error) {
	res.Finished = c.deps.Now()
	logging.PassLogger(res.PassID).Error("pass aborted", "stage", stage, "error", err)

	var lastSuccess time.Time
	if prev != nil {
		lastSuccess = prev.LastSuccess
	}
	if !c.dryRun {
		c.deps.Metrics.MarkAborted(res.Finished, lastSuccess)
		c.writeMetrics()
	}

	if c.deps.Checkpoint != nil && !c.dryRun {
		cp := checkpoint.FromResult(*res, prev)
		cp.Aborted = stage
		cp.LastSuccess = lastSuccess
		if serr := c.deps.Checkpoint.Save(ctx, cp); serr != nil {
			c.log.Warn("failed to save pass summary", "error", serr)
		}
	}

	c.deps.Notifier.OnBatchFailure(ctx, stage, notify.Detail{PassID: res.PassID, Err: err})
	return *res, fmt.Errorf("%s: %w", stage, err)
}

// failAfterPlan ends a pass that stopped part-way; the per-unit outcomes
// gathered so far are still persisted.
func (c *Courier) failAfterPlan(ctx context.Context, res *transfer.Result, prev *checkpoint.Checkpoint, led ledger.Ledger, stage string, err error) (transfer.Result, error) {
	c.finish(ctx, res, prev, led, false)
	c.deps.Notifier.OnBatchFailure(ctx, stage, notify.Detail{PassID: res.PassID, Err: err})
	return *res, fmt.Errorf("%s: %w", stage, err)
}

// finish writes the audit table, metrics and pass summary, then sends the
// completion notice when asked to.
func (c *Courier) finish(ctx context.Context, res *transfer.Result, prev *checkpoint.Checkpoint, led ledger.Ledger, complete bool) {
	res.Finished = c.deps.Now()
	log := logging.PassLogger(res.PassID)
	counts := res.Counts()
	log.Info("pass complete",
		"delivered", counts.Delivered,
		"skipped", counts.Skipped,
		"incomplete", counts.Incomplete,
		"unpaired", counts.Unpaired,
		"failed", counts.Failed,
		"bytes", res.Bytes(),
		"duration", res.Duration().String(),
	)

	ctx = context.WithoutCancel(ctx)
	cp := checkpoint.FromResult(*res, prev)

	// A dry run leaves no trace besides its log and notice.
	if !res.DryRun {
		if c.cfg.Audit.Dir != "" {
			path, err := report.Write(c.cfg.Audit.Dir, *res)
			if err != nil {
				log.Error("failed to write audit report", "error", err)
			} else if path != "" {
				cp.AuditFile = path
				log.Info("audit report written", "path", path)
				c.appendEvent(*res, path)
			}
		}

		c.deps.Metrics.ObservePass(*res, cp.LastSuccess)
		if keys, err := led.Keys(ctx); err == nil {
			c.deps.Metrics.SetLedgerKeys(len(keys))
		}
		c.writeMetrics()

		if err := c.deps.Checkpoint.Save(ctx, cp); err != nil {
			log.Warn("failed to save pass summary", "error", err)
		}
	}

	if complete {
		c.deps.Notifier.OnBatchComplete(ctx, *res)
	}
}

// appendEvent links the pass into the audit event chain.
func (c *Courier) appendEvent(res transfer.Result, auditPath string) {
	chain, err := report.OpenChain(c.cfg.Audit.Dir, c.cfg.State.Dir)
	if err == nil {
		var path string
		path, err = chain.Append(res, auditPath, report.ProducerInfo{Name: "seq-courier", Version: Version, GitSHA: GitSHA})
		if err == nil {
			c.log.Debug("pass event appended", "path", path)
			return
		}
	}
	c.log.Error("failed to append pass event", "error", err)
}

func (c *Courier) writeMetrics() {
	if err := c.deps.Metrics.WriteTextfile(c.cfg.Metrics.Textfile); err != nil {
		c.log.Warn("failed to write metrics", "error", err)
	}
}
