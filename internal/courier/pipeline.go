package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cgg-gothenburg/seq-courier/internal/ledger"
	"github.com/cgg-gothenburg/seq-courier/internal/logging"
	"github.com/cgg-gothenburg/seq-courier/internal/notify"
	"github.com/cgg-gothenburg/seq-courier/internal/storage"
	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

// job is a task with its position in the plan, so outcomes come back in
// plan order whatever the worker interleaving.
type job struct {
	index int
	task  *task
}

// pipeline implements the dispatcher → workers flow over one session.
// Workers deliver different units concurrently; ledger writes are
// serialized.
type pipeline struct {
	c       *Courier
	sess    storage.Session
	led     ledger.Ledger
	setup   *setup
	workers int
	log     *slog.Logger

	recordMu sync.Mutex
	nameMu   sync.Mutex

	fatalMu  sync.Mutex
	fatalErr error
}

func newPipeline(c *Courier, sess storage.Session, led ledger.Ledger, s *setup, workers int) *pipeline {
	if workers < 1 {
		workers = 1
	}
	return &pipeline{
		c:       c,
		sess:    sess,
		led:     led,
		setup:   s,
		workers: workers,
		log:     logging.Component("pipeline"),
	}
}

// run delivers tasks and returns one outcome per task, in task order. The
// error is non-nil when the pass has to stop: the deadline expired, the
// ledger failed, or ctx was cancelled.
func (p *pipeline) run(ctx context.Context, tasks []*task) ([]transfer.Outcome, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]*transfer.Outcome, len(tasks))
	work := make(chan job)

	p.log.Info("starting deliveries", "groups", len(tasks), "workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := range work {
				o := p.process(runCtx, workerID, j.task, cancel)
				outcomes[j.index] = &o
			}
		}(i)
	}

	// Dispatcher
dispatch:
	for i, t := range tasks {
		select {
		case <-runCtx.Done():
			break dispatch
		case work <- job{index: i, task: t}:
		}
	}
	close(work)
	wg.Wait()

	var err error
	if stoppedEarly(outcomes) {
		err = p.stopReason(ctx)
	}
	out := make([]transfer.Outcome, len(tasks))
	for i, o := range outcomes {
		if o != nil {
			out[i] = *o
			continue
		}
		// Never dispatched.
		out[i] = tasks[i].failed(stageOf(err), err)
	}
	return out, err
}

// stopReason explains why the pipeline stopped early, or returns nil when
// every task ran.
func (p *pipeline) stopReason(ctx context.Context) error {
	if err := p.fatalError(); err != nil {
		return err
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case err != nil:
		return err
	}
	return nil
}

// stoppedEarly reports whether any task was skipped or cut short.
func stoppedEarly(outcomes []*transfer.Outcome) bool {
	for _, o := range outcomes {
		if o == nil {
			return true
		}
		if o.Status != transfer.StatusFailed {
			continue
		}
		if errors.Is(o.Err, ErrTimeout) || errors.Is(o.Err, context.Canceled) || o.Stage == notify.StageLedger {
			return true
		}
	}
	return false
}

// process delivers one group and records it in the ledger.
func (p *pipeline) process(ctx context.Context, workerID int, t *task, stop context.CancelFunc) transfer.Outcome {
	log := logging.UnitLogger(logging.WorkerLogger(p.log, workerID), t.key.UnitID, string(t.key.Scope))

	if ctx.Err() != nil {
		return p.interrupted(ctx, t)
	}

	if t.key.Scope == unit.ScopeRun {
		if err := p.nameDigests(ctx, t); err != nil {
			if ctx.Err() != nil {
				return p.interrupted(ctx, t)
			}
			log.Error("digest naming failed", "error", err)
			return t.failed(notify.StageTransfer, err)
		}
	}

	start := time.Now()
	delivered, err := transfer.DeliverGroup(ctx, p.sess, t.group, p.setup.policy)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("delivery interrupted", "error", err)
			return p.interrupted(ctx, t)
		}
		log.Error("delivery failed", "error", err)
		return t.failed(notify.StageTransfer, err)
	}
	took := time.Since(start)
	p.c.deps.Metrics.ObserveGroup(p.setup.dest.Name(), string(t.key.Scope), delivered, took)

	// The files are at the destination; record them even if the deadline
	// expired meanwhile.
	if err := p.record(context.WithoutCancel(ctx), t.key); err != nil {
		log.Error("delivered but not recorded; unit will be sent again", "error", err)
		p.fatal(err, stop)
		return t.failed(notify.StageLedger, err)
	}

	log.Info("unit delivered", "files", len(delivered), "duration", took.String())
	return transfer.Outcome{
		UnitID: t.key.UnitID,
		Scope:  t.key.Scope,
		Status: transfer.StatusDelivered,
		Files:  delivered,
	}
}

func (p *pipeline) nameDigests(ctx context.Context, t *task) error {
	p.nameMu.Lock()
	defer p.nameMu.Unlock()
	exists := func(name string) (bool, error) {
		return p.sess.Exists(ctx, name)
	}
	return t.nameDigests(p.setup.codes, exists, p.c.cfg.Transfer.NameProbeLimit)
}

func (p *pipeline) record(ctx context.Context, key ledger.Key) error {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()
	return p.led.RecordDelivered(ctx, key)
}

// fatal stops every worker after the current group.
func (p *pipeline) fatal(err error, stop context.CancelFunc) {
	p.fatalMu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.fatalMu.Unlock()
	stop()
}

func (p *pipeline) fatalError() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

func (p *pipeline) interrupted(ctx context.Context, t *task) transfer.Outcome {
	err := context.Cause(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return t.failed(notify.StageTimeout, fmt.Errorf("%w: %w", ErrTimeout, err))
	}
	if ferr := p.fatalError(); ferr != nil {
		return t.failed(notify.StageLedger, fmt.Errorf("pass stopped: %w", ferr))
	}
	if errors.Is(err, context.Canceled) {
		return t.failed(notify.StageCanceled, err)
	}
	return t.failed(notify.StageTransfer, err)
}
