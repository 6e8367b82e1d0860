// Package notify tells operators how a pass ended.
//
// Delivery is fire-and-forget: a sink that fails to send is logged and the
// pass result is left untouched. Recipients and topics live in
// configuration, never at the call site.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cgg-gothenburg/seq-courier/internal/logging"
	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
)

// Stages reported through OnBatchFailure.
const (
	StageConfig     = "configuration"
	StageLedger     = "ledger"
	StageScan       = "scan"
	StageConnection = "connection"
	StageTransfer   = "transfer"
	StageTimeout    = "timeout"
	StageCanceled   = "canceled"
)

// Notifier receives terminal pass events.
type Notifier interface {
	// OnBatchComplete reports the summary of a finished pass.
	OnBatchComplete(ctx context.Context, result transfer.Result)

	// OnBatchFailure reports a pass-wide failure.
	OnBatchFailure(ctx context.Context, stage string, detail Detail)
}

// Detail describes a pass-wide failure.
type Detail struct {
	PassID string
	UnitID string
	Err    error
}

// Message is a rendered notification.
type Message struct {
	Subject  string
	Body     string
	Priority string // "high" for failures
	Tags     []string
}

// sink delivers a rendered message over one transport.
type sink interface {
	name() string
	send(ctx context.Context, msg Message) error
}

// Config selects and configures sinks.
type Config struct {
	// OnSuccess enables completion notices for passes without failures.
	OnSuccess bool

	// LogHint tells the reader where to find the full log.
	LogHint string

	// Timeout bounds each send.
	Timeout time.Duration

	Email EmailConfig
	Ntfy  NtfyConfig
}

// New builds a notifier from every configured sink. With none configured,
// a no-op notifier is returned.
func New(cfg Config) (Notifier, error) {
	var sinks []sink
	if cfg.Email.Host != "" {
		s, err := newEmailSink(cfg.Email)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if strings.TrimSpace(cfg.Ntfy.Topic) != "" {
		sinks = append(sinks, newNtfySink(cfg.Ntfy))
	}
	if len(sinks) == 0 {
		return Noop{}, nil
	}
	return newDispatcher(cfg, sinks...), nil
}

// Noop discards every event.
type Noop struct{}

func (Noop) OnBatchComplete(context.Context, transfer.Result) {}
func (Noop) OnBatchFailure(context.Context, string, Detail)   {}

// dispatcher renders events and hands them to its sinks.
type dispatcher struct {
	sinks     []sink
	onSuccess bool
	logHint   string
	timeout   time.Duration
	log       *slog.Logger
}

func newDispatcher(cfg Config, sinks ...sink) *dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &dispatcher{
		sinks:     sinks,
		onSuccess: cfg.OnSuccess,
		logHint:   cfg.LogHint,
		timeout:   timeout,
		log:       logging.Component("notify"),
	}
}

func (d *dispatcher) OnBatchComplete(ctx context.Context, result transfer.Result) {
	if !ShouldReport(result, d.onSuccess) {
		d.log.Debug("completion notice suppressed", "pass_id", result.PassID)
		return
	}
	d.dispatch(ctx, CompletionMessage(result, d.logHint))
}

func (d *dispatcher) OnBatchFailure(ctx context.Context, stage string, detail Detail) {
	d.dispatch(ctx, FailureMessage(stage, detail, d.logHint))
}

func (d *dispatcher) dispatch(ctx context.Context, msg Message) {
	// Notices are sent after the pass deadline may have expired; they get
	// their own budget.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	for _, s := range d.sinks {
		if err := s.send(sendCtx, msg); err != nil {
			d.log.Error("notification failed", "sink", s.name(), "subject", msg.Subject, "error", err)
			continue
		}
		d.log.Debug("notification sent", "sink", s.name(), "subject", msg.Subject)
	}
}

// ShouldReport decides whether a completion notice is worth sending.
// Failures and unpaired mates always are; a quiet pass that delivered
// nothing never is.
func ShouldReport(result transfer.Result, onSuccess bool) bool {
	c := result.Counts()
	if c.Failed > 0 || c.Unpaired > 0 {
		return true
	}
	if !onSuccess || result.DryRun {
		return false
	}
	return c.Delivered > 0
}

// CompletionMessage renders a pass summary.
func CompletionMessage(result transfer.Result, logHint string) Message {
	c := result.Counts()

	subject := fmt.Sprintf("seq-courier: %d delivered", c.Delivered)
	priority := ""
	tags := []string{"seq-courier", "pass", "completed"}
	if c.Failed > 0 {
		subject = fmt.Sprintf("seq-courier: %d delivered, %d FAILED", c.Delivered, c.Failed)
		priority = "high"
		tags = append(tags, "failed")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pass %s to %s finished in %s.\n\n", result.PassID, result.Destination, result.Duration().Round(time.Second))
	fmt.Fprintf(&b, "Delivered:  %d\n", c.Delivered)
	fmt.Fprintf(&b, "Skipped:    %d\n", c.Skipped)
	fmt.Fprintf(&b, "Incomplete: %d\n", c.Incomplete)
	fmt.Fprintf(&b, "Unpaired:   %d\n", c.Unpaired)
	fmt.Fprintf(&b, "Failed:     %d\n", c.Failed)

	writeSection(&b, "Delivered units", result.Filter(transfer.StatusDelivered), func(o transfer.Outcome) string {
		return fmt.Sprintf("%s (%s, %d files)", o.UnitID, o.Scope, len(o.Files))
	})
	writeSection(&b, "Unpaired mates (operator attention)", result.Filter(transfer.StatusUnpaired), func(o transfer.Outcome) string {
		return fmt.Sprintf("%s: missing %s", o.UnitID, o.Reason)
	})
	writeSection(&b, "Failed units", result.Filter(transfer.StatusFailed), func(o transfer.Outcome) string {
		return fmt.Sprintf("%s [%s]: %v", o.UnitID, o.Stage, o.Err)
	})

	if logHint != "" {
		fmt.Fprintf(&b, "\nLog: %s\n", logHint)
	}
	return Message{Subject: subject, Body: b.String(), Priority: priority, Tags: tags}
}

// FailureMessage renders a pass-wide failure.
func FailureMessage(stage string, detail Detail, logHint string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n", stage)
	if detail.PassID != "" {
		fmt.Fprintf(&b, "Pass: %s\n", detail.PassID)
	}
	if detail.UnitID != "" {
		fmt.Fprintf(&b, "Unit: %s\n", detail.UnitID)
	}
	if detail.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", detail.Err)
	}
	if logHint != "" {
		fmt.Fprintf(&b, "\nLog: %s\n", logHint)
	}
	return Message{
		Subject:  fmt.Sprintf("seq-courier: pass failed at %s", stage),
		Body:     b.String(),
		Priority: "high",
		Tags:     []string{"seq-courier", "error", stage},
	}
}

func writeSection(b *strings.Builder, title string, outcomes []transfer.Outcome, line func(transfer.Outcome) string) {
	if len(outcomes) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, o := range outcomes {
		fmt.Fprintf(b, "  - %s\n", line(o))
	}
}
