package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cgg-gothenburg/seq-courier/internal/checkpoint"
	"github.com/cgg-gothenburg/seq-courier/internal/report"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		asJSON    bool
		showAudit bool
		verify    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the summary of the last pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			mgr, err := checkpoint.NewManager(checkpoint.Config{Dir: cfg.State.Dir})
			if err != nil {
				return err
			}
			if verify {
				n, err := report.VerifyChain(cfg.Audit.Dir, cfg.State.Dir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Audit chain intact (%d events)\n", n)
			}

			cp, err := mgr.Load(cmd.Context())
			if errors.Is(err, checkpoint.ErrNoCheckpoint) {
				fmt.Fprintln(cmd.OutOrStdout(), "No pass recorded yet")
				return nil
			}
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, cp)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderSummary(cp))
			if len(cp.Failures) > 0 {
				rows := make([][]string, len(cp.Failures))
				for i, f := range cp.Failures {
					rows[i] = []string{f.UnitID, f.Scope, f.Stage, f.Error}
				}
				fmt.Fprintln(out, renderTable([]string{"Unit", "Scope", "Stage", "Error"}, rows, nil))
			}

			if showAudit && cp.AuditFile != "" {
				rows, err := report.Read(cp.AuditFile)
				if err != nil {
					return fmt.Errorf("read audit report: %w", err)
				}
				table := make([][]string, len(rows))
				for i, r := range rows {
					table[i] = []string{r.UnitID, r.Kind, r.RemoteName, strconv.FormatInt(r.Size, 10), r.SHA256}
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Unit", "Kind", "Remote name", "Bytes", "SHA-256"},
					table,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&showAudit, "audit", false, "List the files delivered by the last pass")
	cmd.Flags().BoolVar(&verify, "verify", false, "Check the hash chain of pass events in the audit directory")
	return cmd
}

func renderSummary(cp *checkpoint.Checkpoint) string {
	rows := [][]string{
		{"Pass", cp.PassID},
		{"Destination", cp.Destination},
		{"Started", formatTime(cp.Started)},
		{"Finished", formatTime(cp.Finished)},
		{"Delivered", strconv.Itoa(cp.Counts.Delivered)},
		{"Skipped", strconv.Itoa(cp.Counts.Skipped)},
		{"Incomplete", strconv.Itoa(cp.Counts.Incomplete)},
		{"Unpaired", strconv.Itoa(cp.Counts.Unpaired)},
		{"Failed", strconv.Itoa(cp.Counts.Failed)},
		{"Bytes", strconv.FormatInt(cp.Bytes, 10)},
		{"Last success", formatTime(cp.LastSuccess)},
	}
	if cp.DryRun {
		rows = append(rows, []string{"Dry run", "yes"})
	}
	if cp.Aborted != "" {
		rows = append(rows, []string{"Aborted at", cp.Aborted})
	}
	for _, id := range cp.Unpaired {
		rows = append(rows, []string{"Unpaired mate", id})
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
