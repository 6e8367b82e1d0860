package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cgg-gothenburg/seq-courier/internal/config"
	"github.com/cgg-gothenburg/seq-courier/internal/courier"
	"github.com/cgg-gothenburg/seq-courier/internal/logging"
	"github.com/cgg-gothenburg/seq-courier/internal/notify"
	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one delivery pass",
		Long: `Scan for finished runs, deliver every ready unit the ledger has not
seen, and record each delivery as it lands. Exits non-zero when any
unit failed or the pass stopped early.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			closer, err := logging.Setup(logging.Config{
				Format: cfg.Logging.Format,
				Level:  cfg.Logging.Level,
				Dir:    cfg.Logging.Dir,
			})
			if err != nil {
				return fmt.Errorf("set up logging: %w", err)
			}
			defer closer.Close()

			notifier, err := notify.New(notifyConfig(cfg))
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := courier.New(cfg, courier.Deps{Notifier: notifier})
			c.SetDryRun(dryRun)
			res, err := c.Run(runCtx)

			out := cmd.OutOrStdout()
			if table := renderOutcomes(res); table != "" {
				fmt.Fprintln(out, table)
			}
			counts := res.Counts()
			fmt.Fprintf(out, "delivered %d, skipped %d, incomplete %d, unpaired %d, failed %d\n",
				counts.Delivered, counts.Skipped, counts.Incomplete, counts.Unpaired, counts.Failed)

			if err != nil {
				return err
			}
			if res.Failed() {
				return fmt.Errorf("%d unit(s) failed", counts.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be delivered without connecting")
	return cmd
}

func notifyConfig(cfg *config.Config) notify.Config {
	n := cfg.Notify
	return notify.Config{
		OnSuccess: n.OnSuccess == nil || *n.OnSuccess,
		LogHint:   cfg.Logging.Dir,
		Timeout:   n.Timeout,
		Email: notify.EmailConfig{
			Host:     n.Email.Host,
			Port:     n.Email.Port,
			Username: n.Email.Username,
			Password: n.Email.Password,
			From:     n.Email.From,
			To:       n.Email.To,
			TLS:      n.Email.TLS,
			Timeout:  n.Timeout,
		},
		Ntfy: notify.NtfyConfig{
			Topic:   n.Ntfy.Topic,
			Timeout: n.Timeout,
		},
	}
}

// renderOutcomes tabulates every unit that was not skipped. Dry runs list
// the planned files instead.
func renderOutcomes(res transfer.Result) string {
	var rows [][]string
	for _, o := range res.Outcomes {
		if o.Status == transfer.StatusSkipped && !res.DryRun {
			continue
		}
		detail := o.Reason
		if o.Err != nil {
			detail = o.Stage + ": " + o.Err.Error()
		}
		if len(o.Files) == 0 {
			rows = append(rows, []string{o.UnitID, string(o.Scope), o.Status.String(), "", "", detail})
			continue
		}
		for _, f := range o.Files {
			size := ""
			if f.Object.Size > 0 {
				size = strconv.FormatInt(f.Object.Size, 10)
			}
			rows = append(rows, []string{o.UnitID, string(o.Scope), o.Status.String(), f.RemoteName, size, detail})
		}
	}
	if len(rows) == 0 {
		return ""
	}
	return renderTable(
		[]string{"Unit", "Scope", "Status", "Remote name", "Bytes", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
