package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cgg-gothenburg/seq-courier/internal/ledger"
	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and seed the delivery ledger",
	}
	cmd.AddCommand(newLedgerListCommand(ctx))
	cmd.AddCommand(newLedgerCheckCommand(ctx))
	cmd.AddCommand(newLedgerImportCommand(ctx))
	return cmd
}

func newLedgerListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every delivered unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := cfg.LedgerOptions()
			opts.ReadOnly = true
			l, err := ledger.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer l.Close()

			keys, err := l.Keys(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				type entry struct {
					Scope  string `json:"scope"`
					UnitID string `json:"unit_id"`
				}
				entries := make([]entry, len(keys))
				for i, k := range keys {
					entries[i] = entry{Scope: string(k.Scope), UnitID: k.UnitID}
				}
				return writeJSON(cmd, entries)
			}

			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Ledger is empty")
				return nil
			}
			rows := make([][]string, len(keys))
			for i, k := range keys {
				rows[i] = []string{string(k.Scope), k.UnitID}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Scope", "Unit"}, rows, nil))
			fmt.Fprintf(cmd.OutOrStdout(), "%d unit(s)\n", len(keys))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newLedgerCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check <scope> <unit-id>",
		Short: "Report whether a unit has been delivered",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := unit.ParseScope(args[0])
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := cfg.LedgerOptions()
			opts.ReadOnly = true
			l, err := ledger.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer l.Close()

			key := ledger.Key{UnitID: args[1], Scope: scope}
			delivered, err := l.HasDelivered(cmd.Context(), key)
			if err != nil {
				return err
			}
			if delivered {
				fmt.Fprintf(cmd.OutOrStdout(), "%s delivered\n", key)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s not delivered\n", key)
			}
			return nil
		},
	}
}

func newLedgerImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Record every id listed in an older one-id-per-line file",
		Long: `Import reads a file with one unit id per line (bare ids are sample
scope, "run:<id>" lines are run scope) and records the ids the ledger
does not hold yet. Takes the ledger lock like a delivery pass.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			l, err := ledger.Open(cmd.Context(), cfg.LedgerOptions())
			if err != nil {
				return err
			}
			defer l.Close()

			added, err := ledger.Import(cmd.Context(), l, args[0])
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d new unit(s) from %s\n", added, args[0])
			return nil
		},
	}
}
