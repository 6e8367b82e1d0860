package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cgg-gothenburg/seq-courier/internal/config"
	"github.com/cgg-gothenburg/seq-courier/internal/courier"
)

// commandContext loads the configuration once per invocation.
type commandContext struct {
	configFlag *string
	cfg        *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := *c.configFlag
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "seq-courier",
		Short:         "Deliver finished sequencing results to the national inbox",
		Version:       fmt.Sprintf("%s (%s)", courier.Version, courier.GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default "+config.DefaultPath+")")

	rootCmd.AddCommand(newSyncCommand(ctx))
	rootCmd.AddCommand(newLedgerCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newRemoteCommand(ctx))

	return rootCmd
}
