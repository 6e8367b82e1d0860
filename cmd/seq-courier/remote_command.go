package main

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cgg-gothenburg/seq-courier/internal/storage"
	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
)

type remoteEntry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified,omitzero"`
	URI      string    `json:"uri"`
}

func newRemoteCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Inspect the destination inbox",
	}
	cmd.AddCommand(newRemoteListCommand(ctx))
	return cmd
}

func newRemoteListCommand(ctx *commandContext) *cobra.Command {
	var (
		match  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List files in the destination directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if _, err := path.Match(match, ""); err != nil {
				return fmt.Errorf("invalid --match pattern %q: %w", match, err)
			}
			dest, err := storage.NewDestination(cfg.StorageConfig())
			if err != nil {
				return err
			}

			var entries []remoteEntry
			err = transfer.WithSession(cmd.Context(), dest, cfg.Destination.Dir, func(ctx context.Context, sess storage.Session) error {
				entries, err = listRemote(ctx, sess, match)
				return err
			})
			if err != nil {
				return err
			}

			if asJSON {
				if entries == nil {
					entries = []remoteEntry{}
				}
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "No files at %s\n", dest.Name())
				return nil
			}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{e.Name, strconv.FormatInt(e.Size, 10), formatTime(e.Modified), e.URI}
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Name", "Bytes", "Modified", "URI"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
			))
			fmt.Fprintf(out, "%d file(s)\n", len(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&match, "match", "*", "Only list names matching this glob")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

func listRemote(ctx context.Context, sess storage.Session, match string) ([]remoteEntry, error) {
	names, err := sess.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var entries []remoteEntry
	for _, name := range names {
		if ok, _ := path.Match(match, name); !ok {
			continue
		}
		info, err := sess.Head(ctx, name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, remoteEntry{Name: name, Size: info.Size, Modified: info.ModTime, URI: sess.URI(name)})
	}
	return entries, nil
}
