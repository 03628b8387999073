package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/hyperstage/internal/runstore"
	"github.com/banshee-data/hyperstage/internal/timeutil"
)

func newRunsCmd() *cobra.Command {
	var dbPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded experiment runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTATUS\tMODE\tTASK\tSCORER\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, r.Mode, r.Task, r.Scorer,
					r.StartedAt.Local().Format(time.DateTime), duration(r))
			}
			return tw.Flush()
		},
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "hyperstage.db", "SQLite run store")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list, newest first")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run id>",
		Short: "Print one run with its stage diagnostics as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if errors.Is(err, runstore.ErrNotFound) {
				return fmt.Errorf("no run %q in %s", args[0], dbPath)
			}
			if err != nil {
				return err
			}
			diags, err := store.Diagnostics(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				runstore.Run
				Diagnostics []runstore.Diagnostic `json:"diagnostics"`
			}{run, diags})
		},
	})
	return cmd
}

func openStore(path string) (*runstore.Store, error) {
	if path == "" {
		return nil, errors.New("--db is required")
	}
	store, err := runstore.Open(path, timeutil.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	return store, nil
}

func duration(r runstore.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
