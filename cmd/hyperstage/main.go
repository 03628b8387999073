// Command hyperstage runs staged model-selection experiments over CSV data
// and keeps a record of each run in SQLite.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/hyperstage/internal/monitoring"
	"github.com/banshee-data/hyperstage/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var quiet bool
	root := &cobra.Command{
		Use:           "hyperstage",
		Short:         "Staged AutoML experiments over tabular data",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if quiet {
				monitoring.SetLogger(nil)
				return
			}
			monitoring.SetLogger(log.New(cmd.ErrOrStderr(), "", log.LstdFlags).Printf)
		},
	}
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress logging")

	root.AddCommand(newRunCmd(), newConfigCmd(), newRunsCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func printf(w io.Writer, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, format, a...)
}
