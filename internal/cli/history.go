package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/counterpoint-ml/dstest/internal/config"
	"github.com/counterpoint-ml/dstest/internal/pipeline"
	"github.com/counterpoint-ml/dstest/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "Show recent downstream runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showHistory(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 5, "number of runs to show")

	return cmd
}

func showHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "config error", err)
	}

	dbPath := filepath.Join(cfg.Workspace, pipeline.HistoryFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("no run history at %s", dbPath))
	}

	s, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "history database error", err)
	}
	defer s.Close()

	runs, err := s.RecentRuns(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "history database error", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: runs})
	}

	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, r := range runs {
		passed, failed := 0, 0
		for _, o := range r.Outcomes {
			if o.Ok() {
				passed++
			} else {
				failed++
			}
		}
		fmt.Fprintf(w, "%s  %s  mode=%s  %d passed, %d failed\n",
			r.StartedAt.Format(time.RFC3339), r.ID, r.Mode, passed, failed)
		for _, o := range r.Outcomes {
			marker := "✓"
			if !o.Ok() {
				marker = "✗"
			}
			fmt.Fprintf(w, "    %s %s (%s)\n", marker, o.Consumer, string(o.Status))
		}
	}
	return nil
}
