package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/counterpoint-ml/dstest/internal/artifact"
	"github.com/counterpoint-ml/dstest/internal/config"
	"github.com/counterpoint-ml/dstest/internal/execx"
	"github.com/counterpoint-ml/dstest/internal/manifest"
	"github.com/counterpoint-ml/dstest/internal/pipeline"
	"github.com/counterpoint-ml/dstest/internal/report"
	"github.com/counterpoint-ml/dstest/internal/runner"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Clean         bool
	Mode          string
	SectionPolicy string
	MaxFailures   int
	NoHistory     bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [consumer...]",
		Short: "Run downstream compatibility tests",
		Long: `Run the compatibility suite against the named consumers (default: all).

For each consumer: sync its working copy, redirect its dependency override
to the local build of the library, install, test, and restore the original
manifest on every exit path.

Exit codes:
  0 - All consumers passed
  1 - One or more consumers failed or were skipped
  2 - Command error (bad config, ambiguous build artifact, interruption)

Examples:
  dstest run
  dstest run agent-kit eval-bench
  dstest run --mode packaged --clean
  dstest run --section-policy create`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownstream(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Clean, "clean", false, "remove the whole workspace before running (destructive)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "editable", "build mode (editable|packaged)")
	cmd.Flags().StringVar(&opts.SectionPolicy, "section-policy", "", "override-section policy (fail|create); default derived from mode")
	cmd.Flags().IntVar(&opts.MaxFailures, "max-failures", runner.DefaultMaxFailures, "pytest --maxfail bound for the fallback strategy")
	cmd.Flags().BoolVar(&opts.NoHistory, "no-history", false, "do not record the run in the history database")

	return cmd
}

func runDownstream(opts *RunOptions, selectors []string, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "config error", err)
	}

	mode, err := artifact.ParseMode(opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}

	pipeOpts := pipeline.Options{
		Selectors:   selectors,
		Clean:       opts.Clean,
		Mode:        mode,
		MaxFailures: opts.MaxFailures,
		History:     !opts.NoHistory,
	}
	if opts.SectionPolicy != "" {
		policy, err := manifest.ParsePolicy(opts.SectionPolicy)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid flags", err)
		}
		pipeOpts.SectionPolicy = policy
		pipeOpts.HasPolicy = true
	}

	log := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	summary, err := pipeline.New(cfg, execx.Local{}, log).Run(cmd.Context(), pipeOpts)
	if err != nil {
		if len(summary.Outcomes) > 0 && opts.Format != "json" {
			// Partial results from an interrupted run are still worth
			// showing before the error.
			report.Render(cmd.OutOrStdout(), summary)
		}
		return WrapExitError(ExitCommandError, "run aborted", err)
	}

	if opts.Format == "json" {
		return outputRunJSON(cmd, summary)
	}

	report.Render(cmd.OutOrStdout(), summary)
	if !summary.Ok {
		return NewExitError(ExitFailure, fmt.Sprintf("%d consumer(s) did not pass", len(summary.Failed)+len(summary.Skipped)))
	}
	return nil
}

func outputRunJSON(cmd *cobra.Command, summary report.Summary) error {
	resp := CLIResponse{Status: "ok", Data: summary}
	if !summary.Ok {
		resp.Status = "error"
		resp.Error = &CLIError{
			Code:    "E_DOWNSTREAM_FAILED",
			Message: fmt.Sprintf("%d consumer(s) did not pass", len(summary.Failed)+len(summary.Skipped)),
		}
	}
	if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !summary.Ok {
		return NewExitError(ExitFailure, resp.Error.Message)
	}
	return nil
}
