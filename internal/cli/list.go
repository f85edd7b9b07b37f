package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/counterpoint-ml/dstest/internal/config"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List configured downstream consumers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "config error", err)
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: cfg.Consumers})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Library: %s (%s)\n", cfg.Library.Name, cfg.Library.Root)
			fmt.Fprintf(w, "Consumers (%d):\n", len(cfg.Consumers))
			for _, c := range cfg.Consumers {
				fmt.Fprintf(w, "  %s  %s\n", c.Name, c.Repo)
			}
			return nil
		},
	}
}
