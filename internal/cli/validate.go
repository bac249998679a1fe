package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay/internal/config"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file against the schema",
		Long: `Validate a relay YAML configuration file against the embedded CUE
schema without starting a bot. Exits non-zero on the first violation.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (bot %q, queue %d, log %s)\n",
				args[0], cfg.Bot.Name, cfg.Bot.EventQueueSize, cfg.Bot.LogLevel)
			return nil
		},
	}
}
