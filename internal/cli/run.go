package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/internal/config"
)

// NewRunCommand creates the run command: a bot wired to the local
// console with the demo node set.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a demo bot on the local console",
		Long: `Run starts a bot with the built-in demo nodes and a console adapter:
stdin lines become message events, replies are printed to stdout.
Stops on Ctrl-C or EOF.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if rootOpts.ConfigPath != "" {
				loaded, err := config.Load(rootOpts.ConfigPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			log := newLogger(cfg.Bot.LogLevel, rootOpts.Verbose)

			console := &ConsoleAdapter{
				In:      cmd.InOrStdin(),
				Out:     cmd.OutOrStdout(),
				Session: "console",
			}
			bot := relay.New(
				relay.WithConfig(cfg),
				relay.WithLogger(log),
				relay.WithReplier(console),
				relay.WithAdapters(console),
			)
			bot.Register(DemoNodes()...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := bot.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
