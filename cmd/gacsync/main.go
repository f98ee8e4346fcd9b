// Package main is the entry point of gacsync, the operator CLI of the
// analytics pageview sync engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/j-veylop/analytics-counter/internal/config"
	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/services"
	"github.com/j-veylop/analytics-counter/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gacsync",
		Short: "gacsync keeps local pageview counters in sync with Google Analytics.",
		Long: `gacsync fetches the pageview report one chunk per cycle, stores a count per
path and recomputes per-entity totals from a work queue.

Configuration is read from .env files (current directory,
~/.config/analytics-counter/.env, ~/.analytics-counter/.env) and the
environment. See DATABASE_PATH, GA_PROFILE_ID, GA_CHUNK_SIZE and friends.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newCronCommand(),
		newRunCommand(),
		newFetchCommand(),
		newAggregateCommand(),
		newEnqueueCommand(),
		newCountCommand(),
		newAliasCommand(),
		newAuthCommand(),
		newRevokeCommand(),
		newResetCommand(),
		newStatusCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.GetVersion())
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version number")
	return cmd
}

// managerFunc is the body of a command that needs the services.
type managerFunc func(ctx context.Context, cmd *cobra.Command, m *services.Manager, cfg *config.Config, args []string) error

// withManager loads the configuration, starts the services and runs fn
// with a context cancelled on SIGINT or SIGTERM.
func withManager(fn managerFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		logger.Debug("starting",
			"version", version.GetVersion(),
			"commit", version.GetCommit(),
			"built", version.GetDate(),
		)

		mgr, err := services.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize services: %w", err)
		}
		defer func() {
			if closeErr := mgr.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: error closing services: %v\n", closeErr)
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return fn(ctx, cmd, mgr, cfg, args)
	}
}
