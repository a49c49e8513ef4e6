package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/orca/internal/config"
)

// NewRootCommand builds the orca command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orca",
		Short: "Single-host task orchestration for coding agents",
		Long: `orca routes chat messages either to a direct model answer or to a
coding agent running in an isolated per-task container, and streams the
agent's progress back as ordered events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to orca.yaml or orca.json (default: ./orca.yaml, then $HOME/.orca)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCommand(),
		newAskCommand(),
		newTaskCommand(),
		newHistoryCommand(),
		newReapCommand(),
		newInitCommand(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// setup loads and validates configuration and builds the logger. Logs go
// to stderr so command output stays clean.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, nil, err
	}
	if level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, fmt.Errorf("configure logging: %w", err)
	}
	if cfg.Source != "" {
		logger.Debug("loaded configuration", "path", cfg.Source)
	}
	return cfg, logger, nil
}
