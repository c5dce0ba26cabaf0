// Package commands implements the crewclaw CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crewclaw",
		Short: "CrewClaw - lead-agent orchestration daemon",
		Long: `CrewClaw coordinates a lead AI agent that delegates subtasks to
ephemeral subagents and long-lived teammates.

Examples:
  crewclaw chat
  crewclaw serve
  crewclaw team list
  crewclaw roles list
  crewclaw vault init`,
		Version: version,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newServeCmd(),
		newTeamCmd(),
		newRolesCmd(),
		newRunsCmd(),
		newConfigCmd(),
		newVaultCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config file named by --config or found in the
// standard locations, falling back to defaults when none exists.
func resolveConfig(cmd *cobra.Command) (*orchestrator.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = orchestrator.FindConfigFile()
	}
	if path == "" {
		return orchestrator.DefaultConfig(), nil
	}

	cfg, err := orchestrator.LoadConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// buildLogger creates the process logger per config and --verbose.
func buildLogger(cmd *cobra.Command, cfg *orchestrator.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch {
	case verbose, cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		level = slog.LevelWarn
	case cfg.Logging.Level == "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
