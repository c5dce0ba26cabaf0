package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newConfigCmd creates the `crewclaw config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage daemon configuration",
		Long: `Inspect and manage the CrewClaw configuration.

Examples:
  crewclaw config init
  crewclaw config show
  crewclaw config validate`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigKeyringCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(_ *cobra.Command, _ []string) error {
			target := "config.yaml"
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", target)
			}
			if err := orchestrator.SaveConfigToFile(orchestrator.DefaultConfig(), target); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Printf("Default configuration written to %s.\n", target)
			fmt.Println("Run 'crewclaw setup' for the interactive wizard instead.")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			// Never print a resolved key.
			if cfg.API.APIKey != "" && !orchestrator.IsEnvReference(cfg.API.APIKey) {
				cfg.API.APIKey = "****"
			}
			if cfg.Notify.Discord.Token != "" && !orchestrator.IsEnvReference(cfg.Notify.Discord.Token) {
				cfg.Notify.Discord.Token = "****"
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := buildLogger(cmd, cfg)
			orchestrator.AuditSecrets(cfg, logger)

			problems := 0
			warn := func(format string, args ...any) {
				problems++
				fmt.Printf("  [!] "+format+"\n", args...)
			}

			if cfg.API.BaseURL == "" {
				warn("api.base_url is empty")
			}
			if orchestrator.ResolveAPIKey(cfg, nil, logger) == "" {
				warn("no API key resolvable (vault, keyring, env, config all empty)")
			}
			if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.ChannelID == "" {
				warn("notify.discord.enabled without a channel_id")
			}
			if cfg.Isolation.Enabled && cfg.Isolation.BranchPrefix == "" {
				warn("isolation.enabled without a branch_prefix")
			}

			if problems == 0 {
				fmt.Println("Configuration OK.")
				return nil
			}
			return fmt.Errorf("%d problem(s) found", problems)
		},
	}
}

// newConfigKeyringCmd manages the OS-keyring copy of the API key.
func newConfigKeyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage the API key in the OS keyring",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the API key in the OS keyring",
			RunE: func(_ *cobra.Command, _ []string) error {
				key, err := orchestrator.ReadPassword("API key (hidden input): ")
				if err != nil {
					return err
				}
				if key == "" {
					return fmt.Errorf("empty key")
				}
				if err := orchestrator.StoreKeyInKeyring(key); err != nil {
					return fmt.Errorf("storing key: %w", err)
				}
				fmt.Println("API key stored in the OS keyring.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the API key from the OS keyring",
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := orchestrator.DeleteKeyFromKeyring(); err != nil {
					return fmt.Errorf("deleting key: %w", err)
				}
				fmt.Println("API key removed from the OS keyring.")
				return nil
			},
		},
	)
	return cmd
}
