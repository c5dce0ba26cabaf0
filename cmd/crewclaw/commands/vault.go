package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newVaultCmd creates the `crewclaw vault` command group.
func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted secret vault",
		Long: `Manage the password-protected secret vault. Secrets are encrypted
with AES-256-GCM under an Argon2id-derived key; nothing is ever stored
in plaintext.

The password can be supplied via CREWCLAW_VAULT_PASSWORD for
non-interactive use.

Examples:
  crewclaw vault init
  crewclaw vault set api_key
  crewclaw vault list`,
	}

	cmd.AddCommand(
		newVaultInitCmd(),
		newVaultSetCmd(),
		newVaultGetCmd(),
		newVaultDeleteCmd(),
		newVaultListCmd(),
	)
	return cmd
}

func newVaultInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vault, err := resolveVault(cmd)
			if err != nil {
				return err
			}
			if vault.Exists() {
				return fmt.Errorf("vault already exists")
			}

			password, err := orchestrator.ReadPassword("Master password: ")
			if err != nil {
				return err
			}
			confirm, err := orchestrator.ReadPassword("Confirm password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return fmt.Errorf("passwords do not match")
			}
			if len(password) < 8 {
				return fmt.Errorf("password must be at least 8 characters")
			}

			if err := vault.Create(password); err != nil {
				return fmt.Errorf("creating vault: %w", err)
			}
			defer vault.Lock()

			fmt.Println("Vault created.")
			fmt.Println("Store your API key with: crewclaw vault set api_key")
			return nil
		},
	}
}

func newVaultSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer vault.Lock()

			value, err := orchestrator.ReadPassword(fmt.Sprintf("Value for %s (hidden input): ", args[0]))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value")
			}

			if err := vault.Set(args[0], value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Printf("Secret %s stored.\n", args[0])
			return nil
		},
	}
}

func newVaultGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer vault.Lock()

			value, err := vault.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newVaultDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer vault.Lock()

			if err := vault.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Secret %s deleted.\n", args[0])
			return nil
		},
	}
}

func newVaultListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vault, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer vault.Lock()

			names := vault.List()
			if len(names) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

// resolveVault locates the vault file under the configured state dir.
func resolveVault(cmd *cobra.Command) (*orchestrator.Vault, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewVault(filepath.Join(cfg.StateDir, orchestrator.VaultFile)), nil
}

// unlockVault locates the vault and unlocks it with the master password.
func unlockVault(cmd *cobra.Command) (*orchestrator.Vault, error) {
	vault, err := resolveVault(cmd)
	if err != nil {
		return nil, err
	}
	if !vault.Exists() {
		return nil, fmt.Errorf("no vault found, create one with 'crewclaw vault init'")
	}

	password, err := orchestrator.ReadPassword("Master password: ")
	if err != nil {
		return nil, err
	}
	if err := vault.Unlock(password); err != nil {
		return nil, fmt.Errorf("unlocking vault: %w", err)
	}
	return vault, nil
}
