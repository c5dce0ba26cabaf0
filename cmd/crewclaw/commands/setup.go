package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newSetupCmd creates the `crewclaw setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the lead name, model, workspace, and delegation settings.
API keys are stored in an encrypted vault (AES-256-GCM) — never in plaintext.

Examples:
  crewclaw setup`,
		RunE: runSetup,
	}
}

// keyStorage tracks where the API key was stored during setup.
type keyStorage int

const (
	storageNone    keyStorage = iota
	storageVault              // encrypted vault (.crewclaw.vault)
	storageKeyring            // OS keyring
)

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := orchestrator.DefaultConfig()

	var (
		apiKey    string
		isolation = true
		discord   bool
		confirm   = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Lead agent name").
				Value(&cfg.Name),
			huh.NewSelect[string]().
				Title("Model").
				Description("Engine model for the lead conversation").
				Options(
					huh.NewOption("GPT-5 Mini — fast and cost-effective", "gpt-5-mini"),
					huh.NewOption("GPT-5 — latest OpenAI flagship", "gpt-5"),
					huh.NewOption("GPT-4o — great all-around", "gpt-4o"),
					huh.NewOption("Claude Opus 4.5 — most capable Anthropic", "claude-opus-4.5"),
					huh.NewOption("Claude Sonnet 4.5 — balanced performance", "claude-sonnet-4.5"),
					huh.NewOption("GLM-4.7 — balanced capability", "glm-4.7"),
				).
				Value(&cfg.Model),
			huh.NewInput().
				Title("API base URL").
				Description("OpenAI-compatible endpoint").
				Value(&cfg.API.BaseURL),
			huh.NewInput().
				Title("API key").
				Description("Encrypted into the vault, never written to config.yaml. Leave empty to skip.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Project directory agents operate on (empty = current directory)").
				Value(&cfg.Workspace),
			huh.NewConfirm().
				Title("Enable worktree isolation?").
				Description("Roles with fork_context run against an isolated git working copy").
				Value(&isolation),
			huh.NewConfirm().
				Title("Announce events to Discord?").
				Value(&discord),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	cfg.Isolation.Enabled = isolation

	// Auto-adjust the endpoint for non-OpenAI model families.
	if strings.HasPrefix(cfg.Model, "claude-") && cfg.API.BaseURL == "https://api.openai.com/v1" {
		cfg.API.BaseURL = "https://api.anthropic.com/v1"
	} else if strings.HasPrefix(cfg.Model, "glm-") && cfg.API.BaseURL == "https://api.openai.com/v1" {
		cfg.API.BaseURL = "https://api.z.ai/api/anthropic"
	}

	storage := storageNone
	if apiKey != "" {
		storage = storeAPIKey(cfg, apiKey)
		if storage == storageNone {
			fmt.Println("[!] Could not store the API key securely.")
			fmt.Println("    Set it later with: crewclaw vault init && crewclaw vault set api_key")
		}
	}
	// config.yaml never contains the real key.
	cfg.API.APIKey = "${CREWCLAW_API_KEY}"

	if discord {
		cfg.Notify.Discord.Enabled = true
		cfg.Notify.Discord.Token = "${DISCORD_BOT_TOKEN}"
		discordForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Discord channel ID").
				Description("The bot token is read from $DISCORD_BOT_TOKEN").
				Value(&cfg.Notify.Discord.ChannelID),
		))
		if err := discordForm.Run(); err != nil && !errors.Is(err, huh.ErrUserAborted) {
			return err
		}
	}

	// ── Summary ──
	fmt.Println()
	fmt.Println("─────────────────────────────────────────────")
	fmt.Printf("  Name:       %s\n", cfg.Name)
	fmt.Printf("  Model:      %s\n", cfg.Model)
	fmt.Printf("  API URL:    %s\n", cfg.API.BaseURL)
	switch storage {
	case storageVault:
		fmt.Println("  API key:    **** (encrypted vault)")
	case storageKeyring:
		fmt.Println("  API key:    **** (OS keyring)")
	default:
		fmt.Println("  API key:    (not set — configure later)")
	}
	fmt.Printf("  Workspace:  %s\n", cfg.WorkspaceDir())
	fmt.Printf("  Isolation:  %v\n", cfg.Isolation.Enabled)
	fmt.Printf("  Discord:    %v\n", cfg.Notify.Discord.Enabled)
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println()

	target := "config.yaml"
	if _, err := os.Stat(target); err == nil {
		confirm = false
		overwriteForm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", target)).
				Value(&confirm),
		))
		if err := overwriteForm.Run(); err != nil || !confirm {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := orchestrator.SaveConfigToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("%s created. Start with: crewclaw chat\n", target)
	return nil
}

// storeAPIKey encrypts the key into the vault, falling back to the OS keyring.
func storeAPIKey(cfg *orchestrator.Config, apiKey string) keyStorage {
	vault := orchestrator.NewVault(filepath.Join(cfg.StateDir, orchestrator.VaultFile))

	if !vault.Exists() {
		password, err := orchestrator.ReadPassword("Vault master password (min 8 chars): ")
		if err != nil || len(password) < 8 {
			return keyringFallback(apiKey)
		}
		if err := vault.Create(password); err != nil {
			fmt.Printf("[!] Vault creation failed: %v\n", err)
			return keyringFallback(apiKey)
		}
	} else {
		password, err := orchestrator.ReadPassword("Vault master password: ")
		if err != nil {
			return keyringFallback(apiKey)
		}
		if err := vault.Unlock(password); err != nil {
			fmt.Printf("[!] Vault unlock failed: %v\n", err)
			return keyringFallback(apiKey)
		}
	}
	defer vault.Lock()

	if err := vault.Set("api_key", apiKey); err != nil {
		fmt.Printf("[!] Failed to store key in vault: %v\n", err)
		return keyringFallback(apiKey)
	}

	fmt.Println("API key encrypted and stored in vault.")
	return storageVault
}

// keyringFallback stores the key in the OS keyring when the vault is unusable.
func keyringFallback(apiKey string) keyStorage {
	if err := orchestrator.StoreKeyInKeyring(apiKey); err == nil {
		fmt.Println("API key stored in OS keyring.")
		return storageKeyring
	}
	return storageNone
}
