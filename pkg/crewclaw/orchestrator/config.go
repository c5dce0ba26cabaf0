// Package orchestrator – config.go defines all configuration structures
// for the CrewClaw orchestration daemon.
package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ProviderKeyNames maps provider IDs to their standard API key variable names.
var ProviderKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"xai":        "XAI_API_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"custom":     "CUSTOM_API_KEY",
}

// GetProviderKeyName returns the standard API key variable name for a
// provider. Falls back to "API_KEY" for unknown providers.
func GetProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// Config holds all daemon configuration.
type Config struct {
	// Name is the lead agent name used in prompts and logs.
	Name string `yaml:"name"`

	// Model is the default engine model for the lead conversation.
	Model string `yaml:"model"`

	// Instructions are prepended to the lead system prompt.
	Instructions string `yaml:"instructions"`

	// StateDir is the root directory for persisted state (teams, runs,
	// worktrees scratch). Defaults to ~/.crewclaw.
	StateDir string `yaml:"state_dir"`

	// Workspace is the project directory agents operate on. Defaults to
	// the current working directory.
	Workspace string `yaml:"workspace"`

	// API configures the engine endpoint.
	API APIConfig `yaml:"api"`

	// Subagents configures ephemeral delegation.
	Subagents SubagentConfig `yaml:"subagents"`

	// Isolation configures worktree-based workspace isolation.
	Isolation IsolationConfig `yaml:"isolation"`

	// Teams configures long-lived teammate coordination.
	Teams TeamsConfig `yaml:"teams"`

	// Lead configures the top-level turn loop.
	Lead LeadConfig `yaml:"lead"`

	// Notify configures event announcers.
	Notify NotifyConfig `yaml:"notify"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the reasoning-engine endpoint.
type APIConfig struct {
	// BaseURL is the API base URL (OpenAI-compatible endpoint).
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key. Can also come from the vault, the
	// OS keyring, or the CREWCLAW_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Provider hints the key variable name ("openai", "anthropic", ...).
	// Auto-detected from base_url if omitted.
	Provider string `yaml:"provider"`
}

// SubagentConfig configures ephemeral subagent executions.
type SubagentConfig struct {
	// MaxConcurrent caps simultaneously running subagents (default: 5).
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxRounds caps engine rounds per subagent turn (default: 15).
	MaxRounds int `yaml:"max_rounds"`

	// TimeoutSeconds is the wait deadline in sequential mode and the hard
	// cap per execution in parallel mode (default: 300).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Model overrides the engine model for subagents (empty = lead model).
	Model string `yaml:"model"`

	// IsolationDeniedTools lists tools excluded from executions running in
	// an isolated worktree (index-backed tools that only understand the
	// shared workspace).
	IsolationDeniedTools []string `yaml:"isolation_denied_tools"`
}

// DefaultIsolationDeniedTools lists tools that cannot operate against an
// isolated working copy because they consult a shared index.
var DefaultIsolationDeniedTools = []string{
	"codebase_search",
	"symbol_lookup",
}

// IsolationConfig configures workspace isolation.
type IsolationConfig struct {
	// Enabled turns worktree isolation on for roles that request it.
	Enabled bool `yaml:"enabled"`

	// ScratchDir holds isolated working copies. Defaults to
	// <state_dir>/worktrees.
	ScratchDir string `yaml:"scratch_dir"`

	// BranchPrefix names isolation branches (default: "crew/").
	BranchPrefix string `yaml:"branch_prefix"`
}

// TeamsConfig configures teammate coordination.
type TeamsConfig struct {
	// Dir is the team state root. Defaults to <state_dir>/teams.
	Dir string `yaml:"dir"`

	// PollIntervalSeconds is the mailbox poll cadence for idle members
	// (default: 2).
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// MaxRounds caps engine rounds per teammate task (default: 15).
	MaxRounds int `yaml:"max_rounds"`

	// LeadMailbox is the reserved member name receiving idle
	// notifications (default: "team-lead").
	LeadMailbox string `yaml:"lead_mailbox"`

	// Heartbeats enables per-member cron heartbeats.
	Heartbeats bool `yaml:"heartbeats"`
}

// LeadConfig configures the top-level orchestration loop.
type LeadConfig struct {
	// WatchdogSeconds caps total wall-clock time for one exchange,
	// including all delegation follow-ups (default: 1200).
	WatchdogSeconds int `yaml:"watchdog_seconds"`

	// MaxRounds caps engine rounds per lead turn (default: 30).
	MaxRounds int `yaml:"max_rounds"`

	// MaxFollowUps caps delegation follow-up turns per exchange
	// (default: 10).
	MaxFollowUps int `yaml:"max_follow_ups"`
}

// NotifyConfig configures event announcers.
type NotifyConfig struct {
	Discord DiscordNotifyConfig `yaml:"discord"`
}

// DiscordNotifyConfig configures the Discord announcer.
type DiscordNotifyConfig struct {
	// Enabled turns the announcer on.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token (supports ${ENV} references).
	Token string `yaml:"token"`

	// ChannelID is the channel that receives announcements.
	ChannelID string `yaml:"channel_id"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:         "CrewClaw",
		Model:        "gpt-5-mini",
		Instructions: "You are a lead engineer coordinating a crew of specialized agents.",
		StateDir:     defaultStateDir(),
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Subagents: SubagentConfig{
			MaxConcurrent:        5,
			MaxRounds:            15,
			TimeoutSeconds:       300,
			IsolationDeniedTools: DefaultIsolationDeniedTools,
		},
		Isolation: IsolationConfig{
			Enabled:      true,
			BranchPrefix: "crew/",
		},
		Teams: TeamsConfig{
			PollIntervalSeconds: 2,
			MaxRounds:           15,
			LeadMailbox:         "team-lead",
			Heartbeats:          true,
		},
		Lead: LeadConfig{
			WatchdogSeconds: 1200,
			MaxRounds:       30,
			MaxFollowUps:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// defaultStateDir returns ~/.crewclaw, falling back to a relative directory
// when the home dir cannot be resolved.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewclaw"
	}
	return filepath.Join(home, ".crewclaw")
}

// TeamsDir returns the resolved team state root.
func (c *Config) TeamsDir() string {
	if c.Teams.Dir != "" {
		return c.Teams.Dir
	}
	return filepath.Join(c.StateDir, "teams")
}

// WorktreeScratchDir returns the resolved isolation scratch root.
func (c *Config) WorktreeScratchDir() string {
	if c.Isolation.ScratchDir != "" {
		return c.Isolation.ScratchDir
	}
	return filepath.Join(c.StateDir, "worktrees")
}

// RunDBPath returns the SQLite file recording subagent executions.
func (c *Config) RunDBPath() string {
	return filepath.Join(c.StateDir, "crewclaw.db")
}

// WorkspaceDir returns the configured workspace, defaulting to the current
// working directory.
func (c *Config) WorkspaceDir() string {
	if c.Workspace != "" {
		return c.Workspace
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// SequentialTimeout returns the sequential-mode wait deadline.
func (c *Config) SequentialTimeout() time.Duration {
	if c.Subagents.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Subagents.TimeoutSeconds) * time.Second
}

// WatchdogTimeout returns the lead exchange wall-clock cap.
func (c *Config) WatchdogTimeout() time.Duration {
	if c.Lead.WatchdogSeconds <= 0 {
		return 1200 * time.Second
	}
	return time.Duration(c.Lead.WatchdogSeconds) * time.Second
}

// MailboxPollInterval returns the teammate mailbox poll cadence.
func (c *Config) MailboxPollInterval() time.Duration {
	if c.Teams.PollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Teams.PollIntervalSeconds) * time.Second
}
