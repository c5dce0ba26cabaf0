package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("model: gpt-5\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Model != "gpt-5" {
		t.Errorf("model = %q", cfg.Model)
	}
	// Untouched sections keep their defaults.
	if cfg.Subagents.MaxConcurrent != 5 {
		t.Errorf("max_concurrent = %d", cfg.Subagents.MaxConcurrent)
	}
	if cfg.Lead.WatchdogSeconds != 1200 {
		t.Errorf("watchdog = %d", cfg.Lead.WatchdogSeconds)
	}
}

func TestParseConfigBoolSections(t *testing.T) {
	t.Run("absent sections stay enabled", func(t *testing.T) {
		cfg, err := ParseConfig([]byte("model: x\n"))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if !cfg.Isolation.Enabled {
			t.Error("isolation disabled by omission")
		}
		if !cfg.Teams.Heartbeats {
			t.Error("heartbeats disabled by omission")
		}
	})

	t.Run("partial section stays enabled", func(t *testing.T) {
		cfg, err := ParseConfig([]byte("isolation:\n  branch_prefix: custom/\n"))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if !cfg.Isolation.Enabled {
			t.Error("setting branch_prefix should not disable isolation")
		}
		if cfg.Isolation.BranchPrefix != "custom/" {
			t.Errorf("branch_prefix = %q", cfg.Isolation.BranchPrefix)
		}
	})

	t.Run("explicit disable honored", func(t *testing.T) {
		cfg, err := ParseConfig([]byte("isolation:\n  enabled: false\nteams:\n  heartbeats: false\n"))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if cfg.Isolation.Enabled {
			t.Error("explicit enabled: false ignored")
		}
		if cfg.Teams.Heartbeats {
			t.Error("explicit heartbeats: false ignored")
		}
	})
}

func TestParseConfigInvalidYAML(t *testing.T) {
	if _, err := ParseConfig([]byte("model: [unclosed\n")); err == nil {
		t.Error("invalid yaml accepted")
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewclaw.yaml")

	t.Run("simple and default", func(t *testing.T) {
		t.Setenv("CREWCLAW_TEST_MODEL", "gpt-5-mini")
		os.Unsetenv("CREWCLAW_TEST_ABSENT")
		content := "model: ${CREWCLAW_TEST_MODEL}\ninstructions: ${CREWCLAW_TEST_ABSENT:-fallback text}\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfigFromFile(path)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if cfg.Model != "gpt-5-mini" {
			t.Errorf("model = %q", cfg.Model)
		}
		if cfg.Instructions != "fallback text" {
			t.Errorf("instructions = %q", cfg.Instructions)
		}
	})

	t.Run("required variable missing", func(t *testing.T) {
		os.Unsetenv("CREWCLAW_TEST_REQUIRED")
		content := "instructions: ${CREWCLAW_TEST_REQUIRED:?set the instructions var}\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := LoadConfigFromFile(path)
		if err == nil || !strings.Contains(err.Error(), "set the instructions var") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestLoadConfigResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewclaw.yaml")
	content := "state_dir: state\nworkspace: ./project\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StateDir != filepath.Join(dir, "state") {
		t.Errorf("state_dir = %q", cfg.StateDir)
	}
	if cfg.Workspace != filepath.Join(dir, "project") {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
}

func TestSaveConfigSanitizesSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewclaw.yaml")

	t.Setenv("CREWCLAW_API_KEY", "sk-live-secret")
	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-live-secret"

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-live-secret") {
		t.Error("saved config contains the raw API key")
	}
	if !strings.Contains(string(data), "${") {
		t.Error("saved config lost the env var reference")
	}
}

func TestSaveConfigRefusesOrphanSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewclaw.yaml")

	// Secret present in config but in no env var: must not be persisted.
	os.Unsetenv("CREWCLAW_API_KEY")
	os.Unsetenv("OPENAI_API_KEY")
	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-orphan-secret-value"

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-orphan-secret-value") {
		t.Error("orphan secret written to disk in plaintext")
	}
}

func TestSaveConfigWritesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewclaw.yaml")
	if err := os.WriteFile(path, []byte("model: old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := SaveConfigToFile(DefaultConfig(), path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if !strings.Contains(string(backup), "model: old") {
		t.Errorf("backup = %q", backup)
	}
}

func TestIsEnvReference(t *testing.T) {
	cases := map[string]bool{
		"${CREWCLAW_API_KEY}": true,
		"$OPENAI_API_KEY":     true,
		"sk-abcdef":           false,
		"":                    false,
	}
	for input, want := range cases {
		if got := IsEnvReference(input); got != want {
			t.Errorf("IsEnvReference(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewclaw.yaml")

	cfg := DefaultConfig()
	cfg.Model = "gpt-5"
	cfg.Subagents.MaxConcurrent = 3
	cfg.Teams.LeadMailbox = "dispatch"
	cfg.StateDir = filepath.Join(dir, "state")

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Model != "gpt-5" || loaded.Subagents.MaxConcurrent != 3 || loaded.Teams.LeadMailbox != "dispatch" {
		t.Errorf("round trip lost fields: model=%q concurrent=%d mailbox=%q",
			loaded.Model, loaded.Subagents.MaxConcurrent, loaded.Teams.LeadMailbox)
	}
}
