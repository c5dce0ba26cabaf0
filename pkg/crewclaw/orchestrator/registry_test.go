package orchestrator

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistryBuiltins(t *testing.T) {
	registry := NewAgentRegistry(newTestLogger())

	for _, name := range []string{"general-purpose", "explorer", "builder"} {
		def, ok := registry.Get(name)
		if !ok {
			t.Errorf("builtin role %q missing", name)
			continue
		}
		if def.Source != "builtin" {
			t.Errorf("role %q source = %q", name, def.Source)
		}
	}

	if def, _ := registry.Get("general-purpose"); !def.Unrestricted() {
		t.Error("general-purpose should be unrestricted")
	}
	if def, _ := registry.Get("explorer"); def.Unrestricted() {
		t.Error("explorer should be restricted")
	}
	if def, _ := registry.Get("builder"); !def.ForkContext {
		t.Error("builder should request an isolated working copy")
	}
}

func TestRegistryResolveFallback(t *testing.T) {
	registry := NewAgentRegistry(newTestLogger())

	t.Run("exact match", func(t *testing.T) {
		if def := registry.Resolve("explorer"); def.Name != "explorer" {
			t.Errorf("resolved %q", def.Name)
		}
	})

	t.Run("ghost role degrades to fallback", func(t *testing.T) {
		def := registry.Resolve("definitely-not-a-role")
		if def.Name != FallbackRole {
			t.Errorf("expected fallback %q, got %q", FallbackRole, def.Name)
		}
	})
}

func TestRegistryProjectRoleFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // keep real user roles out of the test
	project := t.TempDir()
	agentsDir := filepath.Join(project, ".crewclaw", "agents")
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	roleFile := `---
name: code-reviewer
description: Reviews changes for defects
tools: [read_file, search_files]
model: gpt-5-mini
max_rounds: 12
fork_context: true
---
You are a meticulous code reviewer. Report every defect you find.`

	if err := os.WriteFile(filepath.Join(agentsDir, "reviewer.md"), []byte(roleFile), 0o644); err != nil {
		t.Fatal(err)
	}
	// A malformed file is skipped, never fatal.
	if err := os.WriteFile(filepath.Join(agentsDir, "broken.md"), []byte("no frontmatter here"), 0o644); err != nil {
		t.Fatal(err)
	}

	registry := NewAgentRegistry(newTestLogger())
	registry.Reload(project)

	def, ok := registry.Get("code-reviewer")
	if !ok {
		t.Fatal("project role not loaded")
	}
	if def.Source != "project" {
		t.Errorf("source = %q, want project", def.Source)
	}
	if def.Model != "gpt-5-mini" || def.MaxRounds != 12 || !def.ForkContext {
		t.Errorf("frontmatter fields lost: %+v", def)
	}
	if len(def.Tools) != 2 || def.Tools[0] != "read_file" {
		t.Errorf("tools = %v", def.Tools)
	}
	if !strings.Contains(def.Prompt, "meticulous code reviewer") {
		t.Errorf("prompt body lost: %q", def.Prompt)
	}

	// Builtins survive the reload.
	if _, ok := registry.Get("general-purpose"); !ok {
		t.Error("builtin lost on reload")
	}
}

func TestRegistryProjectOverridesBuiltin(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	project := t.TempDir()
	agentsDir := filepath.Join(project, ".crewclaw", "agents")
	os.MkdirAll(agentsDir, 0o755)

	override := `---
name: explorer
description: Project-tuned explorer
tools: [read_file]
---
Explore only the docs directory.`
	os.WriteFile(filepath.Join(agentsDir, "explorer.md"), []byte(override), 0o644)

	registry := NewAgentRegistry(newTestLogger())
	registry.Reload(project)

	def, _ := registry.Get("explorer")
	if def.Source != "project" || def.Description != "Project-tuned explorer" {
		t.Errorf("project override not applied: %+v", def)
	}
	if registry.Count() != len(builtinDefinitions) {
		t.Errorf("override should not add a role: count=%d", registry.Count())
	}
}

func TestRegistryVisibleTo(t *testing.T) {
	registry := NewAgentRegistry(newTestLogger())

	t.Run("empty list sees everything", func(t *testing.T) {
		visible := registry.VisibleTo(AgentDefinition{Name: "lead"})
		if len(visible) != registry.Count() {
			t.Errorf("expected %d visible roles, got %d", registry.Count(), len(visible))
		}
	})

	t.Run("scoped list with unknown names dropped", func(t *testing.T) {
		visible := registry.VisibleTo(AgentDefinition{
			Name:          "lead",
			VisibleAgents: []string{"explorer", "no-such-role"},
		})
		if len(visible) != 1 || visible[0].Name != "explorer" {
			t.Errorf("visible = %+v", visible)
		}
	})
}

func TestParseRoleFileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.md")
	os.WriteFile(path, []byte("---\nname: minimal\n---\nDo the thing."), 0o644)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	def, err := parseRoleFile(path, logger)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !def.Unrestricted() {
		t.Error("absent tools list should default to the unrestricted sentinel")
	}
	if def.Prompt != "Do the thing." {
		t.Errorf("prompt = %q", def.Prompt)
	}
	// Granting everything by omission is never silent.
	if !strings.Contains(logs.String(), "unrestricted") {
		t.Errorf("defaulting to unrestricted should log a warning, got: %s", logs.String())
	}

	logs.Reset()
	explicit := filepath.Join(dir, "scoped.md")
	os.WriteFile(explicit, []byte("---\nname: scoped\ntools: [read_file]\n---\nRead."), 0o644)
	if _, err := parseRoleFile(explicit, logger); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if strings.Contains(logs.String(), "unrestricted") {
		t.Error("explicit tools list should not warn")
	}
}
