// Package orchestrator – registry.go implements the agent role registry.
//
// Roles come from three sources, later sources overriding earlier ones by
// name: built-in definitions, user roles (~/.crewclaw/agents/*.md), and
// project roles (<workspace>/.crewclaw/agents/*.md). Role files are markdown
// with YAML frontmatter:
//
//	---
//	name: code-reviewer
//	description: Reviews changes for defects and style drift
//	tools: [read_file, search_files, list_files]
//	model: gpt-5-mini
//	max_rounds: 12
//	fork_context: true
//	---
//	You are a meticulous code reviewer...
//
// Definitions are immutable once loaded; the registry is reloaded per
// top-level request so edits to role files take effect without a restart.
// Parse failures are logged and the file skipped, never fatal.
package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ToolsUnrestricted is the sentinel allowed-tools entry meaning "every tool".
// It is always explicit in a definition, never inferred from an absent list.
const ToolsUnrestricted = "*"

// FallbackRole is the role unknown delegations degrade to.
const FallbackRole = "general-purpose"

// AgentDefinition describes one delegable role.
type AgentDefinition struct {
	// Name is the role identifier used in delegation calls.
	Name string `yaml:"name"`

	// Description is the usage hint shown in the lead's role catalog.
	Description string `yaml:"description"`

	// Tools is the allowed-tool set. A single ToolsUnrestricted entry
	// means no role restriction.
	Tools []string `yaml:"tools"`

	// Prompt is the system-prompt template for executions of this role.
	Prompt string `yaml:"-"`

	// Model selects the engine model (empty = coordinator default).
	Model string `yaml:"model"`

	// MaxRounds caps engine rounds per execution (0 = coordinator default).
	MaxRounds int `yaml:"max_rounds"`

	// ForkContext requests an isolated workspace copy for this role's
	// executions.
	ForkContext bool `yaml:"fork_context"`

	// VisibleAgents scopes which roles a lead running as this definition
	// may delegate to. Empty means all registered roles are visible.
	VisibleAgents []string `yaml:"visible_agents"`

	// Source records where the definition came from ("builtin", "user",
	// "project"). Diagnostic only.
	Source string `yaml:"-"`
}

// Unrestricted reports whether the definition carries the unrestricted
// tools sentinel.
func (d AgentDefinition) Unrestricted() bool {
	for _, t := range d.Tools {
		if t == ToolsUnrestricted {
			return true
		}
	}
	return false
}

// builtinDefinitions are always present so role resolution can never come up
// empty. general-purpose doubles as the fallback for unknown roles.
var builtinDefinitions = []AgentDefinition{
	{
		Name:        "general-purpose",
		Description: "Versatile agent for research, multi-step tasks, and anything without a specialist",
		Tools:       []string{ToolsUnrestricted},
		Prompt:      "You are a capable general-purpose agent. Complete the task end to end and reply with a concise summary of what you did and found.",
		Source:      "builtin",
	},
	{
		Name:        "explorer",
		Description: "Read-only codebase exploration and question answering",
		Tools:       []string{"read_file", "list_files", "search_files", "glob_files", "codebase_search"},
		Prompt:      "You are a codebase explorer. Investigate without modifying anything and report your findings with file references.",
		Source:      "builtin",
	},
	{
		Name:        "builder",
		Description: "Implements code changes in an isolated working copy for later review",
		Tools:       []string{"read_file", "list_files", "search_files", "glob_files", "write_file", "edit_file", "bash"},
		ForkContext: true,
		Prompt:      "You are an implementation agent working in an isolated copy of the workspace. Make the requested changes and summarize every file you touched.",
		Source:      "builtin",
	},
}

// AgentRegistry resolves role names to definitions.
type AgentRegistry struct {
	mu    sync.RWMutex
	defs  map[string]AgentDefinition
	order []string // registration order, for the last-registered fallback

	logger *slog.Logger
}

// NewAgentRegistry creates a registry pre-populated with the built-in roles.
func NewAgentRegistry(logger *slog.Logger) *AgentRegistry {
	r := &AgentRegistry{
		logger: logger.With("component", "registry"),
	}
	r.install(builtinDefinitions)
	return r
}

// Reload replaces the registry contents: built-ins, then user roles, then
// project roles from projectPath. Never fails; unreadable files or
// directories are logged and skipped.
func (r *AgentRegistry) Reload(projectPath string) {
	defs := append([]AgentDefinition(nil), builtinDefinitions...)

	if home, err := os.UserHomeDir(); err == nil {
		defs = append(defs, loadRoleDir(filepath.Join(home, ".crewclaw", "agents"), "user", r.logger)...)
	}
	if projectPath != "" {
		defs = append(defs, loadRoleDir(filepath.Join(projectPath, ".crewclaw", "agents"), "project", r.logger)...)
	}

	r.install(defs)
	r.logger.Debug("agent registry reloaded", "roles", len(r.order), "project", projectPath)
}

// install replaces the registry content. Later duplicates override earlier
// ones but keep the original registration position.
func (r *AgentRegistry) install(defs []AgentDefinition) {
	m := make(map[string]AgentDefinition, len(defs))
	var order []string
	for _, def := range defs {
		if _, exists := m[def.Name]; !exists {
			order = append(order, def.Name)
		}
		m[def.Name] = def
	}

	r.mu.Lock()
	r.defs = m
	r.order = order
	r.mu.Unlock()
}

// Get returns the definition for an exact role name.
func (r *AgentRegistry) Get(name string) (AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Resolve maps a requested role to a definition: exact match, else the
// general-purpose fallback, else the last registered role. Resolution never
// fails — delegation to an unknown role degrades instead of aborting the
// exchange.
func (r *AgentRegistry) Resolve(name string) AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.defs[name]; ok {
		return def
	}
	if def, ok := r.defs[FallbackRole]; ok {
		r.logger.Warn("unknown role, using fallback", "requested", name, "fallback", FallbackRole)
		return def
	}
	last := r.order[len(r.order)-1]
	r.logger.Warn("unknown role and no fallback, using last registered", "requested", name, "using", last)
	return r.defs[last]
}

// All returns every definition in registration order.
func (r *AgentRegistry) All() []AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Count returns the number of registered roles.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// VisibleTo returns the roles def may delegate to: the ones listed in
// VisibleAgents, or every registered role when the list is empty. Unknown
// names in VisibleAgents are dropped silently.
func (r *AgentRegistry) VisibleTo(def AgentDefinition) []AgentDefinition {
	if len(def.VisibleAgents) == 0 {
		return r.All()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentDefinition, 0, len(def.VisibleAgents))
	for _, name := range def.VisibleAgents {
		if d, ok := r.defs[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Catalog formats the visible roles as a prompt fragment for the lead.
func (r *AgentRegistry) Catalog(visible []AgentDefinition) string {
	var b strings.Builder
	b.WriteString("Available agents:\n")
	for _, def := range visible {
		b.WriteString(fmt.Sprintf("- %s: %s\n", def.Name, def.Description))
	}
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Role file loading
// ─────────────────────────────────────────────────────────────────────────────

// loadRoleDir parses every *.md role file in dir. A missing directory is
// normal; parse failures skip the file.
func loadRoleDir(dir, source string, logger *slog.Logger) []AgentDefinition {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cannot read role directory", "dir", dir, "error", err)
		}
		return nil
	}

	var defs []AgentDefinition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := parseRoleFile(path, logger)
		if err != nil {
			logger.Warn("skipping malformed role file", "path", path, "error", err)
			continue
		}
		def.Source = source
		defs = append(defs, def)
		logger.Debug("role loaded", "name", def.Name, "source", source)
	}
	return defs
}

// parseRoleFile reads a role definition: YAML frontmatter between ---
// markers, prompt body after.
func parseRoleFile(path string, logger *slog.Logger) (AgentDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return AgentDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	front, body, err := splitFrontmatter(string(content))
	if err != nil {
		return AgentDefinition{}, err
	}

	var def AgentDefinition
	if err := yaml.Unmarshal([]byte(front), &def); err != nil {
		return AgentDefinition{}, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if def.Name == "" {
		return AgentDefinition{}, fmt.Errorf("role file missing name")
	}
	if len(def.Tools) == 0 {
		// The sentinel is always explicit in the stored definition. An
		// absent list grants everything, so say so out loud.
		logger.Warn("role file has no tools list, granting unrestricted access",
			"path", path, "name", def.Name)
		def.Tools = []string{ToolsUnrestricted}
	}
	def.Prompt = body
	return def, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body.
func splitFrontmatter(text string) (front, body string, err error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "---") {
		return "", "", fmt.Errorf("no YAML frontmatter found")
	}
	rest := text[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unclosed YAML frontmatter")
	}
	return strings.TrimSpace(rest[:idx]), strings.TrimSpace(rest[idx+4:]), nil
}
