package orchestrator

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func makeCall(name, args string) ToolCall {
	return ToolCall{
		ID:   "call-1",
		Type: "function",
		Function: FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestParseDelegationSpawnAgent(t *testing.T) {
	call := makeCall(ToolSpawnAgent, `{
		"agent": "builder",
		"prompt": "implement the parser",
		"description": "parser work",
		"wait": true,
		"timeout_seconds": 60,
		"model": "gpt-5"
	}`)

	d, ok := ParseDelegation(call)
	if !ok {
		t.Fatal("spawn_agent call not recognized")
	}
	if d.Kind != DirectDelegation {
		t.Errorf("expected DirectDelegation, got %v", d.Kind)
	}
	if d.Role != "builder" || d.Prompt != "implement the parser" {
		t.Errorf("role/prompt mismatch: %q %q", d.Role, d.Prompt)
	}
	if !d.Wait || d.TimeoutSeconds != 60 || d.Model != "gpt-5" {
		t.Errorf("options mismatch: wait=%v timeout=%d model=%q", d.Wait, d.TimeoutSeconds, d.Model)
	}
}

func TestParseDelegationCarrierEncoded(t *testing.T) {
	t.Run("subagent_type marker", func(t *testing.T) {
		call := makeCall(ToolTask, `{"subagent_type": "explorer", "prompt": "find the config loader"}`)
		d, ok := ParseDelegation(call)
		if !ok {
			t.Fatal("task call with subagent_type not recognized as delegation")
		}
		if d.Kind != CarrierEncodedDelegation {
			t.Errorf("expected CarrierEncodedDelegation, got %v", d.Kind)
		}
		if d.Role != "explorer" {
			t.Errorf("expected role explorer, got %q", d.Role)
		}
	})

	t.Run("agent marker with task prompt", func(t *testing.T) {
		call := makeCall(ToolTask, `{"agent": "builder", "task": "fix the tests"}`)
		d, ok := ParseDelegation(call)
		if !ok {
			t.Fatal("task call with agent marker not recognized")
		}
		if d.Prompt != "fix the tests" {
			t.Errorf("task fallback prompt not picked up: %q", d.Prompt)
		}
	})

	t.Run("task without role marker is not delegation", func(t *testing.T) {
		call := makeCall(ToolTask, `{"prompt": "just a generic task"}`)
		if _, ok := ParseDelegation(call); ok {
			t.Error("task call without a role marker must pass through")
		}
	})
}

func TestParseDelegationRejects(t *testing.T) {
	cases := []struct {
		name string
		call ToolCall
	}{
		{"ordinary tool", makeCall("read_file", `{"path": "main.go"}`)},
		{"spawn without prompt", makeCall(ToolSpawnAgent, `{"agent": "builder"}`)},
		{"malformed json", makeCall(ToolSpawnAgent, `{"agent": `)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := ParseDelegation(tc.call); ok {
				t.Error("call should not parse as delegation")
			}
		})
	}
}

func TestParseTeamAction(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		call := makeCall(ToolTeamCreate, `{
			"name": "backend",
			"description": "API crew",
			"members": [
				{"name": "api", "agent": "builder", "prompt": "own the REST layer", "heartbeat": "0 * * * *"},
				{"name": "qa", "agent": "explorer", "prompt": "review changes"}
			]
		}`)
		action, err := ParseTeamAction(call)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if action.Team != "backend" || len(action.Members) != 2 {
			t.Fatalf("team=%q members=%d", action.Team, len(action.Members))
		}
		if action.Members[0].Heartbeat != "0 * * * *" {
			t.Errorf("heartbeat not carried: %q", action.Members[0].Heartbeat)
		}
	})

	t.Run("create without members", func(t *testing.T) {
		call := makeCall(ToolTeamCreate, `{"name": "empty", "members": []}`)
		if _, err := ParseTeamAction(call); err == nil {
			t.Error("expected error for memberless team")
		}
	})

	t.Run("send", func(t *testing.T) {
		call := makeCall(ToolTeamSend, `{"team": "backend", "to": "api", "message": "switch branch"}`)
		action, err := ParseTeamAction(call)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if action.To != "api" || action.Text != "switch branch" {
			t.Errorf("to=%q text=%q", action.To, action.Text)
		}
	})

	t.Run("send without message", func(t *testing.T) {
		call := makeCall(ToolTeamSend, `{"team": "backend", "to": "api"}`)
		if _, err := ParseTeamAction(call); err == nil {
			t.Error("expected error for empty message")
		}
	})

	t.Run("delete", func(t *testing.T) {
		call := makeCall(ToolTeamDelete, `{"name": "backend"}`)
		action, err := ParseTeamAction(call)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if action.Team != "backend" {
			t.Errorf("team=%q", action.Team)
		}
	})
}

func TestIsTeamTool(t *testing.T) {
	for _, name := range []string{ToolTeamCreate, ToolTeamSend, ToolTeamDelete} {
		if !IsTeamTool(name) {
			t.Errorf("%s should be a team tool", name)
		}
	}
	if IsTeamTool(ToolSpawnAgent) || IsTeamTool("read_file") {
		t.Error("non-team tools misclassified")
	}
}

func TestSpawnAgentDefinitionListsRoles(t *testing.T) {
	visible := []AgentDefinition{
		{Name: "builder", Description: "writes code"},
		{Name: "explorer", Description: "reads code"},
	}
	def := SpawnAgentDefinition(visible)

	if def.Function.Name != ToolSpawnAgent {
		t.Fatalf("wrong tool name %q", def.Function.Name)
	}
	for _, role := range []string{"builder", "explorer"} {
		if !strings.Contains(def.Function.Description, role) {
			t.Errorf("description should list role %q", role)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 80); got != "short" {
		t.Errorf("short input changed: %q", got)
	}
	if got := truncate("abcdefghij", 8); got != "abcde..." {
		t.Errorf("got %q", got)
	}
	if got := truncate("abc", 2); got != "ab" {
		t.Errorf("tiny max: %q", got)
	}

	// Multi-byte runes must not be split mid-sequence.
	got := truncate("héllo wörld, ça va très bien aujourd'hui", 10)
	if !utf8.ValidString(got) {
		t.Errorf("truncation produced invalid UTF-8: %q", got)
	}
	if utf8.RuneCountInString(got) != 10 {
		t.Errorf("rune count = %d, want 10", utf8.RuneCountInString(got))
	}
}
