// Package orchestrator – delegation.go recognizes delegation requests inside
// the tool-call stream.
//
// Delegation arrives in two shapes, resolved by a pure parsing step before
// dispatch so transport constraints never leak into the coordinators:
//
//   - DirectDelegation: the structured spawn_agent tool, carrying role,
//     prompt, description, and mode explicitly.
//   - CarrierEncodedDelegation: some transports only allowlist a fixed
//     generic tool (typically "task"), so the role rides along as a
//     conventional parameter (subagent_type / agent) on that tool's input.
//
// Team-management tools (team_create, team_send, team_delete) are recognized
// here as well; like delegation they are intercepted and never reach the
// generic tool dispatcher.
package orchestrator

import (
	"fmt"
	"strings"
)

// Delegation tool names.
const (
	ToolSpawnAgent = "spawn_agent"
	ToolTask       = "task" // generic carrier tool

	ToolTeamCreate = "team_create"
	ToolTeamSend   = "team_send"
	ToolTeamDelete = "team_delete"
)

// DelegationKind tags how the delegation request was encoded.
type DelegationKind int

const (
	// DirectDelegation is the structured spawn_agent tool.
	DirectDelegation DelegationKind = iota

	// CarrierEncodedDelegation is a role marker on the generic task tool.
	CarrierEncodedDelegation
)

// Delegation is one parsed delegation request.
type Delegation struct {
	Kind        DelegationKind
	Role        string
	Prompt      string
	Description string

	// Wait selects sequential mode: the tool result is the subagent's
	// final text instead of an immediate acknowledgement.
	Wait bool

	// TimeoutSeconds overrides the sequential wait deadline (0 = default).
	TimeoutSeconds int

	// Model overrides the role's engine model for this one execution.
	Model string
}

// ParseDelegation inspects a tool call and extracts a delegation request.
// Returns (nil, false) when the call is not a delegation. Parsing is pure:
// no registry lookups, no side effects — role resolution happens later in
// the coordinator.
func ParseDelegation(call ToolCall) (*Delegation, bool) {
	switch call.Function.Name {
	case ToolSpawnAgent:
		args, err := parseToolArgs(call.Function.Arguments)
		if err != nil {
			return nil, false
		}
		d := &Delegation{
			Kind:        DirectDelegation,
			Role:        strArg(args, "agent"),
			Prompt:      strArg(args, "prompt"),
			Description: strArg(args, "description"),
			Model:       strArg(args, "model"),
			Wait:        boolArg(args, "wait"),
		}
		d.TimeoutSeconds = intArg(args, "timeout_seconds")
		return d, d.Prompt != ""

	case ToolTask:
		args, err := parseToolArgs(call.Function.Arguments)
		if err != nil {
			return nil, false
		}
		// Carrier convention: the generic task tool becomes a delegation
		// when it names an agent role.
		role := strArg(args, "subagent_type")
		if role == "" {
			role = strArg(args, "agent")
		}
		if role == "" {
			return nil, false
		}
		prompt := strArg(args, "prompt")
		if prompt == "" {
			prompt = strArg(args, "task")
		}
		d := &Delegation{
			Kind:        CarrierEncodedDelegation,
			Role:        role,
			Prompt:      prompt,
			Description: strArg(args, "description"),
			Wait:        boolArg(args, "wait"),
		}
		d.TimeoutSeconds = intArg(args, "timeout_seconds")
		return d, d.Prompt != ""
	}
	return nil, false
}

// IsTeamTool reports whether a tool name belongs to team management.
func IsTeamTool(name string) bool {
	switch name {
	case ToolTeamCreate, ToolTeamSend, ToolTeamDelete:
		return true
	}
	return false
}

// TeamAction is one parsed team-management request.
type TeamAction struct {
	Tool        string // one of the ToolTeam* names
	Team        string
	Description string
	To          string
	Text        string
	Members     []TeamMemberSpec
}

// TeamMemberSpec describes one member in a team_create call.
type TeamMemberSpec struct {
	Name   string
	Role   string
	Prompt string
	Model  string

	// Heartbeat is an optional cron expression; on schedule a heartbeat
	// prompt is dropped into the member's mailbox.
	Heartbeat string
}

// ParseTeamAction extracts a team-management request from a tool call.
func ParseTeamAction(call ToolCall) (*TeamAction, error) {
	args, err := parseToolArgs(call.Function.Arguments)
	if err != nil {
		return nil, fmt.Errorf("parsing %s arguments: %w", call.Function.Name, err)
	}

	action := &TeamAction{
		Tool: call.Function.Name,
		Team: strArg(args, "team"),
	}
	if action.Team == "" {
		action.Team = strArg(args, "name")
	}
	if action.Team == "" {
		return nil, fmt.Errorf("%s requires a team name", call.Function.Name)
	}

	switch call.Function.Name {
	case ToolTeamCreate:
		action.Description = strArg(args, "description")
		rawMembers, _ := args["members"].([]any)
		for _, raw := range rawMembers {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			spec := TeamMemberSpec{
				Name:      strArg(m, "name"),
				Role:      strArg(m, "agent"),
				Prompt:    strArg(m, "prompt"),
				Model:     strArg(m, "model"),
				Heartbeat: strArg(m, "heartbeat"),
			}
			if spec.Name == "" {
				continue
			}
			action.Members = append(action.Members, spec)
		}
		if len(action.Members) == 0 {
			return nil, fmt.Errorf("team_create requires at least one member with a name")
		}

	case ToolTeamSend:
		action.To = strArg(args, "to")
		action.Text = strArg(args, "message")
		if action.Text == "" {
			action.Text = strArg(args, "text")
		}
		if action.To == "" || action.Text == "" {
			return nil, fmt.Errorf("team_send requires 'to' and 'message'")
		}

	case ToolTeamDelete:
		// Team name is enough.

	default:
		return nil, fmt.Errorf("unknown team tool %q", call.Function.Name)
	}
	return action, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Tool definitions advertised to the lead conversation
// ─────────────────────────────────────────────────────────────────────────────

// SpawnAgentDefinition builds the spawn_agent tool definition, listing the
// visible roles in the description so the engine picks sensibly.
func SpawnAgentDefinition(visible []AgentDefinition) ToolDefinition {
	var roles strings.Builder
	for _, def := range visible {
		fmt.Fprintf(&roles, "\n- %s: %s", def.Name, def.Description)
	}

	return MakeToolDefinition(ToolSpawnAgent,
		"Delegate a task to a specialized agent. By default the agent runs in "+
			"parallel and its result is delivered to you automatically after your "+
			"turn; set wait=true to block for the result instead. Available agents:"+
			roles.String(),
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{
					"type":        "string",
					"description": "Role name of the agent to spawn.",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Full task description for the agent. Include all needed context.",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Short human-readable label for this task (3-5 words).",
				},
				"wait": map[string]any{
					"type":        "boolean",
					"description": "Block for the result instead of running in parallel.",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": "Wait deadline when wait=true. Default 300.",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Override the agent's model for this run.",
				},
			},
			"required": []string{"agent", "prompt"},
		},
	)
}

// TeamToolDefinitions builds the team-management tool definitions.
func TeamToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		MakeToolDefinition(ToolTeamCreate,
			"Create a team of long-lived agents. Each member executes its prompt, "+
				"then idles watching its mailbox for follow-up messages.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Team name (unique).",
					},
					"description": map[string]any{
						"type":        "string",
						"description": "What this team is for.",
					},
					"members": map[string]any{
						"type":        "array",
						"description": "Team members.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"name":      map[string]any{"type": "string", "description": "Member name (unique within the team)."},
								"agent":     map[string]any{"type": "string", "description": "Role the member runs as."},
								"prompt":    map[string]any{"type": "string", "description": "Initial task for the member."},
								"model":     map[string]any{"type": "string", "description": "Model override."},
								"heartbeat": map[string]any{"type": "string", "description": "Optional cron expression for periodic check-in prompts."},
							},
							"required": []string{"name", "prompt"},
						},
					},
				},
				"required": []string{"name", "members"},
			},
		),
		MakeToolDefinition(ToolTeamSend,
			"Send a message to a team member's mailbox. The member picks it up "+
				"when idle and uses it as the next task.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"team":    map[string]any{"type": "string", "description": "Team name."},
					"to":      map[string]any{"type": "string", "description": "Member name."},
					"message": map[string]any{"type": "string", "description": "Message body."},
				},
				"required": []string{"team", "to", "message"},
			},
		),
		MakeToolDefinition(ToolTeamDelete,
			"Disband a team: stop every member and delete its mailboxes.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "description": "Team name."},
				},
				"required": []string{"name"},
			},
		),
	}
}

// ─── Argument helpers ───

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

// truncate shortens s to max runes with an ellipsis marker.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
