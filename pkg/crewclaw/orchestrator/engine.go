// Package orchestrator – engine.go defines the boundary to the remote
// reasoning engine and the wire shapes shared with it.
//
// The engine is an external collaborator: CrewClaw never constructs prompts
// beyond plain text, never streams wire protocol, and never selects models on
// the engine's behalf. One RunTurn call covers a full engine turn — the engine
// may run several internal rounds (model reply + tool calls) and dispatches
// every tool call back through TurnEvents before the call returns.
//
//	┌──────────────┐   RunTurn(req)    ┌────────────────┐
//	│ orchestrator  │ ────────────────► │ reasoning      │
//	│ (lead/subagent│ ◄──── deltas ──── │ engine         │
//	│  coordinators)│ ◄──── rounds ──── │ (external)     │
//	│               │ ◄─ OnToolCall ──  │                │
//	└──────────────┘                   └────────────────┘
//
// The conversation id is assigned by the engine asynchronously: tool calls may
// reference it before RunTurn returns it, which is why ownership resolution
// lives in a dedicated state machine (conversation.go).
package orchestrator

import (
	"context"
	"encoding/json"
)

// Engine runs turns against the remote reasoning process.
//
// RunTurn blocks until the turn finishes (the engine stops producing rounds),
// invoking req.Events callbacks as progress arrives. Cancelling ctx aborts the
// turn; the engine must stop dispatching tool calls promptly after that.
type Engine interface {
	RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
}

// TurnRequest describes one turn to run.
type TurnRequest struct {
	// ConversationID continues an existing conversation when set. Empty
	// means the engine creates a new conversation and reports its id via
	// Events.OnConversation and the TurnResult.
	ConversationID string

	// Prompt is the user-side text for this turn. On the first turn it
	// carries the composed system+task prompt; on follow-ups, the
	// continuation message.
	Prompt string

	// System is the system prompt installed on conversation creation.
	// Ignored when continuing an existing conversation.
	System string

	// Model selects the engine model. Empty uses the engine default.
	Model string

	// Tools are the capabilities advertised for this conversation.
	Tools []ToolDefinition

	// MaxRounds caps internal model/tool rounds within this turn.
	// Zero means the engine default.
	MaxRounds int

	// Events receives streamed progress. Any callback may be nil.
	Events TurnEvents
}

// TurnEvents carries the callbacks the engine invokes while a turn runs.
// All callbacks run on engine goroutines and must not block on work that
// itself waits for engine progress.
type TurnEvents struct {
	// OnConversation reports the conversation id as soon as the engine
	// assigns it. May fire after the first OnToolCall (creation is
	// asynchronous on some providers).
	OnConversation func(conversationID string)

	// OnDelta receives incremental reply text. Loss-tolerant: the final
	// TurnResult carries the full accumulated text.
	OnDelta func(text string)

	// OnRound receives one finished round: the reply fragment plus the
	// tool calls the model issued in it, with their outcomes.
	OnRound func(round Round)

	// OnToolCall dispatches one tool call and must return the structured
	// outcome within the same tick wherever possible — long work belongs
	// in a goroutine behind an immediate acknowledgement.
	OnToolCall func(ctx context.Context, conversationID string, call ToolCall) ToolOutcome
}

// TurnResult is the final state of a completed turn.
type TurnResult struct {
	ConversationID string
	Text           string // full accumulated reply text
	Rounds         int
	Usage          Usage
}

// Usage holds token accounting reported by the engine.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ---------- Tool wire shapes ----------

// ToolDefinition describes one callable capability advertised to the engine.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the function half of a ToolDefinition.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is one tool invocation requested by the engine.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the tool name and serialized JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutcome is the structured response for one tool call.
type ToolOutcome struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Round is one reasoning round inside a turn: the reply fragment the model
// produced plus the tool calls it issued, with their resolved status.
type Round struct {
	Reply string      `json:"reply"`
	Calls []RoundCall `json:"calls,omitempty"`
}

// RoundCall records one tool call inside a round for observers.
type RoundCall struct {
	Name   string `json:"name"`
	Input  string `json:"input"`
	Status string `json:"status"` // "ok", "error", "denied"
	Result string `json:"result,omitempty"`
}

// ---------- Tool dispatch boundary ----------

// ToolDispatcher executes concrete (non-orchestration) tools. File access,
// search and terminal tools live behind this boundary; the orchestrator only
// intercepts delegation and team tools before forwarding everything else.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, conversationID string, call ToolCall) ToolOutcome
}

// ToolDispatcherFunc adapts a plain function to the ToolDispatcher interface.
type ToolDispatcherFunc func(ctx context.Context, conversationID string, call ToolCall) ToolOutcome

// Dispatch implements ToolDispatcher.
func (f ToolDispatcherFunc) Dispatch(ctx context.Context, conversationID string, call ToolCall) ToolOutcome {
	return f(ctx, conversationID, call)
}

// NullDispatcher rejects every tool call with a descriptive outcome. Used
// when no concrete toolset is wired in (delegation and team tools still work
// because they are intercepted before dispatch).
func NullDispatcher() ToolDispatcher {
	return ToolDispatcherFunc(func(_ context.Context, _ string, call ToolCall) ToolOutcome {
		return ToolOutcome{
			CallID:  call.ID,
			Content: "tool " + call.Function.Name + " is not available in this deployment",
			IsError: true,
		}
	})
}

// MakeToolDefinition creates a ToolDefinition from a name, description, and a
// JSON-Schema parameter map. A nil params map produces an empty object schema.
func MakeToolDefinition(name, description string, params map[string]any) ToolDefinition {
	schema := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
	if params != nil {
		schema = params
	}

	schemaJSON, _ := json.Marshal(schema)

	return ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  schemaJSON,
		},
	}
}

// parseToolArgs parses JSON-encoded tool arguments into a map.
func parseToolArgs(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// errorOutcome builds a ToolOutcome carrying a structured JSON error payload,
// which engines parse more reliably than plain "Error: ..." text.
func errorOutcome(callID, toolName, msg string) ToolOutcome {
	if len(msg) > 2000 {
		msg = msg[:2000] + "... (truncated)"
	}
	b, _ := json.Marshal(map[string]string{
		"status": "error",
		"tool":   toolName,
		"error":  msg,
	})
	return ToolOutcome{CallID: callID, Content: string(b), IsError: true}
}
