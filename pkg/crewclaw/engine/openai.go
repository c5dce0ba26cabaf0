// Package engine implements the remote reasoning boundary as a compact
// OpenAI-compatible chat-completions client.
//
// This is transport only: one RunTurn call loops engine rounds (model reply
// plus tool calls) until the model stops calling tools or the round budget
// runs out, dispatching every tool call back through the orchestrator's
// callbacks. Prompt construction, streaming wire smarts, and model routing
// stay with the caller and the provider.
//
// Conversations are held in memory per client: the adapter assigns the
// conversation id itself and reports it through OnConversation before any
// tool call is dispatched, so the orchestrator's ownership resolution has an
// id to claim.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger

	// conversations maps conversation id → message history.
	conversations map[string][]chatMessage
	mu            sync.Mutex
}

// New creates an engine client. model is the default when the request
// carries none.
func New(baseURL, apiKey, model string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		model:         model,
		httpClient:    &http.Client{}, // per-call ctx carries the timeout
		conversations: make(map[string][]chatMessage),
		logger:        logger.With("component", "engine"),
	}
}

// ---------- Wire shapes ----------

type chatMessage struct {
	Role       string                  `json:"role"`
	Content    string                  `json:"content"`
	ToolCalls  []orchestrator.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                  `json:"tool_call_id,omitempty"`
}

type chatRequest struct {
	Model    string                        `json:"model"`
	Messages []chatMessage                 `json:"messages"`
	Tools    []orchestrator.ToolDefinition `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// RunTurn implements orchestrator.Engine.
func (c *Client) RunTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 15
	}

	conversationID, messages := c.openConversation(req)
	if req.Events.OnConversation != nil {
		req.Events.OnConversation(conversationID)
	}

	result := &orchestrator.TurnResult{ConversationID: conversationID}
	var accumulated strings.Builder

	for round := 0; round < maxRounds; round++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		resp, err := c.complete(ctx, chatRequest{
			Model:    model,
			Messages: messages,
			Tools:    req.Tools,
		})
		if err != nil {
			c.storeConversation(conversationID, messages)
			return result, err
		}
		result.Rounds++
		result.Usage.InputTokens += resp.Usage.PromptTokens
		result.Usage.OutputTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.Choices) == 0 {
			c.storeConversation(conversationID, messages)
			return result, fmt.Errorf("engine returned no choices")
		}
		reply := resp.Choices[0].Message
		messages = append(messages, reply)

		if reply.Content != "" {
			accumulated.WriteString(reply.Content)
			if req.Events.OnDelta != nil {
				req.Events.OnDelta(reply.Content)
			}
		}

		rec := orchestrator.Round{Reply: reply.Content}

		if len(reply.ToolCalls) == 0 {
			if req.Events.OnRound != nil {
				req.Events.OnRound(rec)
			}
			break
		}

		for _, call := range reply.ToolCalls {
			var outcome orchestrator.ToolOutcome
			if req.Events.OnToolCall != nil {
				outcome = req.Events.OnToolCall(ctx, conversationID, call)
			} else {
				outcome = orchestrator.ToolOutcome{
					CallID:  call.ID,
					Content: "no tool handler available",
					IsError: true,
				}
			}

			status := "ok"
			if outcome.IsError {
				status = "error"
			}
			rec.Calls = append(rec.Calls, orchestrator.RoundCall{
				Name:   call.Function.Name,
				Input:  call.Function.Arguments,
				Status: status,
				Result: outcome.Content,
			})

			messages = append(messages, chatMessage{
				Role:       "tool",
				Content:    outcome.Content,
				ToolCallID: call.ID,
			})
		}
		if req.Events.OnRound != nil {
			req.Events.OnRound(rec)
		}
	}

	c.storeConversation(conversationID, messages)
	result.Text = accumulated.String()
	return result, nil
}

// openConversation resolves the message history for this turn: a fresh
// conversation with the system prompt installed, or the stored history plus
// the continuation message.
func (c *Client) openConversation(req orchestrator.TurnRequest) (string, []chatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.ConversationID != "" {
		if history, ok := c.conversations[req.ConversationID]; ok {
			return req.ConversationID, append(history, chatMessage{Role: "user", Content: req.Prompt})
		}
	}

	id := req.ConversationID
	if id == "" {
		id = uuid.New().String()[:8]
	}
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	return id, messages
}

// storeConversation persists the history for continuation turns.
func (c *Client) storeConversation(id string, messages []chatMessage) {
	c.mu.Lock()
	c.conversations[id] = messages
	c.mu.Unlock()
}

// DropConversation forgets a conversation's history.
func (c *Client) DropConversation(id string) {
	c.mu.Lock()
	delete(c.conversations, id)
	c.mu.Unlock()
}

// complete performs one chat-completions request.
func (c *Client) complete(ctx context.Context, reqBody chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading engine response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("engine returned non-JSON (status %d): %s", resp.StatusCode, truncateBody(body))
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("engine error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, truncateBody(body))
	}
	return &parsed, nil
}

func truncateBody(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
