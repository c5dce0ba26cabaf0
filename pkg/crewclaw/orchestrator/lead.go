// Package orchestrator – lead.go drives the top-level conversation loop.
//
// One exchange: send the user's message as a turn, intercept delegation and
// team tool calls as they stream in, and when the turn ends with
// fire-and-collect subagents still pending, drain them and fold the
// aggregate into a synthetic follow-up turn. The loop repeats until the
// engine stops delegating or the follow-up budget runs out. A wall-clock
// watchdog caps the whole exchange.
//
// Delegation hand-off is synchronous and acks the tool dispatcher in the
// same tick: the engine is never blocked waiting for a subagent to finish.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SendOptions tune one lead exchange.
type SendOptions struct {
	// Model overrides the configured lead model.
	Model string

	// Role runs the lead as a specific registry role, scoping both the
	// system prompt and the visible delegation catalog.
	Role string
}

// LeadOrchestrator owns the top-level turn loop.
type LeadOrchestrator struct {
	cfg       *Config
	engine    Engine
	registry  *AgentRegistry
	filters   *FilterStore
	bus       *Bus
	subagents *SubagentCoordinator
	teams     *TeamCoordinator

	dispatcher ToolDispatcher
	tools      []ToolDefinition

	tracker *ConversationTracker

	// mu guards the in-flight exchange state below. seq identifies the
	// current exchange so a superseded one cannot release its successor's
	// cancel handle.
	mu       sync.Mutex
	seq      uint64
	inflight context.CancelFunc

	logger *slog.Logger
}

// LeadDeps bundles the collaborators the lead loop needs.
type LeadDeps struct {
	Engine     Engine
	Registry   *AgentRegistry
	Filters    *FilterStore
	Bus        *Bus
	Subagents  *SubagentCoordinator
	Teams      *TeamCoordinator
	Dispatcher ToolDispatcher
	Tools      []ToolDefinition
	Logger     *slog.Logger
}

// NewLeadOrchestrator creates the lead loop.
func NewLeadOrchestrator(cfg *Config, deps LeadDeps) *LeadOrchestrator {
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NullDispatcher()
	}
	return &LeadOrchestrator{
		cfg:        cfg,
		engine:     deps.Engine,
		registry:   deps.Registry,
		filters:    deps.Filters,
		bus:        deps.Bus,
		subagents:  deps.Subagents,
		teams:      deps.Teams,
		dispatcher: dispatcher,
		tools:      deps.Tools,
		tracker:    NewConversationTracker(),
		logger:     deps.Logger.With("component", "lead"),
	}
}

// SendMessage runs one exchange and returns the accumulated reply text. Any
// exchange already in flight is cancelled first. Errors cover the watchdog
// timeout and engine failures; cancellation via Cancel is reported as a
// partial completion, never as an error.
func (l *LeadOrchestrator) SendMessage(ctx context.Context, text string, opts SendOptions) (string, error) {
	// Role definitions reload per top-level request so edits take effect
	// without a restart.
	l.registry.Reload(l.cfg.WorkspaceDir())

	exchangeCtx, cancel := context.WithTimeout(ctx, l.cfg.WatchdogTimeout())
	defer cancel()

	l.mu.Lock()
	if l.inflight != nil {
		l.inflight()
	}
	l.seq++
	seq := l.seq
	l.inflight = cancel
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.seq == seq {
			l.inflight = nil
		}
		l.mu.Unlock()
	}()

	var accum strings.Builder

	model := l.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}

	visible := l.visibleRoles(opts.Role)
	tools := append([]ToolDefinition{SpawnAgentDefinition(visible)}, TeamToolDefinitions()...)
	tools = append(tools, l.tools...)

	prompt := text
	continuing := l.tracker.ID() != ""
	if !continuing {
		l.tracker.BeginCreation()
	}

	for followUps := 0; ; followUps++ {
		result, err := l.engine.RunTurn(exchangeCtx, TurnRequest{
			ConversationID: l.tracker.ID(),
			System:         l.systemPrompt(opts.Role, visible),
			Prompt:         prompt,
			Model:          model,
			Tools:          tools,
			MaxRounds:      l.cfg.Lead.MaxRounds,
			Events: TurnEvents{
				OnConversation: l.tracker.ObserveCreation,
				OnDelta: func(delta string) {
					l.bus.EmitDelta("", delta)
				},
				OnToolCall: l.handleToolCall,
			},
		})

		switch {
		case exchangeCtx.Err() == context.DeadlineExceeded:
			return l.failExchange(accum.String(), fmt.Errorf("exchange exceeded the %v watchdog", l.cfg.WatchdogTimeout()))
		case exchangeCtx.Err() == context.Canceled:
			// Cancel() already cancelled the subagents; report partial
			// text as a completion.
			return l.finishExchange(context.Background(), accum.String(), true), nil
		case err != nil:
			return l.failExchange(accum.String(), fmt.Errorf("lead turn failed: %w", err))
		}

		if result != nil && result.Text != "" {
			if accum.Len() > 0 {
				accum.WriteString("\n\n")
			}
			accum.WriteString(result.Text)
		}

		if l.subagents.PendingCount() == 0 {
			return l.finishExchange(exchangeCtx, accum.String(), false), nil
		}
		if followUps >= l.cfg.Lead.MaxFollowUps {
			l.logger.Warn("follow-up budget exhausted with subagents pending", "follow_ups", followUps)
			l.subagents.CancelAll(exchangeCtx)
			return l.finishExchange(exchangeCtx, accum.String(), false), nil
		}

		aggregate := l.subagents.DrainAll(exchangeCtx)
		if aggregate == "" {
			return l.finishExchange(exchangeCtx, accum.String(), false), nil
		}

		l.logger.Info("folding subagent results into follow-up turn", "follow_up", followUps+1)
		prompt = aggregate + "\n\nIncorporate these agent results and either continue delegating or produce your final answer."
	}
}

// Cancel aborts the in-flight exchange and transitively cancels every
// subagent. The exchange resolves as a partial completion.
func (l *LeadOrchestrator) Cancel() {
	l.mu.Lock()
	cancel := l.inflight
	l.mu.Unlock()

	if cancel != nil {
		l.logger.Info("cancelling in-flight exchange")
		cancel()
	}
	l.subagents.CancelAll(context.Background())
}

// handleToolCall intercepts delegation and team tools; everything else is
// permission-checked and forwarded to the concrete dispatcher.
func (l *LeadOrchestrator) handleToolCall(ctx context.Context, conversationID string, call ToolCall) ToolOutcome {
	// A tool call arriving while conversation creation is pending is proof
	// of ownership; the id is captured here rather than from the creation
	// response.
	l.tracker.ObserveToolCall(conversationID)

	name := call.Function.Name

	if d, ok := ParseDelegation(call); ok {
		l.logger.Debug("delegation intercepted",
			"tool", name, "agent", d.Role, "wait", d.Wait)
		return l.subagents.Spawn(ctx, call.ID, *d)
	}

	if IsTeamTool(name) {
		action, err := ParseTeamAction(call)
		if err != nil {
			return errorOutcome(call.ID, name, err.Error())
		}
		return l.teams.HandleAction(ctx, call.ID, action)
	}

	if err := l.filters.Check(conversationID, name); err != nil {
		return errorOutcome(call.ID, name, err.Error())
	}

	l.bus.EmitToolUse("", name, "running")
	dispatchCtx := contextWithWorkspace(ctx, l.cfg.WorkspaceDir())
	return l.dispatcher.Dispatch(dispatchCtx, conversationID, call)
}

// finishExchange emits the terminal done event and returns the accumulated
// text. Used for normal completion and for cancellation (partial=true).
func (l *LeadOrchestrator) finishExchange(ctx context.Context, text string, partial bool) string {
	l.bus.Publish(ctx, Event{
		Type: EventLeadDone,
		Data: map[string]any{"text": text, "partial": partial},
	})
	return text
}

// failExchange cancels outstanding subagents, emits the terminal error
// event, and returns the error with whatever text accumulated.
func (l *LeadOrchestrator) failExchange(text string, cause error) (string, error) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	l.subagents.CancelAll(cleanupCtx)

	l.bus.Publish(cleanupCtx, Event{
		Type: EventLeadError,
		Data: map[string]any{"error": cause.Error(), "text": text},
	})
	return text, cause
}

// visibleRoles resolves the delegation catalog for this exchange.
func (l *LeadOrchestrator) visibleRoles(roleOverride string) []AgentDefinition {
	if roleOverride == "" {
		return l.registry.All()
	}
	return l.registry.VisibleTo(l.registry.Resolve(roleOverride))
}

// systemPrompt composes the lead's first-turn system prompt: configured
// instructions plus the visible-role catalog. Ignored by the engine on
// continuation turns.
func (l *LeadOrchestrator) systemPrompt(roleOverride string, visible []AgentDefinition) string {
	instructions := l.cfg.Instructions
	if roleOverride != "" {
		if def, ok := l.registry.Get(roleOverride); ok && def.Prompt != "" {
			instructions = def.Prompt
		}
	}

	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nDelegate independent subtasks with spawn_agent; results arrive automatically after your turn. ")
	b.WriteString("Use team_create for long-running collaborators.\n\n")
	b.WriteString(l.registry.Catalog(visible))
	return b.String()
}
