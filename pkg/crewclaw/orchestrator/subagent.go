// Package orchestrator – subagent.go implements the subagent coordinator:
// it spawns ephemeral agent executions, enforces per-execution tool
// permissions, and aggregates results for the lead loop.
//
// Architecture:
//
//	Lead ──spawn_agent──▶ SubagentCoordinator ──goroutine──▶ engine turn
//	                          │                                  │
//	                          ▼                                  ▼
//	                    pending map                    (own conversation,
//	                    filter store                    filtered tools,
//	                    worktree mgr                    optional isolation)
//
// Two dispatch modes:
//   - fire-and-collect (wait=false): Spawn acks the tool dispatcher in the
//     same tick; the result is collected later by DrainAll and folded into
//     the next lead turn.
//   - wait-with-timeout (wait=true): Spawn blocks the caller up to the
//     deadline; timeout and failure come back AS the tool result, never as
//     an error that aborts the exchange.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/worktree"
)

// outcome is the terminal state of one execution.
type outcome struct {
	text string
	err  error
}

// ExecutionHandle is one active subagent execution. Owned by the coordinator
// that spawned it until it completes or is cancelled, then discarded.
type ExecutionHandle struct {
	// ID is the unique execution id (uuid short form).
	ID string

	// Role is the resolved agent role.
	Role string

	// Description is the human-readable task label.
	Description string

	// Wait records the dispatch mode this execution was spawned in.
	Wait bool

	tracker *ConversationTracker
	filter  *ToolFilter
	cancel  context.CancelFunc
	wt      *worktree.Info
	started time.Time

	// registerOnce guards filter registration under the conversation id,
	// which can be triggered by either the creation response or an early
	// tool call — whichever observes the id first.
	registerOnce sync.Once

	// done is closed after result is set.
	done   chan struct{}
	result outcome
}

// SubagentCoordinator owns the lifecycle of ephemeral executions.
type SubagentCoordinator struct {
	cfg       SubagentConfig
	engine    Engine
	registry  *AgentRegistry
	filters   *FilterStore
	bus       *Bus
	store     *RunStore
	worktrees *worktree.Manager // nil disables isolation
	workspace string

	// dispatcher executes the concrete (non-orchestration) tools subagents
	// call; tools are the definitions advertised to their conversations.
	dispatcher ToolDispatcher
	tools      []ToolDefinition

	// executions tracks every live execution; pending tracks only the
	// fire-and-collect ones awaiting DrainAll. Entries are inserted at
	// spawn and removed exactly once.
	executions map[string]*ExecutionHandle
	pending    map[string]*ExecutionHandle
	mu         sync.RWMutex

	semaphore chan struct{}
	logger    *slog.Logger
}

// SubagentDeps bundles the collaborators a coordinator needs.
type SubagentDeps struct {
	Engine     Engine
	Registry   *AgentRegistry
	Filters    *FilterStore
	Bus        *Bus
	Store      *RunStore // optional
	Worktrees  *worktree.Manager
	Workspace  string
	Dispatcher ToolDispatcher
	Tools      []ToolDefinition
	Logger     *slog.Logger
}

// NewSubagentCoordinator creates a coordinator with per-instance state — the
// pending and execution maps live and die with this object.
func NewSubagentCoordinator(cfg SubagentConfig, deps SubagentDeps) *SubagentCoordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 15
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NullDispatcher()
	}

	return &SubagentCoordinator{
		cfg:        cfg,
		engine:     deps.Engine,
		registry:   deps.Registry,
		filters:    deps.Filters,
		bus:        deps.Bus,
		store:      deps.Store,
		worktrees:  deps.Worktrees,
		workspace:  deps.Workspace,
		dispatcher: dispatcher,
		tools:      deps.Tools,
		executions: make(map[string]*ExecutionHandle),
		pending:    make(map[string]*ExecutionHandle),
		semaphore:  make(chan struct{}, cfg.MaxConcurrent),
		logger:     deps.Logger.With("component", "subagents"),
	}
}

// PendingCount returns how many fire-and-collect executions await DrainAll.
func (c *SubagentCoordinator) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Spawn launches one execution for a parsed delegation and returns the tool
// outcome for the originating call. Parallel mode returns an immediate
// acknowledgement; sequential mode blocks up to the timeout and returns the
// final text (or the timeout/failure description) as the tool result.
func (c *SubagentCoordinator) Spawn(ctx context.Context, callID string, d Delegation) ToolOutcome {
	def := c.registry.Resolve(d.Role)

	handle := c.launch(def, d)

	if !d.Wait {
		return ToolOutcome{
			CallID: callID,
			Content: fmt.Sprintf(
				"Agent spawned.\n  id: %s\n  agent: %s\n  status: running\n\n"+
					"Its result will be delivered to you automatically after this turn.",
				handle.ID, handle.Role,
			),
		}
	}

	timeout := c.sequentialTimeout(d.TimeoutSeconds)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-handle.done:
	case <-timer.C:
		handle.cancel()
		<-handle.done
		c.finishSequential(ctx, handle, outcome{
			text: handle.result.text,
			err:  fmt.Errorf("timeout after %v", timeout),
		})
		return ToolOutcome{
			CallID:  callID,
			Content: fmt.Sprintf("Agent %s (%s) timed out after %v and was cancelled.", handle.ID, handle.Role, timeout),
			IsError: true,
		}
	case <-ctx.Done():
		handle.cancel()
		<-handle.done
		c.finishSequential(ctx, handle, outcome{text: handle.result.text, err: ctx.Err()})
		return errorOutcome(callID, ToolSpawnAgent, "delegation cancelled: "+ctx.Err().Error())
	}

	res := handle.result
	c.finishSequential(ctx, handle, res)

	if res.err != nil {
		content := fmt.Sprintf("Agent %s (%s) failed: %v", handle.ID, handle.Role, res.err)
		if res.text != "" {
			content += "\n\nPartial result:\n" + res.text
		}
		return ToolOutcome{CallID: callID, Content: content, IsError: true}
	}
	return ToolOutcome{CallID: callID, Content: res.text}
}

// launch allocates the execution, registers tracking state, and starts the
// runner goroutine. Shared by both dispatch modes.
func (c *SubagentCoordinator) launch(def AgentDefinition, d Delegation) *ExecutionHandle {
	handle := &ExecutionHandle{
		Role:        def.Name,
		Description: d.Description,
		Wait:        d.Wait,
		tracker:     NewConversationTracker(),
		done:        make(chan struct{}),
		started:     time.Now(),
	}

	// Execution ids must be unique among live executions; uuid collisions
	// on the short form are absurdly unlikely but cheap to rule out.
	c.mu.Lock()
	for {
		handle.ID = uuid.New().String()[:8]
		if _, taken := c.executions[handle.ID]; !taken {
			break
		}
	}
	c.executions[handle.ID] = handle
	if !d.Wait {
		c.pending[handle.ID] = handle
	}
	c.mu.Unlock()

	timeout := c.sequentialTimeout(d.TimeoutSeconds)
	if !d.Wait {
		// Parallel executions get the same hard cap so a wedged engine
		// can never stall DrainAll forever.
		timeout += 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	handle.cancel = cancel

	// Isolation: failures degrade to the shared workspace, never fatal.
	if def.ForkContext && c.worktrees != nil {
		wt, err := c.worktrees.Create(runCtx, c.workspace, handle.ID)
		if err != nil {
			c.logger.Warn("worktree creation failed, sharing base workspace",
				"execution", handle.ID, "error", err)
		} else {
			handle.wt = wt
		}
	}

	handle.filter = EffectiveToolSet(def, handle.wt != nil, c.cfg.IsolationDeniedTools)
	handle.filter.ExecutionID = handle.ID

	c.store.Save(ExecutionRecord{
		ID:          handle.ID,
		Role:        handle.Role,
		Description: handle.Description,
		Status:      StatusRunning,
		Model:       c.modelFor(def, d),
		StartedAt:   handle.started,
	})

	c.logger.Info("spawning subagent",
		"execution", handle.ID,
		"agent", handle.Role,
		"wait", d.Wait,
		"isolated", handle.wt != nil,
		"task_preview", truncate(d.Prompt, 80),
	)

	go c.run(runCtx, handle, def, d)
	return handle
}

// run executes one subagent turn. Sets handle.result then closes handle.done.
func (c *SubagentCoordinator) run(ctx context.Context, handle *ExecutionHandle, def AgentDefinition, d Delegation) {
	defer close(handle.done)
	defer handle.cancel()

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		handle.result = outcome{err: fmt.Errorf("cancelled waiting for execution slot: %w", ctx.Err())}
		return
	}

	c.bus.EmitSpawned(ctx, handle.ID, handle.Role, handle.Description)

	workspace := c.workspace
	if handle.wt != nil {
		workspace = handle.wt.Path
	}

	req := TurnRequest{
		System:    def.Prompt,
		Prompt:    d.Prompt,
		Model:     c.modelFor(def, d),
		Tools:     c.tools,
		MaxRounds: c.maxRoundsFor(def),
		Events: TurnEvents{
			OnConversation: func(conversationID string) {
				handle.tracker.ObserveCreation(conversationID)
				c.registerFilter(handle, conversationID)
			},
			OnDelta: func(text string) {
				c.bus.EmitDelta(handle.ID, text)
			},
			OnToolCall: func(callCtx context.Context, conversationID string, call ToolCall) ToolOutcome {
				return c.handleToolCall(callCtx, handle, workspace, conversationID, call)
			},
		},
	}

	result, err := c.engine.RunTurn(ctx, req)
	text := ""
	if result != nil {
		text = strings.TrimSpace(result.Text)
	}

	// Empty-result anomaly: one automatic follow-up asking for an explicit
	// summary before the outcome is accepted.
	if err == nil && text == "" && handle.tracker.ID() != "" && ctx.Err() == nil {
		c.logger.Warn("subagent returned empty result, requesting summary", "execution", handle.ID)
		retry, retryErr := c.engine.RunTurn(ctx, TurnRequest{
			ConversationID: handle.tracker.ID(),
			Prompt:         "You finished without reporting anything. Reply now with an explicit summary of what you did and found.",
			Model:          req.Model,
			Tools:          c.tools,
			MaxRounds:      2,
			Events:         req.Events,
		})
		if retryErr == nil && retry != nil {
			text = strings.TrimSpace(retry.Text)
		}
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		handle.result = outcome{text: text, err: fmt.Errorf("execution timed out")}
	case ctx.Err() == context.Canceled:
		handle.result = outcome{text: text, err: fmt.Errorf("execution cancelled")}
	case err != nil:
		handle.result = outcome{text: text, err: err}
	case text == "":
		handle.result = outcome{err: fmt.Errorf("agent returned an empty result")}
	default:
		handle.result = outcome{text: text}
	}
}

// handleToolCall enforces the per-execution tool filter, then forwards the
// call to the concrete dispatcher. Subagents can never delegate or manage
// teams — those tools are rejected outright to prevent recursion.
func (c *SubagentCoordinator) handleToolCall(ctx context.Context, handle *ExecutionHandle, workspace, conversationID string, call ToolCall) ToolOutcome {
	if handle.tracker.ObserveToolCall(conversationID) {
		c.registerFilter(handle, conversationID)
	}

	name := call.Function.Name
	if name == ToolSpawnAgent || name == ToolTask || IsTeamTool(name) {
		return errorOutcome(call.ID, name, "subagents cannot spawn agents or manage teams")
	}

	if err := c.filters.Check(conversationID, name); err != nil {
		c.bus.EmitToolUse(handle.ID, name, "denied")
		return errorOutcome(call.ID, name, err.Error())
	}

	c.bus.EmitToolUse(handle.ID, name, "running")
	dispatchCtx := contextWithWorkspace(ctx, workspace)
	return c.dispatcher.Dispatch(dispatchCtx, conversationID, call)
}

// registerFilter installs the execution's tool filter under its conversation
// id, exactly once, whichever id observation wins the race.
func (c *SubagentCoordinator) registerFilter(handle *ExecutionHandle, conversationID string) {
	if conversationID == "" {
		return
	}
	handle.registerOnce.Do(func() {
		c.filters.Register(conversationID, handle.filter)
	})
}

// DrainAll awaits every still-pending fire-and-collect execution and returns
// one formatted aggregate for the next lead turn. Every execution resolves —
// success, error, or empty-turned-error — none aborts the batch. Per
// execution a guaranteed completion event is emitted and resources released
// before its pending entry is removed.
func (c *SubagentCoordinator) DrainAll(ctx context.Context) string {
	c.mu.Lock()
	handles := make([]*ExecutionHandle, 0, len(c.pending))
	for _, h := range c.pending {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	if len(handles) == 0 {
		return ""
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })

	c.logger.Info("draining subagents", "pending", len(handles))

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%d delegated agent(s) finished:\n\n", len(handles)))

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			h.cancel()
			<-h.done
		}

		res := h.result
		status := StatusCompleted
		if res.err != nil {
			status = StatusFailed
			if strings.Contains(res.err.Error(), "timed out") {
				status = StatusTimeout
			}
		}

		b.WriteString(fmt.Sprintf("<subagent_result id=%q agent=%q status=%q>\n", h.ID, h.Role, status))
		if res.err != nil {
			b.WriteString("Error: " + res.err.Error() + "\n")
		}
		if res.text != "" {
			b.WriteString(res.text + "\n")
		}
		b.WriteString("</subagent_result>\n\n")

		c.release(ctx, h, status, res)
	}

	return strings.TrimSpace(b.String())
}

// CancelAll cancels every live execution (pending and sequential alike) and
// cleans up best-effort without producing tool-result text.
func (c *SubagentCoordinator) CancelAll(ctx context.Context) {
	c.mu.Lock()
	handles := make([]*ExecutionHandle, 0, len(c.executions))
	for _, h := range c.executions {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	if len(handles) == 0 {
		return
	}
	c.logger.Info("cancelling subagents", "count", len(handles))

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
		c.release(ctx, h, StatusCancelled, outcome{text: h.result.text, err: fmt.Errorf("cancelled")})
	}
}

// release emits the completion event, releases per-execution resources, and
// removes the execution from the coordinator maps — each entry exactly once.
func (c *SubagentCoordinator) release(ctx context.Context, h *ExecutionHandle, status ExecutionStatus, res outcome) {
	c.mu.Lock()
	_, live := c.executions[h.ID]
	delete(c.executions, h.ID)
	delete(c.pending, h.ID)
	c.mu.Unlock()
	if !live {
		return
	}

	errText := ""
	if res.err != nil {
		errText = res.err.Error()
	}
	c.bus.EmitCompleted(ctx, h.ID, h.Role, string(status), errText)

	c.store.Save(ExecutionRecord{
		ID:          h.ID,
		Role:        h.Role,
		Description: h.Description,
		Status:      status,
		Result:      res.text,
		Error:       errText,
		StartedAt:   h.started,
		CompletedAt: time.Now(),
	})

	if convID := h.tracker.ID(); convID != "" {
		c.filters.Unregister(convID)
	}

	c.releaseWorktree(ctx, h, status)
}

// releaseWorktree computes the isolation diff and either cleans up (no
// changes or cancelled) or announces the changes for review, keeping the
// worktree alive until they are applied or discarded.
func (c *SubagentCoordinator) releaseWorktree(ctx context.Context, h *ExecutionHandle, status ExecutionStatus) {
	if h.wt == nil || c.worktrees == nil {
		return
	}

	if status == StatusCancelled {
		if err := c.worktrees.Remove(ctx, h.wt, c.workspace); err != nil {
			c.logger.Warn("worktree cleanup failed", "execution", h.ID, "error", err)
		}
		return
	}

	changes, err := c.worktrees.Diff(ctx, h.wt, c.workspace)
	if err != nil {
		c.logger.Warn("worktree diff failed, cleaning up", "execution", h.ID, "error", err)
		changes = nil
	}

	if len(changes) == 0 {
		if err := c.worktrees.Remove(ctx, h.wt, c.workspace); err != nil {
			c.logger.Warn("worktree cleanup failed", "execution", h.ID, "error", err)
		}
		return
	}

	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		paths = append(paths, change.Path)
	}
	c.bus.Publish(ctx, Event{
		ExecutionID: h.ID,
		Type:        EventChangesReady,
		Data: map[string]any{
			"agent":    h.Role,
			"worktree": h.wt.Path,
			"branch":   h.wt.Branch,
			"files":    paths,
		},
	})
}

// finishSequential runs the completion path for a wait-mode execution.
func (c *SubagentCoordinator) finishSequential(ctx context.Context, h *ExecutionHandle, res outcome) {
	status := StatusCompleted
	switch {
	case res.err == nil:
	case strings.Contains(res.err.Error(), "timeout"):
		status = StatusTimeout
	case strings.Contains(res.err.Error(), "cancel"):
		status = StatusCancelled
	default:
		status = StatusFailed
	}
	c.release(ctx, h, status, res)
}

func (c *SubagentCoordinator) sequentialTimeout(overrideSeconds int) time.Duration {
	if overrideSeconds > 0 {
		return time.Duration(overrideSeconds) * time.Second
	}
	return time.Duration(c.cfg.TimeoutSeconds) * time.Second
}

func (c *SubagentCoordinator) modelFor(def AgentDefinition, d Delegation) string {
	switch {
	case d.Model != "":
		return d.Model
	case def.Model != "":
		return def.Model
	default:
		return c.cfg.Model
	}
}

func (c *SubagentCoordinator) maxRoundsFor(def AgentDefinition) int {
	if def.MaxRounds > 0 {
		return def.MaxRounds
	}
	return c.cfg.MaxRounds
}

// ─── Workspace context plumbing ───

type contextKeyWorkspace struct{}

// contextWithWorkspace records the workspace a tool call should operate on
// (the isolated copy for forked executions, the base workspace otherwise).
func contextWithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, contextKeyWorkspace{}, workspace)
}

// WorkspaceFromContext retrieves the workspace set for a tool call. Concrete
// tool implementations resolve relative paths against it.
func WorkspaceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyWorkspace{}).(string); ok {
		return v
	}
	return ""
}
