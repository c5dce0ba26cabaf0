// Package orchestrator – team.go implements the team coordinator: long-lived
// teammate executions that alternate between working a task and idling on
// their mailbox.
//
// Lifecycle per member:
//
//	initial prompt ──▶ execute ──▶ idle notice to lead mailbox + idle event
//	      ▲                              │
//	      └── resumed event ◀── unread mailbox message (lead first, then peers)
//
// Team membership (not running state) survives restart through the persisted
// team.json; members are never auto-resumed — a restored team only answers
// SendMessage and DeleteTeam until it is explicitly recreated.
//
// The team coordinator runs orthogonally to the lead loop and never blocks it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/scheduler"
)

// ErrTeamNotFound is returned for operations on unknown teams.
var ErrTeamNotFound = errors.New("team not found")

// ErrTeamExists is returned when creating a team whose name is taken.
var ErrTeamExists = errors.New("team already exists")

// TeamMember is one persisted member of a team.
type TeamMember struct {
	Name      string    `json:"name"`
	Role      string    `json:"agent"`
	Model     string    `json:"model,omitempty"`
	Prompt    string    `json:"prompt"`
	Heartbeat string    `json:"heartbeat,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// TeamConfig is the persisted description of one team.
type TeamConfig struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Members     []TeamMember `json:"members"`
}

// teamRuntime is the in-process state of one team: the config plus, when the
// member loops are live, their cancel handle.
type teamRuntime struct {
	config  TeamConfig
	cancel  context.CancelFunc // nil for restored-but-not-running teams
	wg      sync.WaitGroup
	running bool
}

// TeamCoordinator manages teams of long-lived teammate executions.
type TeamCoordinator struct {
	cfg        TeamsConfig
	engine     Engine
	registry   *AgentRegistry
	filters    *FilterStore
	bus        *Bus
	mailboxes  *MailboxStore
	heartbeats *scheduler.HeartbeatScheduler // nil disables heartbeats
	dispatcher ToolDispatcher
	tools      []ToolDefinition
	teamsDir   string

	teams map[string]*teamRuntime
	mu    sync.Mutex

	logger *slog.Logger
}

// TeamDeps bundles the collaborators a team coordinator needs.
type TeamDeps struct {
	Engine     Engine
	Registry   *AgentRegistry
	Filters    *FilterStore
	Bus        *Bus
	Mailboxes  *MailboxStore
	Heartbeats *scheduler.HeartbeatScheduler
	Dispatcher ToolDispatcher
	Tools      []ToolDefinition
	TeamsDir   string
	Logger     *slog.Logger
}

// NewTeamCoordinator creates a team coordinator and restores persisted team
// configs from the teams directory. Restored members are not resumed.
func NewTeamCoordinator(cfg TeamsConfig, deps TeamDeps) *TeamCoordinator {
	if cfg.LeadMailbox == "" {
		cfg.LeadMailbox = "team-lead"
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NullDispatcher()
	}

	tc := &TeamCoordinator{
		cfg:        cfg,
		engine:     deps.Engine,
		registry:   deps.Registry,
		filters:    deps.Filters,
		bus:        deps.Bus,
		mailboxes:  deps.Mailboxes,
		heartbeats: deps.Heartbeats,
		dispatcher: dispatcher,
		tools:      deps.Tools,
		teamsDir:   deps.TeamsDir,
		teams:      make(map[string]*teamRuntime),
		logger:     deps.Logger.With("component", "teams"),
	}
	tc.restoreTeams()
	return tc
}

// restoreTeams loads every persisted team.json without starting member loops.
func (tc *TeamCoordinator) restoreTeams() {
	entries, err := os.ReadDir(tc.teamsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(tc.teamsDir, entry.Name(), "team.json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var config TeamConfig
		if err := json.Unmarshal(data, &config); err != nil {
			tc.logger.Warn("skipping corrupt team config", "path", path, "error", err)
			continue
		}
		tc.teams[config.Name] = &teamRuntime{config: config}
		tc.logger.Info("team restored (not resumed)", "team", config.Name, "members", len(config.Members))
	}
}

// CreateTeam persists a new team and starts every member's loop.
func (tc *TeamCoordinator) CreateTeam(ctx context.Context, name, description string, members []TeamMemberSpec) (*TeamConfig, error) {
	if name == "" || len(members) == 0 {
		return nil, fmt.Errorf("team needs a name and at least one member")
	}

	config := TeamConfig{
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
	}
	for _, spec := range members {
		def := tc.registry.Resolve(spec.Role)
		model := spec.Model
		if model == "" {
			model = def.Model
		}
		config.Members = append(config.Members, TeamMember{
			Name:      spec.Name,
			Role:      def.Name,
			Model:     model,
			Prompt:    spec.Prompt,
			Heartbeat: spec.Heartbeat,
			JoinedAt:  time.Now(),
		})
	}

	tc.mu.Lock()
	if rt, exists := tc.teams[name]; exists && rt.running {
		tc.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTeamExists, name)
	}

	if err := tc.persistConfig(config); err != nil {
		tc.mu.Unlock()
		return nil, err
	}

	teamCtx, cancel := context.WithCancel(context.Background())
	rt := &teamRuntime{config: config, cancel: cancel, running: true}
	tc.teams[name] = rt

	for _, member := range config.Members {
		rt.wg.Add(1)
		go func(m TeamMember) {
			defer rt.wg.Done()
			tc.memberLoop(teamCtx, config, m)
		}(member)

		if member.Heartbeat != "" && tc.heartbeats != nil && tc.cfg.Heartbeats {
			if err := tc.heartbeats.Add(name, member.Name, member.Heartbeat, tc.deliverHeartbeat); err != nil {
				tc.logger.Warn("heartbeat rejected", "team", name, "member", member.Name, "error", err)
			}
		}
	}
	tc.mu.Unlock()

	tc.bus.Publish(ctx, Event{
		Team: name,
		Type: EventTeamCreated,
		Data: map[string]any{"members": len(config.Members), "description": description},
	})
	tc.logger.Info("team created", "team", name, "members", len(config.Members))
	return &config, nil
}

// SendMessage appends a message to a member's mailbox and emits a routing
// event. Works against restored teams whose loops are not running.
func (tc *TeamCoordinator) SendMessage(ctx context.Context, team, to, from, text string) error {
	tc.mu.Lock()
	rt, ok := tc.teams[team]
	tc.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTeamNotFound, team)
	}

	if to != tc.cfg.LeadMailbox && !rt.hasMember(to) {
		return fmt.Errorf("team %s has no member %q", team, to)
	}

	if err := tc.mailboxes.Append(team, to, MailboxMessage{
		From: from,
		Text: text,
	}); err != nil {
		return fmt.Errorf("delivering message: %w", err)
	}

	tc.bus.Publish(ctx, Event{
		Team:   team,
		Member: to,
		Type:   EventMessageRouted,
		Data:   map[string]any{"from": from, "preview": truncate(text, 80)},
	})
	return nil
}

// DeleteTeam stops every member loop, removes heartbeats and mailbox
// storage, and emits a disbanded event.
func (tc *TeamCoordinator) DeleteTeam(ctx context.Context, name string) error {
	tc.mu.Lock()
	rt, ok := tc.teams[name]
	if ok {
		delete(tc.teams, name)
	}
	tc.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTeamNotFound, name)
	}

	if rt.cancel != nil {
		rt.cancel()
		rt.wg.Wait()
	}
	if tc.heartbeats != nil {
		tc.heartbeats.RemoveTeam(name)
	}

	if err := os.RemoveAll(filepath.Join(tc.teamsDir, name)); err != nil {
		tc.logger.Warn("team storage removal failed", "team", name, "error", err)
	}

	tc.bus.Publish(ctx, Event{Team: name, Type: EventTeamDisbanded})
	tc.logger.Info("team disbanded", "team", name)
	return nil
}

// Shutdown stops every running member loop without deleting any storage.
func (tc *TeamCoordinator) Shutdown() {
	tc.mu.Lock()
	runtimes := make([]*teamRuntime, 0, len(tc.teams))
	for _, rt := range tc.teams {
		runtimes = append(runtimes, rt)
	}
	tc.mu.Unlock()

	for _, rt := range runtimes {
		if rt.cancel != nil {
			rt.cancel()
			rt.wg.Wait()
			rt.running = false
		}
	}
}

// Teams returns every known team config, running or restored.
func (tc *TeamCoordinator) Teams() []TeamConfig {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	out := make([]TeamConfig, 0, len(tc.teams))
	for _, rt := range tc.teams {
		out = append(out, rt.config)
	}
	return out
}

// Get returns one team's config.
func (tc *TeamCoordinator) Get(name string) (TeamConfig, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	rt, ok := tc.teams[name]
	if !ok {
		return TeamConfig{}, false
	}
	return rt.config, true
}

// HandleAction executes one intercepted team-management tool call.
func (tc *TeamCoordinator) HandleAction(ctx context.Context, callID string, action *TeamAction) ToolOutcome {
	switch action.Tool {
	case ToolTeamCreate:
		config, err := tc.CreateTeam(ctx, action.Team, action.Description, action.Members)
		if err != nil {
			return errorOutcome(callID, action.Tool, err.Error())
		}
		names := make([]string, 0, len(config.Members))
		for _, m := range config.Members {
			names = append(names, m.Name)
		}
		return ToolOutcome{
			CallID: callID,
			Content: fmt.Sprintf("Team %q created with members: %s. Each member is working its initial task "+
				"and will notify the %s mailbox when idle.", config.Name, strings.Join(names, ", "), tc.cfg.LeadMailbox),
		}

	case ToolTeamSend:
		if err := tc.SendMessage(ctx, action.Team, action.To, tc.cfg.LeadMailbox, action.Text); err != nil {
			return errorOutcome(callID, action.Tool, err.Error())
		}
		return ToolOutcome{
			CallID:  callID,
			Content: fmt.Sprintf("Message delivered to %s/%s.", action.Team, action.To),
		}

	case ToolTeamDelete:
		if err := tc.DeleteTeam(ctx, action.Team); err != nil {
			return errorOutcome(callID, action.Tool, err.Error())
		}
		return ToolOutcome{
			CallID:  callID,
			Content: fmt.Sprintf("Team %q disbanded.", action.Team),
		}
	}
	return errorOutcome(callID, action.Tool, "unknown team action")
}

// ─────────────────────────────────────────────────────────────────────────────
// Member loop
// ─────────────────────────────────────────────────────────────────────────────

// memberLoop is one teammate's lifetime: execute, idle, await mail, repeat.
func (tc *TeamCoordinator) memberLoop(ctx context.Context, team TeamConfig, member TeamMember) {
	logger := tc.logger.With("team", team.Name, "member", member.Name)
	def := tc.registry.Resolve(member.Role)

	tracker := NewConversationTracker()
	filter := EffectiveToolSet(def, false, nil)
	filter.ExecutionID = team.Name + "/" + member.Name
	var registerOnce sync.Once

	prompt := member.Prompt
	for {
		tc.runMemberTask(ctx, team, member, def, tracker, filter, &registerOnce, prompt)
		if ctx.Err() != nil {
			break
		}

		// Report idle to the lead mailbox, then watch our own.
		if err := tc.mailboxes.Append(team.Name, tc.cfg.LeadMailbox, MailboxMessage{
			From:    member.Name,
			Text:    fmt.Sprintf("%s finished its task and is idle.", member.Name),
			Summary: "idle",
		}); err != nil {
			logger.Warn("idle notification failed", "error", err)
		}
		tc.bus.Publish(ctx, Event{Team: team.Name, Member: member.Name, Type: EventMemberIdle})

		next, ok := tc.awaitMail(ctx, team.Name, member.Name, logger)
		if !ok {
			break
		}
		tc.bus.Publish(ctx, Event{
			Team:   team.Name,
			Member: member.Name,
			Type:   EventMemberResumed,
			Data:   map[string]any{"from": next.From, "preview": truncate(next.Text, 80)},
		})
		prompt = next.Text
	}
	logger.Info("member loop stopped")
}

// runMemberTask executes one engine turn for the member. Failures are logged
// and the loop continues; a broken task never kills the teammate.
func (tc *TeamCoordinator) runMemberTask(
	ctx context.Context,
	team TeamConfig,
	member TeamMember,
	def AgentDefinition,
	tracker *ConversationTracker,
	filter *ToolFilter,
	registerOnce *sync.Once,
	prompt string,
) {
	logger := tc.logger.With("team", team.Name, "member", member.Name)

	register := func(conversationID string) {
		if conversationID == "" {
			return
		}
		registerOnce.Do(func() {
			tc.filters.Register(conversationID, filter)
		})
	}

	req := TurnRequest{
		ConversationID: tracker.ID(), // empty on the first task
		System: fmt.Sprintf("%s\n\nYou are %q, a member of team %q (%s). Work the task you are given, "+
			"then stop; follow-up tasks arrive as new messages.",
			def.Prompt, member.Name, team.Name, team.Description),
		Prompt:    prompt,
		Model:     member.Model,
		Tools:     tc.tools,
		MaxRounds: tc.cfg.MaxRounds,
		Events: TurnEvents{
			OnConversation: func(conversationID string) {
				tracker.ObserveCreation(conversationID)
				register(conversationID)
			},
			OnDelta: func(text string) {
				tc.bus.PublishAsync(Event{
					Team:   team.Name,
					Member: member.Name,
					Type:   EventDelta,
					Data:   map[string]any{"text": text},
				})
			},
			OnToolCall: func(callCtx context.Context, conversationID string, call ToolCall) ToolOutcome {
				if tracker.ObserveToolCall(conversationID) {
					register(conversationID)
				}
				name := call.Function.Name
				if name == ToolSpawnAgent || name == ToolTask || IsTeamTool(name) {
					return errorOutcome(call.ID, name, "team members cannot spawn agents or manage teams")
				}
				if err := tc.filters.Check(conversationID, name); err != nil {
					return errorOutcome(call.ID, name, err.Error())
				}
				return tc.dispatcher.Dispatch(callCtx, conversationID, call)
			},
		},
	}
	if tracker.ID() == "" {
		tracker.BeginCreation()
	}

	if _, err := tc.engine.RunTurn(ctx, req); err != nil && ctx.Err() == nil {
		logger.Warn("member task failed", "error", err)
	}
}

// awaitMail polls the member's mailbox until an unread message arrives or
// the context is cancelled. Lead messages outrank peer messages; all
// currently-unread messages are marked read in the same cycle.
func (tc *TeamCoordinator) awaitMail(ctx context.Context, team, member string, logger *slog.Logger) (MailboxMessage, bool) {
	ticker := time.NewTicker(time.Duration(tc.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return MailboxMessage{}, false
		case <-ticker.C:
			unread, err := tc.mailboxes.ReadUnread(team, member)
			if err != nil {
				logger.Warn("mailbox poll failed", "error", err)
				continue
			}
			if len(unread) == 0 {
				continue
			}

			picked := unread[0]
			for _, msg := range unread {
				if msg.From == tc.cfg.LeadMailbox {
					picked = msg
					break
				}
			}
			if _, err := tc.mailboxes.MarkAllRead(team, member); err != nil {
				logger.Warn("mark-read failed", "error", err)
			}
			return picked, true
		}
	}
}

// deliverHeartbeat drops the scheduled check-in prompt into a member's
// mailbox. Registered with the heartbeat scheduler at team creation.
func (tc *TeamCoordinator) deliverHeartbeat(team, member string) {
	err := tc.mailboxes.Append(team, member, MailboxMessage{
		From:    tc.cfg.LeadMailbox,
		Text:    "Heartbeat check-in: report your current status and anything blocking you.",
		Summary: "heartbeat",
	})
	if err != nil {
		tc.logger.Warn("heartbeat delivery failed", "team", team, "member", member, "error", err)
	}
}

// persistConfig writes the team.json document. Caller holds tc.mu.
func (tc *TeamCoordinator) persistConfig(config TeamConfig) error {
	dir := filepath.Join(tc.teamsDir, config.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating team dir: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding team config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "team.json"), data, 0o600); err != nil {
		return fmt.Errorf("writing team config: %w", err)
	}
	return nil
}

// hasMember reports whether the team config lists a member by name.
func (rt *teamRuntime) hasMember(name string) bool {
	for _, m := range rt.config.Members {
		if m.Name == name {
			return true
		}
	}
	return false
}
