package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestTeams(t *testing.T, engine Engine) (*TeamCoordinator, *Bus, string) {
	t.Helper()
	logger := newTestLogger()
	bus := NewBus(logger)
	t.Cleanup(bus.Close)

	teamsDir := t.TempDir()
	tc := NewTeamCoordinator(TeamsConfig{
		PollIntervalSeconds: 1,
		MaxRounds:           5,
		LeadMailbox:         "team-lead",
	}, TeamDeps{
		Engine:    engine,
		Registry:  NewAgentRegistry(logger),
		Filters:   NewFilterStore(logger),
		Bus:       bus,
		Mailboxes: NewMailboxStore(teamsDir, logger),
		TeamsDir:  teamsDir,
		Logger:    logger,
	})
	t.Cleanup(tc.Shutdown)
	return tc, bus, teamsDir
}

// waitEvent drains the subscription until the wanted type shows up.
func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", want)
		}
	}
}

func TestTeamCreatePersistsAndRunsMembers(t *testing.T) {
	engine := &fakeEngine{handler: func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		return &TurnResult{Text: "task handled"}, nil
	}}
	tc, bus, teamsDir := newTestTeams(t, engine)

	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	config, err := tc.CreateTeam(context.Background(), "platform", "infra crew", []TeamMemberSpec{
		{Name: "dev", Role: "general-purpose", Prompt: "refactor the config loader"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(config.Members) != 1 || config.Members[0].Name != "dev" {
		t.Fatalf("unexpected members: %+v", config.Members)
	}

	created := waitEvent(t, events, EventTeamCreated)
	if created.Team != "platform" {
		t.Errorf("created event team = %q", created.Team)
	}

	// The member works its initial prompt, then reports idle to the lead box.
	waitEvent(t, events, EventMemberIdle)
	if engine.turnCount() == 0 {
		t.Fatal("member never ran its initial task")
	}
	first := engine.turn(0)
	if first.Prompt != "refactor the config loader" {
		t.Errorf("initial prompt = %q", first.Prompt)
	}
	if !strings.Contains(first.System, `member of team "platform"`) {
		t.Errorf("member system prompt missing team context: %q", first.System)
	}

	unread, err := tc.mailboxes.ReadUnread("platform", "team-lead")
	if err != nil {
		t.Fatalf("lead mailbox read failed: %v", err)
	}
	if len(unread) != 1 || !strings.Contains(unread[0].Text, "idle") {
		t.Errorf("lead mailbox should hold one idle notice, got %+v", unread)
	}

	data, err := os.ReadFile(filepath.Join(teamsDir, "platform", "team.json"))
	if err != nil {
		t.Fatalf("team.json missing: %v", err)
	}
	if !strings.Contains(string(data), `"dev"`) {
		t.Errorf("persisted config missing member: %s", data)
	}
}

func TestTeamCreateDuplicate(t *testing.T) {
	engine := &fakeEngine{handler: func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		return &TurnResult{Text: "ok"}, nil
	}}
	tc, _, _ := newTestTeams(t, engine)

	members := []TeamMemberSpec{{Name: "a", Role: "general-purpose", Prompt: "work"}}
	if _, err := tc.CreateTeam(context.Background(), "dupe", "", members); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := tc.CreateTeam(context.Background(), "dupe", "", members)
	if !errors.Is(err, ErrTeamExists) {
		t.Errorf("duplicate create error = %v, want ErrTeamExists", err)
	}
}

func TestTeamCreateValidation(t *testing.T) {
	engine := &fakeEngine{handler: func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		return &TurnResult{}, nil
	}}
	tc, _, _ := newTestTeams(t, engine)

	if _, err := tc.CreateTeam(context.Background(), "", "", []TeamMemberSpec{{Name: "a"}}); err == nil {
		t.Error("nameless team accepted")
	}
	if _, err := tc.CreateTeam(context.Background(), "empty", "", nil); err == nil {
		t.Error("memberless team accepted")
	}
}

func TestTeamSendMessage(t *testing.T) {
	engine := &fakeEngine{handler: func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		return &TurnResult{Text: "ok"}, nil
	}}
	tc, bus, _ := newTestTeams(t, engine)

	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	if _, err := tc.CreateTeam(context.Background(), "ops", "", []TeamMemberSpec{
		{Name: "oncall", Role: "general-purpose", Prompt: "hold the pager"},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	t.Run("to member", func(t *testing.T) {
		if err := tc.SendMessage(context.Background(), "ops", "oncall", "operator", "check the queue"); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		ev := waitEvent(t, events, EventMessageRouted)
		if ev.Member != "oncall" || ev.Data["from"] != "operator" {
			t.Errorf("routed event = %+v", ev)
		}
	})

	t.Run("to lead mailbox", func(t *testing.T) {
		if err := tc.SendMessage(context.Background(), "ops", "team-lead", "oncall", "all clear"); err != nil {
			t.Errorf("lead mailbox should always be addressable: %v", err)
		}
	})

	t.Run("unknown member", func(t *testing.T) {
		err := tc.SendMessage(context.Background(), "ops", "ghost", "operator", "hi")
		if err == nil || !strings.Contains(err.Error(), "no member") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("unknown team", func(t *testing.T) {
		err := tc.SendMessage(context.Background(), "nope", "oncall", "operator", "hi")
		if !errors.Is(err, ErrTeamNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestTeamMemberResumesOnMail(t *testing.T) {
	engine := &fakeEngine{handler: func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		req.Events.OnConversation("member-conv")
		return &TurnResult{ConversationID: "member-conv", Text: "done"}, nil
	}}
	tc, bus, _ := newTestTeams(t, engine)

	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	if _, err := tc.CreateTeam(context.Background(), "dev", "", []TeamMemberSpec{
		{Name: "coder", Role: "general-purpose", Prompt: "first task"},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitEvent(t, events, EventMemberIdle)

	if err := tc.SendMessage(context.Background(), "dev", "coder", "team-lead", "second task"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	resumed := waitEvent(t, events, EventMemberResumed)
	if resumed.Data["from"] != "team-lead" {
		t.Errorf("resumed event from = %v", resumed.Data["from"])
	}

	// Wait for the member to go idle again, then check the second turn
	// continued the same conversation with the mailed prompt.
	waitEvent(t, events, EventMemberIdle)
	if engine.turnCount() < 2 {
		t.Fatalf("expected a resumed turn, got %d turns", engine.turnCount())
	}
	second := engine.turn(1)
	if second.Prompt != "second task" {
		t.Errorf("resumed prompt = %q", second.Prompt)
	}
	if second.ConversationID != "member-conv" {
		t.Errorf("resumed turn lost the conversation: %q", second.ConversationID)
	}
}

func TestTeamDelete(t *testing.T) {
	engine := &fakeEngine{handler: func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		return &TurnResult{Text: "ok"}, nil
	}}
	tc, bus, teamsDir := newTestTeams(t, engine)

	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	if _, err := tc.CreateTeam(context.Background(), "temp", "", []TeamMemberSpec{
		{Name: "a", Role: "general-purpose", Prompt: "work"},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitEvent(t, events, EventMemberIdle)

	if err := tc.DeleteTeam(context.Background(), "temp"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	waitEvent(t, events, EventTeamDisbanded)

	if _, ok := tc.Get("temp"); ok {
		t.Error("deleted team still resolvable")
	}
	if _, err := os.Stat(filepath.Join(teamsDir, "temp")); !os.IsNotExist(err) {
		t.Errorf("team storage survived delete: %v", err)
	}
	if err := tc.DeleteTeam(context.Background(), "temp"); !errors.Is(err, ErrTeamNotFound) {
		t.Errorf("second delete error = %v, want ErrTeamNotFound", err)
	}
}

func TestTeamRestoreWithoutResume(t *testing.T) {
	engine := &fakeEngine{handler: func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		return &TurnResult{Text: "ok"}, nil
	}}
	logger := newTestLogger()
	bus := NewBus(logger)
	t.Cleanup(bus.Close)
	teamsDir := t.TempDir()

	deps := TeamDeps{
		Engine:    engine,
		Registry:  NewAgentRegistry(logger),
		Filters:   NewFilterStore(logger),
		Bus:       bus,
		Mailboxes: NewMailboxStore(teamsDir, logger),
		TeamsDir:  teamsDir,
		Logger:    logger,
	}
	cfg := TeamsConfig{PollIntervalSeconds: 1, MaxRounds: 5, LeadMailbox: "team-lead"}

	first := NewTeamCoordinator(cfg, deps)
	if _, err := first.CreateTeam(context.Background(), "lasting", "survives restarts", []TeamMemberSpec{
		{Name: "keeper", Role: "general-purpose", Prompt: "hold state"},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	first.Shutdown()
	turnsBefore := engine.turnCount()

	second := NewTeamCoordinator(cfg, deps)
	t.Cleanup(second.Shutdown)

	config, ok := second.Get("lasting")
	if !ok {
		t.Fatal("persisted team not restored")
	}
	if config.Description != "survives restarts" || len(config.Members) != 1 {
		t.Errorf("restored config = %+v", config)
	}

	// Restored members stay parked: messages queue, no engine turns run.
	if err := second.SendMessage(context.Background(), "lasting", "keeper", "operator", "still there?"); err != nil {
		t.Fatalf("send to restored team failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if engine.turnCount() != turnsBefore {
		t.Errorf("restored member ran a turn without being recreated")
	}
}

func TestTeamHandleAction(t *testing.T) {
	engine := &fakeEngine{handler: func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		return &TurnResult{Text: "ok"}, nil
	}}
	tc, _, _ := newTestTeams(t, engine)

	create := &TeamAction{
		Tool:    ToolTeamCreate,
		Team:    "crew",
		Members: []TeamMemberSpec{{Name: "worker", Role: "general-purpose", Prompt: "build"}},
	}
	out := tc.HandleAction(context.Background(), "call-1", create)
	if out.IsError {
		t.Fatalf("create action failed: %s", out.Content)
	}
	if !strings.Contains(out.Content, "worker") || !strings.Contains(out.Content, "team-lead") {
		t.Errorf("create ack = %q", out.Content)
	}

	send := &TeamAction{Tool: ToolTeamSend, Team: "crew", To: "worker", Text: "ship it"}
	if out := tc.HandleAction(context.Background(), "call-2", send); out.IsError {
		t.Errorf("send action failed: %s", out.Content)
	}

	badSend := &TeamAction{Tool: ToolTeamSend, Team: "crew", To: "ghost", Text: "hi"}
	if out := tc.HandleAction(context.Background(), "call-3", badSend); !out.IsError {
		t.Error("send to unknown member should fail")
	}

	del := &TeamAction{Tool: ToolTeamDelete, Team: "crew"}
	if out := tc.HandleAction(context.Background(), "call-4", del); out.IsError {
		t.Errorf("delete action failed: %s", out.Content)
	}
}

func TestTeamMemberToolBoundaries(t *testing.T) {
	outcomes := make(chan ToolOutcome, 2)
	engine := &fakeEngine{}
	engine.handler = func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		outcomes <- req.Events.OnToolCall(ctx, "member-conv", makeCall(ToolSpawnAgent, `{"agent":"x","prompt":"y"}`))
		outcomes <- req.Events.OnToolCall(ctx, "member-conv", makeCall(ToolTeamCreate, `{"name":"nested"}`))
		return &TurnResult{ConversationID: "member-conv", Text: "done"}, nil
	}
	tc, bus, _ := newTestTeams(t, engine)

	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	if _, err := tc.CreateTeam(context.Background(), "bound", "", []TeamMemberSpec{
		{Name: "m", Role: "general-purpose", Prompt: "try to spawn"},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitEvent(t, events, EventMemberIdle)

	spawn := <-outcomes
	if !spawn.IsError || !strings.Contains(spawn.Content, "cannot spawn") {
		t.Errorf("member spawn outcome = %+v", spawn)
	}
	if create := <-outcomes; !create.IsError {
		t.Errorf("member team management outcome = %+v", create)
	}
}
