// Package commands – app.go assembles the orchestration stack shared by the
// serve and chat commands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/engine"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/notify"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/scheduler"
	"github.com/jholhewres/crewclaw/pkg/crewclaw/worktree"
)

// app holds the wired orchestration stack.
type app struct {
	cfg        *orchestrator.Config
	logger     *slog.Logger
	bus        *orchestrator.Bus
	store      *orchestrator.RunStore
	worktrees  *worktree.Manager
	engine     *engine.Client
	filters    *orchestrator.FilterStore
	registry   *orchestrator.AgentRegistry
	subagents  *orchestrator.SubagentCoordinator
	mailboxes  *orchestrator.MailboxStore
	heartbeats *scheduler.HeartbeatScheduler
	teams      *orchestrator.TeamCoordinator
	lead       *orchestrator.LeadOrchestrator
	announcer  *notify.DiscordAnnouncer
}

// buildApp wires the full stack from config. The run store, worktree manager
// and Discord announcer degrade to disabled on failure; the engine endpoint
// is required.
func buildApp(ctx context.Context, cfg *orchestrator.Config, logger *slog.Logger) (*app, error) {
	orchestrator.AuditSecrets(cfg, logger)

	vault := orchestrator.NewVault(filepath.Join(cfg.StateDir, orchestrator.VaultFile))
	apiKey := orchestrator.ResolveAPIKey(cfg, vault, logger)
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured: set api.api_key, run 'crewclaw vault init', or export CREWCLAW_API_KEY")
	}

	bus := orchestrator.NewBus(logger)

	store, err := orchestrator.OpenRunStore(cfg.RunDBPath(), logger)
	if err != nil {
		logger.Warn("run store unavailable, executions will not be persisted", "error", err)
		store = nil
	}
	if swept := store.SweepInterrupted(); swept > 0 {
		logger.Info("marked interrupted executions as failed", "count", swept)
	}

	var worktrees *worktree.Manager
	if cfg.Isolation.Enabled {
		worktrees = worktree.NewManager(cfg.WorktreeScratchDir(), cfg.Isolation.BranchPrefix, logger)
		worktrees.SweepStale(ctx, cfg.WorkspaceDir())
	}

	eng := engine.New(cfg.API.BaseURL, apiKey, cfg.Model, logger)
	filters := orchestrator.NewFilterStore(logger)

	registry := orchestrator.NewAgentRegistry(logger)
	registry.Reload(cfg.WorkspaceDir())

	subagents := orchestrator.NewSubagentCoordinator(cfg.Subagents, orchestrator.SubagentDeps{
		Engine:    eng,
		Registry:  registry,
		Filters:   filters,
		Bus:       bus,
		Store:     store,
		Worktrees: worktrees,
		Workspace: cfg.WorkspaceDir(),
		Logger:    logger,
	})

	mailboxes := orchestrator.NewMailboxStore(cfg.TeamsDir(), logger)

	heartbeats := scheduler.New(logger)
	heartbeats.Start()

	teams := orchestrator.NewTeamCoordinator(cfg.Teams, orchestrator.TeamDeps{
		Engine:     eng,
		Registry:   registry,
		Filters:    filters,
		Bus:        bus,
		Mailboxes:  mailboxes,
		Heartbeats: heartbeats,
		TeamsDir:   cfg.TeamsDir(),
		Logger:     logger,
	})

	lead := orchestrator.NewLeadOrchestrator(cfg, orchestrator.LeadDeps{
		Engine:    eng,
		Registry:  registry,
		Filters:   filters,
		Bus:       bus,
		Subagents: subagents,
		Teams:     teams,
		Logger:    logger,
	})

	a := &app{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		store:      store,
		worktrees:  worktrees,
		engine:     eng,
		filters:    filters,
		registry:   registry,
		subagents:  subagents,
		mailboxes:  mailboxes,
		heartbeats: heartbeats,
		teams:      teams,
		lead:       lead,
	}

	if cfg.Notify.Discord.Enabled {
		announcer, err := notify.NewDiscordAnnouncer(
			cfg.Notify.Discord.Token, cfg.Notify.Discord.ChannelID, bus, logger,
		)
		if err != nil {
			logger.Warn("discord announcer disabled", "error", err)
		} else {
			announcer.Start()
			a.announcer = announcer
		}
	}

	return a, nil
}

// shutdown tears the stack down in reverse dependency order.
func (a *app) shutdown(ctx context.Context) {
	a.lead.Cancel()
	a.subagents.CancelAll(ctx)
	a.teams.Shutdown()
	a.heartbeats.Stop()
	if a.announcer != nil {
		a.announcer.Stop()
	}
	a.bus.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing run store", "error", err)
		}
	}
}
