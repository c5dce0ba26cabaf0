package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newServeCmd creates the `crewclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration daemon",
		Long: `Start CrewClaw as a daemon: restores persisted teams, registers
heartbeats, sweeps stale worktrees and interrupted runs, and streams
orchestration events to stdout until interrupted.

Examples:
  crewclaw serve
  crewclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().Bool("events", true, "print orchestration events to stdout")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	printEvents, _ := cmd.Flags().GetBool("events")
	var unsubscribe func()
	if printEvents {
		var events <-chan orchestrator.Event
		events, unsubscribe = app.bus.Subscribe(256)
		go func() {
			for ev := range events {
				printEvent(ev)
			}
		}()
	}

	logger.Info("CrewClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Model,
		"workspace", cfg.WorkspaceDir(),
		"teams", len(app.teams.Teams()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		app.shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// printEvent renders one orchestration event for the serve console. Deltas
// stream inline without a newline so text reads continuously.
func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventDelta:
		if text, ok := ev.Data["text"].(string); ok {
			fmt.Print(text)
		}
	case orchestrator.EventToolUse:
		fmt.Printf("\n[%s] tool %v (%v)\n", ev.ExecutionID, ev.Data["tool"], ev.Data["status"])
	case orchestrator.EventSubagentSpawned:
		fmt.Printf("\n[%s] spawned agent=%v %v\n", ev.ExecutionID, ev.Data["agent"], ev.Data["description"])
	case orchestrator.EventSubagentCompleted:
		fmt.Printf("\n[%s] completed status=%v\n", ev.ExecutionID, ev.Data["status"])
	case orchestrator.EventChangesReady:
		fmt.Printf("\n[%s] changes ready on branch %v: %v\n", ev.ExecutionID, ev.Data["branch"], ev.Data["files"])
	case orchestrator.EventMemberIdle:
		fmt.Printf("\n[team %s] %s idle, polling mailbox\n", ev.Team, ev.Member)
	case orchestrator.EventMemberResumed:
		fmt.Printf("\n[team %s] %s resumed\n", ev.Team, ev.Member)
	case orchestrator.EventLeadDone:
		fmt.Printf("\n[lead] exchange done (partial=%v)\n", ev.Data["partial"])
	case orchestrator.EventLeadError:
		fmt.Printf("\n[lead] exchange failed: %v\n", ev.Data["error"])
	default:
		fmt.Printf("\n[event] %s\n", ev.Type)
	}
}
