package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newChatCmd creates the `crewclaw chat` command for interactive sessions.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the lead agent",
		Long: `Send one message to the lead agent, or enter an interactive REPL
when no argument is given. The lead can spawn subagents and manage
teams mid-conversation.

Examples:
  crewclaw chat "refactor the parser and run the tests"
  crewclaw chat  # interactive mode`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "override the lead model for this session")
	cmd.Flags().StringP("role", "r", "", "run the lead as a specific registry role")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
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
	defer app.shutdown(context.Background())

	model, _ := cmd.Flags().GetString("model")
	role, _ := cmd.Flags().GetString("role")
	opts := orchestrator.SendOptions{Model: model, Role: role}

	// Stream deltas to the terminal while the lead works.
	events, unsubscribe := app.bus.Subscribe(256)
	defer unsubscribe()
	go func() {
		for ev := range events {
			switch ev.Type {
			case orchestrator.EventDelta:
				if text, ok := ev.Data["text"].(string); ok {
					fmt.Print(text)
				}
			case orchestrator.EventSubagentSpawned:
				fmt.Printf("\n  ⇒ spawned %v [%s]\n", ev.Data["agent"], ev.ExecutionID)
			case orchestrator.EventSubagentCompleted:
				fmt.Printf("\n  ⇐ %v finished (%v) [%s]\n", ev.Data["agent"], ev.Data["status"], ev.ExecutionID)
			}
		}
	}()

	if len(args) > 0 {
		reply, err := app.lead.SendMessage(ctx, args[0], opts)
		if err != nil {
			return fmt.Errorf("exchange failed: %w", err)
		}
		fmt.Println()
		fmt.Println(reply)
		return nil
	}

	return runREPL(ctx, app, opts)
}

// runREPL drives an interactive session over readline. /quit exits, /cancel
// aborts the in-flight exchange, /teams lists active teams.
func runREPL(ctx context.Context, app *app, opts orchestrator.SendOptions) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "crew> ",
		HistoryFile:     filepath.Join(app.cfg.StateDir, "chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("%s interactive session. /help for commands, /quit to exit.\n\n", app.cfg.Name)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			app.lead.Cancel()
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if handleSlashCommand(app, line) {
				return nil
			}
			continue
		}

		reply, err := app.lead.SendMessage(ctx, line, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "exchange failed: %v\n", err)
			continue
		}
		fmt.Println()
		fmt.Println(reply)
		fmt.Println()
	}
}

// handleSlashCommand executes a REPL meta command. Returns true to exit.
func handleSlashCommand(app *app, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/cancel":
		app.lead.Cancel()
		fmt.Println("cancelled in-flight exchange")
	case "/teams":
		teams := app.teams.Teams()
		if len(teams) == 0 {
			fmt.Println("no active teams")
			break
		}
		for _, t := range teams {
			fmt.Printf("  %s (%d members) — %s\n", t.Name, len(t.Members), t.Description)
		}
	case "/roles":
		for _, def := range app.registry.All() {
			fmt.Printf("  %-18s %s\n", def.Name, def.Description)
		}
	case "/help":
		fmt.Println("  /quit    exit the session")
		fmt.Println("  /cancel  abort the in-flight exchange")
		fmt.Println("  /teams   list active teams")
		fmt.Println("  /roles   list delegation roles")
	default:
		fmt.Printf("unknown command %q, /help for the list\n", line)
	}
	return false
}
