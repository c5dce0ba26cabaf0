// Package notify forwards orchestration events to external announcers.
//
// The Discord announcer subscribes to the event bus and mirrors structural
// events (subagent completions, team lifecycle, exchange termination) into a
// configured channel. Streaming events are ignored — announcing every delta
// would drown the channel. Disabled unless a bot token is configured.
package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// DiscordAnnouncer mirrors bus events into one Discord channel.
type DiscordAnnouncer struct {
	session   *discordgo.Session
	channelID string
	bus       *orchestrator.Bus
	stop      func()
	logger    *slog.Logger
}

// NewDiscordAnnouncer connects the bot session. Returns an error when the
// token is rejected; callers treat that as "announcer disabled", never fatal.
func NewDiscordAnnouncer(token, channelID string, bus *orchestrator.Bus, logger *slog.Logger) (*DiscordAnnouncer, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("opening discord session: %w", err)
	}

	return &DiscordAnnouncer{
		session:   session,
		channelID: channelID,
		bus:       bus,
		logger:    logger.With("component", "discord-notify"),
	}, nil
}

// Start subscribes to the bus and announces until Stop is called.
func (a *DiscordAnnouncer) Start() {
	events, unsubscribe := a.bus.Subscribe(256)
	a.stop = unsubscribe

	go func() {
		for ev := range events {
			if msg := a.format(ev); msg != "" {
				if _, err := a.session.ChannelMessageSend(a.channelID, msg); err != nil {
					a.logger.Warn("discord announce failed", "type", ev.Type, "error", err)
				}
			}
		}
	}()
	a.logger.Info("discord announcer started", "channel", a.channelID)
}

// Stop unsubscribes and closes the bot session.
func (a *DiscordAnnouncer) Stop() {
	if a.stop != nil {
		a.stop()
	}
	_ = a.session.Close()
}

// format renders one event, or "" for events not worth announcing.
func (a *DiscordAnnouncer) format(ev orchestrator.Event) string {
	switch ev.Type {
	case orchestrator.EventSubagentCompleted:
		status, _ := ev.Data["status"].(string)
		agent, _ := ev.Data["agent"].(string)
		if errText, ok := ev.Data["error"].(string); ok && errText != "" {
			return fmt.Sprintf("⚠️ Agent **%s** (`%s`) finished with %s: %s", agent, ev.ExecutionID, status, errText)
		}
		return fmt.Sprintf("✅ Agent **%s** (`%s`) %s", agent, ev.ExecutionID, status)

	case orchestrator.EventChangesReady:
		agent, _ := ev.Data["agent"].(string)
		files, _ := ev.Data["files"].([]string)
		return fmt.Sprintf("📝 Agent **%s** (`%s`) has %d file change(s) ready for review", agent, ev.ExecutionID, len(files))

	case orchestrator.EventTeamCreated:
		return fmt.Sprintf("👥 Team **%s** created", ev.Team)

	case orchestrator.EventTeamDisbanded:
		return fmt.Sprintf("👋 Team **%s** disbanded", ev.Team)

	case orchestrator.EventMemberIdle:
		return fmt.Sprintf("💤 %s/%s is idle", ev.Team, ev.Member)

	case orchestrator.EventLeadDone:
		text, _ := ev.Data["text"].(string)
		if len(text) > 300 {
			text = text[:300] + "..."
		}
		return "🏁 Exchange finished:\n" + strings.TrimSpace(text)

	case orchestrator.EventLeadError:
		errText, _ := ev.Data["error"].(string)
		return "❌ Exchange failed: " + errText
	}
	return ""
}
