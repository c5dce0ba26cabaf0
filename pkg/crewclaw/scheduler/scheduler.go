// Package scheduler drives periodic teammate heartbeats.
//
// A heartbeat is a cron-scheduled prompt dropped into a team member's
// mailbox so long-lived teammates check in even when nobody messages them.
// The scheduler only fires callbacks; mailbox delivery belongs to the team
// coordinator that registered the heartbeat.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// HeartbeatFunc delivers one heartbeat for a (team, member) pair.
type HeartbeatFunc func(team, member string)

// entry tracks one scheduled heartbeat.
type entry struct {
	team   string
	member string
	spec   string
	cronID cron.EntryID
}

// HeartbeatScheduler schedules per-member cron heartbeats.
type HeartbeatScheduler struct {
	cron    *cron.Cron
	entries map[string]*entry // "<team>/<member>" -> entry
	mu      sync.Mutex

	logger *slog.Logger
}

// New creates a heartbeat scheduler. Start must be called before heartbeats
// fire.
func New(logger *slog.Logger) *HeartbeatScheduler {
	return &HeartbeatScheduler{
		cron:    cron.New(),
		entries: make(map[string]*entry),
		logger:  logger.With("component", "heartbeat"),
	}
}

// Start begins dispatching scheduled heartbeats.
func (s *HeartbeatScheduler) Start() {
	s.cron.Start()
	s.logger.Debug("heartbeat scheduler started")
}

// Stop halts dispatching. Running callbacks finish.
func (s *HeartbeatScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Debug("heartbeat scheduler stopped")
}

// Add registers a heartbeat for one member. spec is a standard 5-field cron
// expression. Replaces any previous heartbeat for the same member.
func (s *HeartbeatScheduler) Add(team, member, spec string, fn HeartbeatFunc) error {
	key := team + "/" + member

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.cron.Remove(old.cronID)
		delete(s.entries, key)
	}

	cronID, err := s.cron.AddFunc(spec, func() {
		s.logger.Debug("heartbeat firing", "team", team, "member", member)
		fn(team, member)
	})
	if err != nil {
		return fmt.Errorf("invalid heartbeat expression %q: %w", spec, err)
	}

	s.entries[key] = &entry{team: team, member: member, spec: spec, cronID: cronID}
	s.logger.Info("heartbeat scheduled", "team", team, "member", member, "spec", spec)
	return nil
}

// RemoveTeam drops every heartbeat belonging to a team. Returns how many
// were removed.
func (s *HeartbeatScheduler) RemoveTeam(team string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if e.team != team {
			continue
		}
		s.cron.Remove(e.cronID)
		delete(s.entries, key)
		removed++
	}
	if removed > 0 {
		s.logger.Info("heartbeats removed", "team", team, "count", removed)
	}
	return removed
}

// Count returns the number of scheduled heartbeats.
func (s *HeartbeatScheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
