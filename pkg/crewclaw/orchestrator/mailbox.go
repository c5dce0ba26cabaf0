// Package orchestrator – mailbox.go implements the persisted per-member
// message logs teammates communicate through.
//
// One mailbox per (team, member): an append-only JSON document at
// <teams>/<team>/inbox/<member>.json, guarded by an exclusive file lock that
// serializes read-modify-write across the owning member loop and external
// senders. A message's Read flag is its only mutable field and marking it is
// idempotent.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// MailboxMessage is one persisted mailbox entry.
type MailboxMessage struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary,omitempty"`
	Read      bool      `json:"read"`
}

// MailboxStore reads and writes team mailboxes under a teams root directory.
type MailboxStore struct {
	teamsDir string
	logger   *slog.Logger
}

// NewMailboxStore creates a mailbox store rooted at teamsDir.
func NewMailboxStore(teamsDir string, logger *slog.Logger) *MailboxStore {
	return &MailboxStore{
		teamsDir: teamsDir,
		logger:   logger.With("component", "mailbox"),
	}
}

// path returns the mailbox file for one (team, member).
func (s *MailboxStore) path(team, member string) string {
	return filepath.Join(s.teamsDir, team, "inbox", member+".json")
}

// Append writes one message to the end of the mailbox, creating it on first
// use. Write order is preserved: later appends always follow earlier ones.
func (s *MailboxStore) Append(team, member string, msg MailboxMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return s.update(team, member, func(messages []MailboxMessage) ([]MailboxMessage, bool) {
		return append(messages, msg), true
	})
}

// ReadUnread returns the unread messages in write order.
func (s *MailboxStore) ReadUnread(team, member string) ([]MailboxMessage, error) {
	var unread []MailboxMessage
	err := s.update(team, member, func(messages []MailboxMessage) ([]MailboxMessage, bool) {
		for _, m := range messages {
			if !m.Read {
				unread = append(unread, m)
			}
		}
		return messages, false
	})
	return unread, err
}

// MarkAllRead flips every unread message to read and returns how many were
// flipped. Idempotent: a second call is a zero no-op.
func (s *MailboxStore) MarkAllRead(team, member string) (int, error) {
	marked := 0
	err := s.update(team, member, func(messages []MailboxMessage) ([]MailboxMessage, bool) {
		for i := range messages {
			if !messages[i].Read {
				messages[i].Read = true
				marked++
			}
		}
		return messages, marked > 0
	})
	return marked, err
}

// All returns every message in the mailbox, read or not, in write order.
func (s *MailboxStore) All(team, member string) ([]MailboxMessage, error) {
	var all []MailboxMessage
	err := s.update(team, member, func(messages []MailboxMessage) ([]MailboxMessage, bool) {
		all = messages
		return messages, false
	})
	return all, err
}

// update performs one locked read-modify-write cycle on a mailbox. fn
// receives the current messages and returns the new slice plus whether it
// must be written back.
func (s *MailboxStore) update(team, member string, fn func([]MailboxMessage) ([]MailboxMessage, bool)) error {
	path := s.path(team, member)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return fmt.Errorf("locking mailbox %s/%s: %w", team, member, err)
	}
	defer lock.release()

	var messages []MailboxMessage
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &messages); err != nil {
			// A corrupt mailbox loses its history but never wedges the
			// member loop.
			s.logger.Error("corrupt mailbox, resetting", "team", team, "member", member, "error", err)
			messages = nil
		}
	}

	updated, dirty := fn(messages)
	if !dirty {
		return nil
	}

	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mailbox: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing mailbox: %w", err)
	}
	return nil
}
