package orchestrator

import (
	"fmt"
	"sync"
	"testing"
)

func TestMailboxAppendAndReadOrder(t *testing.T) {
	store := NewMailboxStore(t.TempDir(), newTestLogger())

	for i := 0; i < 5; i++ {
		err := store.Append("backend", "api", MailboxMessage{
			From: "team-lead",
			Text: fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	unread, err := store.ReadUnread("backend", "api")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(unread) != 5 {
		t.Fatalf("expected 5 unread, got %d", len(unread))
	}
	for i, msg := range unread {
		if want := fmt.Sprintf("message %d", i); msg.Text != want {
			t.Errorf("position %d: got %q, want %q", i, msg.Text, want)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("position %d: timestamp not stamped", i)
		}
	}
}

func TestMailboxMarkAllRead(t *testing.T) {
	store := NewMailboxStore(t.TempDir(), newTestLogger())

	store.Append("backend", "api", MailboxMessage{From: "lead", Text: "one"})
	store.Append("backend", "api", MailboxMessage{From: "qa", Text: "two"})

	marked, err := store.MarkAllRead("backend", "api")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if marked != 2 {
		t.Errorf("expected 2 marked, got %d", marked)
	}

	unread, _ := store.ReadUnread("backend", "api")
	if len(unread) != 0 {
		t.Errorf("expected no unread after mark, got %d", len(unread))
	}

	// Idempotent: a second pass marks nothing.
	marked, err = store.MarkAllRead("backend", "api")
	if err != nil {
		t.Fatalf("second mark failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("second mark should be a no-op, marked %d", marked)
	}

	// History survives marking.
	all, _ := store.All("backend", "api")
	if len(all) != 2 {
		t.Errorf("expected full history of 2, got %d", len(all))
	}
}

func TestMailboxNewMessagesStayUnread(t *testing.T) {
	store := NewMailboxStore(t.TempDir(), newTestLogger())

	store.Append("backend", "api", MailboxMessage{From: "lead", Text: "old"})
	store.MarkAllRead("backend", "api")
	store.Append("backend", "api", MailboxMessage{From: "lead", Text: "new"})

	unread, _ := store.ReadUnread("backend", "api")
	if len(unread) != 1 || unread[0].Text != "new" {
		t.Fatalf("expected exactly the new message unread, got %+v", unread)
	}
}

func TestMailboxIsolationBetweenMembers(t *testing.T) {
	store := NewMailboxStore(t.TempDir(), newTestLogger())

	store.Append("backend", "api", MailboxMessage{From: "lead", Text: "for api"})
	store.Append("backend", "qa", MailboxMessage{From: "lead", Text: "for qa"})
	store.Append("frontend", "api", MailboxMessage{From: "lead", Text: "other team"})

	unread, _ := store.ReadUnread("backend", "api")
	if len(unread) != 1 || unread[0].Text != "for api" {
		t.Errorf("mailboxes leaked across members/teams: %+v", unread)
	}
}

func TestMailboxConcurrentAppends(t *testing.T) {
	store := NewMailboxStore(t.TempDir(), newTestLogger())

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := store.Append("backend", "api", MailboxMessage{
					From: fmt.Sprintf("writer-%d", w),
					Text: fmt.Sprintf("msg %d", i),
				}); err != nil {
					t.Errorf("writer %d append failed: %v", w, err)
				}
			}
		}(w)
	}
	wg.Wait()

	all, err := store.All("backend", "api")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(all) != writers*perWriter {
		t.Errorf("file lock lost appends: got %d, want %d", len(all), writers*perWriter)
	}
}
