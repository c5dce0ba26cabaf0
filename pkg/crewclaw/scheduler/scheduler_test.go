package scheduler

import (
	"io"
	"log/slog"
	"testing"
)

func newTestScheduler(t *testing.T) *HeartbeatScheduler {
	t.Helper()
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestAddValidatesSpec(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(team, member string) {}

	if err := s.Add("ops", "oncall", "*/5 * * * *", noop); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	if err := s.Add("ops", "oncall", "not a cron spec", noop); err == nil {
		t.Error("invalid spec accepted")
	}
	if s.Count() != 1 {
		t.Errorf("count = %d", s.Count())
	}
}

func TestAddReplacesExisting(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(team, member string) {}

	if err := s.Add("ops", "oncall", "*/5 * * * *", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("ops", "oncall", "*/10 * * * *", noop); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 1 {
		t.Errorf("re-adding the same member should replace, count = %d", s.Count())
	}
}

func TestRemoveTeam(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(team, member string) {}

	for _, member := range []string{"a", "b"} {
		if err := s.Add("ops", member, "*/5 * * * *", noop); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Add("dev", "c", "*/5 * * * *", noop); err != nil {
		t.Fatal(err)
	}

	if removed := s.RemoveTeam("ops"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if s.Count() != 1 {
		t.Errorf("count after removal = %d, want 1", s.Count())
	}
	if removed := s.RemoveTeam("ops"); removed != 0 {
		t.Errorf("second removal = %d, want 0", removed)
	}
}
