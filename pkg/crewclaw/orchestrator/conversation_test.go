package orchestrator

import "testing"

func TestConversationTrackerCreationResponse(t *testing.T) {
	tracker := NewConversationTracker()

	if tracker.State() != ConversationNotStarted {
		t.Fatalf("new tracker should be NotStarted, got %v", tracker.State())
	}

	tracker.BeginCreation()
	if tracker.State() != ConversationCreationPending {
		t.Fatalf("expected CreationPending, got %v", tracker.State())
	}
	if tracker.ID() != "" {
		t.Errorf("id should be empty while pending, got %q", tracker.ID())
	}

	tracker.ObserveCreation("conv-1")
	if tracker.State() != ConversationOwned {
		t.Fatalf("expected Owned after creation response, got %v", tracker.State())
	}
	if tracker.ID() != "conv-1" {
		t.Errorf("expected id conv-1, got %q", tracker.ID())
	}
}

func TestConversationTrackerEarlyToolCallClaimsOwnership(t *testing.T) {
	tracker := NewConversationTracker()
	tracker.BeginCreation()

	// Tool call arrives before the creation response.
	if !tracker.ObserveToolCall("conv-early") {
		t.Fatal("first tool call during pending creation should claim ownership")
	}
	if tracker.ID() != "conv-early" {
		t.Fatalf("expected claimed id conv-early, got %q", tracker.ID())
	}

	// Late creation response must not regress the claimed id.
	tracker.ObserveCreation("conv-late")
	if tracker.ID() != "conv-early" {
		t.Errorf("late creation response overwrote claimed id: %q", tracker.ID())
	}
	if tracker.State() != ConversationOwned {
		t.Errorf("state regressed to %v", tracker.State())
	}
}

func TestConversationTrackerOwnedMatching(t *testing.T) {
	tracker := NewConversationTracker()
	tracker.BeginCreation()
	tracker.ObserveCreation("conv-1")

	t.Run("matching id", func(t *testing.T) {
		if !tracker.ObserveToolCall("conv-1") {
			t.Error("tool call with the owned id should match")
		}
	})

	t.Run("foreign id", func(t *testing.T) {
		if tracker.ObserveToolCall("conv-other") {
			t.Error("tool call with a foreign id should not match")
		}
		if tracker.ID() != "conv-1" {
			t.Errorf("foreign call changed the owned id to %q", tracker.ID())
		}
	})
}

func TestConversationTrackerIgnoresToolCallsBeforeCreation(t *testing.T) {
	tracker := NewConversationTracker()

	if tracker.ObserveToolCall("conv-1") {
		t.Error("tool call before BeginCreation should not claim ownership")
	}
	if tracker.ID() != "" {
		t.Errorf("id unexpectedly set: %q", tracker.ID())
	}
}

func TestConversationTrackerEmptyID(t *testing.T) {
	tracker := NewConversationTracker()
	tracker.BeginCreation()

	if tracker.ObserveToolCall("") {
		t.Error("empty conversation id should never claim ownership")
	}
	tracker.ObserveCreation("")
	if tracker.State() != ConversationCreationPending {
		t.Errorf("empty creation id changed state to %v", tracker.State())
	}
}

func TestConversationTrackerReset(t *testing.T) {
	tracker := NewConversationTracker()
	tracker.BeginCreation()
	tracker.ObserveCreation("conv-1")

	tracker.Reset()
	if tracker.State() != ConversationNotStarted || tracker.ID() != "" {
		t.Errorf("reset left state=%v id=%q", tracker.State(), tracker.ID())
	}

	// BeginCreation on an owned tracker also drops the old id.
	tracker.BeginCreation()
	tracker.ObserveCreation("conv-2")
	tracker.BeginCreation()
	if tracker.ID() != "" {
		t.Errorf("BeginCreation on owned tracker kept stale id %q", tracker.ID())
	}
}
