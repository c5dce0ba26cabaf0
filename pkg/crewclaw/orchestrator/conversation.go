// Package orchestrator – conversation.go resolves remote conversation
// ownership.
//
// The engine assigns conversation ids asynchronously: a tool call can arrive
// referencing the lead's new conversation before the creation request has
// returned the id. The ownership tracker is a small state machine
//
//	NotStarted ──BeginCreation──▶ CreationPending ──▶ Owned(id)
//
// with one deliberate rule: the FIRST tool call observed while creation is
// pending claims ownership and captures the id from the call itself. The
// late creation response then finds the state already Owned and must not
// regress it.
package orchestrator

import "sync"

// ConversationState is one phase of conversation-ownership resolution.
type ConversationState int

const (
	// ConversationNotStarted means no creation request has been issued.
	ConversationNotStarted ConversationState = iota

	// ConversationCreationPending means creation was requested but the id
	// has not been observed yet.
	ConversationCreationPending

	// ConversationOwned means the id is known, either from the creation
	// response or claimed from an early tool call.
	ConversationOwned
)

// ConversationTracker resolves which remote conversation a coordinator owns.
type ConversationTracker struct {
	mu    sync.Mutex
	state ConversationState
	id    string
}

// NewConversationTracker returns a tracker in the NotStarted state.
func NewConversationTracker() *ConversationTracker {
	return &ConversationTracker{}
}

// BeginCreation transitions NotStarted → CreationPending. Calling it again
// while pending is a no-op; calling it while Owned resets the tracker for a
// new conversation.
func (t *ConversationTracker) BeginCreation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == ConversationOwned {
		t.id = ""
	}
	t.state = ConversationCreationPending
}

// ObserveToolCall is invoked with the conversation id carried by an incoming
// tool call. Returns true when the call belongs to this tracker's
// conversation: either the id matches an already-owned conversation, or the
// tracker is CreationPending and this call claims ownership.
func (t *ConversationTracker) ObserveToolCall(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case ConversationOwned:
		return t.id == conversationID
	case ConversationCreationPending:
		// First call during pending creation is proof of ownership.
		t.state = ConversationOwned
		t.id = conversationID
		return true
	default:
		return false
	}
}

// ObserveCreation records the id from the creation response. When an early
// tool call already claimed ownership the stored id wins and the state does
// not change.
func (t *ConversationTracker) ObserveCreation(conversationID string) {
	if conversationID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == ConversationOwned {
		return
	}
	t.state = ConversationOwned
	t.id = conversationID
}

// ID returns the owned conversation id, empty until Owned.
func (t *ConversationTracker) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// State returns the current resolution state.
func (t *ConversationTracker) State() ConversationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reset returns the tracker to NotStarted, dropping any owned id.
func (t *ConversationTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = ConversationNotStarted
	t.id = ""
}
