// Package orchestrator – events.go implements the orchestration event bus.
//
// One typed stream, two delivery disciplines picked by the PRODUCER per call
// site, never by the consumer:
//
//   - Publish      guaranteed delivery; may suspend the producer until every
//     subscriber accepts. For structural, low-frequency events
//     whose loss would desynchronize observers (spawned,
//     completed, team created/disbanded, changes ready, done).
//   - PublishAsync best-effort; never suspends, silently drops per-subscriber
//     under backpressure. For high-frequency streaming events
//     (text deltas, intermediate tool notices) where a later
//     guaranteed event carries the full cumulative state.
//
// The split exists to kill a deadlock class: a streaming callback running on
// a shared worker pool must never block on bus capacity that only frees up
// when another task on the same pool runs.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of orchestration event.
type EventType string

// Structural events (guaranteed delivery).
const (
	EventSubagentSpawned   EventType = "subagent_spawned"
	EventSubagentCompleted EventType = "subagent_completed"
	EventChangesReady      EventType = "changes_ready"
	EventTeamCreated       EventType = "team_created"
	EventTeamDisbanded     EventType = "team_disbanded"
	EventMemberIdle        EventType = "member_idle"
	EventMemberResumed     EventType = "member_resumed"
	EventMessageRouted     EventType = "message_routed"
	EventLeadDone          EventType = "lead_done"
	EventLeadError         EventType = "lead_error"
)

// Streaming events (best-effort delivery).
const (
	EventDelta      EventType = "delta"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
)

// Event is one orchestration notification.
type Event struct {
	// ID is a bus-unique, monotonically increasing identifier.
	ID uint64 `json:"id"`

	// ExecutionID identifies the execution this event belongs to.
	// Empty for team-level and lead-level events.
	ExecutionID string `json:"execution_id,omitempty"`

	// Team and Member identify teammate-scoped events.
	Team   string `json:"team,omitempty"`
	Member string `json:"member,omitempty"`

	// Seq is a per-source monotonic sequence number, assigned by the bus.
	// Observers use it to detect best-effort gaps within one source.
	Seq int64 `json:"seq"`

	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// source returns the sequence bucket this event counts under.
func (e Event) source() string {
	switch {
	case e.ExecutionID != "":
		return e.ExecutionID
	case e.Team != "":
		return e.Team + "/" + e.Member
	default:
		return "lead"
	}
}

// subscription is one bus consumer. ch is only ever closed while holding the
// bus write lock, after done has released any in-flight guaranteed send.
type subscription struct {
	id   uint64
	ch   chan Event
	done chan struct{}
}

// Bus fans orchestration events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	closed bool

	nextSubID atomic.Uint64
	nextEvID  atomic.Uint64
	seqBySrc  sync.Map // source string -> *atomic.Int64
	dropped   atomic.Uint64

	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// Subscribe registers a consumer and returns its event channel plus an
// unsubscribe function. buffer sizes the channel; small buffers increase the
// chance best-effort events are dropped for this subscriber, guaranteed
// events are never dropped while subscribed.
//
// The channel is closed on unsubscribe and on Bus.Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{
		id:   b.nextSubID.Add(1),
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Release any guaranteed send blocked on this subscriber
			// before taking the write lock, otherwise the publisher's
			// read lock and our write lock deadlock.
			close(sub.done)
			b.mu.Lock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber, suspending the caller until each
// one accepts (guaranteed discipline). ctx aborts the suspension — on
// cancellation remaining subscribers are skipped, which only happens while
// the whole pipeline is being torn down.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	ev = b.stamp(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			b.logger.Debug("guaranteed publish aborted by context",
				"type", ev.Type, "source", ev.source())
			return
		}
	}
}

// PublishAsync delivers ev with best effort: a subscriber whose buffer is
// full simply misses it. Never suspends the caller.
func (b *Bus) PublishAsync(ev Event) {
	ev = b.stamp(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many best-effort deliveries have been skipped since
// the bus was created. Diagnostic only.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down: all subscriber channels are closed and further
// publishes become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.done)
		close(sub.ch)
		delete(b.subs, id)
	}
}

// stamp assigns the bus-unique id, per-source sequence, and timestamp.
func (b *Bus) stamp(ev Event) Event {
	ev.ID = b.nextEvID.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	counter, _ := b.seqBySrc.LoadOrStore(ev.source(), &atomic.Int64{})
	ev.Seq = counter.(*atomic.Int64).Add(1)
	return ev
}

// ─────────────────────────────────────────────────────────────────────────────
// Convenience emitters
// ─────────────────────────────────────────────────────────────────────────────

// EmitDelta publishes an incremental text fragment (best-effort).
func (b *Bus) EmitDelta(executionID, text string) {
	b.PublishAsync(Event{
		ExecutionID: executionID,
		Type:        EventDelta,
		Data:        map[string]any{"text": text},
	})
}

// EmitToolUse publishes an intermediate tool-call notice (best-effort).
func (b *Bus) EmitToolUse(executionID, toolName, status string) {
	b.PublishAsync(Event{
		ExecutionID: executionID,
		Type:        EventToolUse,
		Data:        map[string]any{"tool": toolName, "status": status},
	})
}

// EmitSpawned publishes a subagent-spawned event (guaranteed).
func (b *Bus) EmitSpawned(ctx context.Context, executionID, role, description string) {
	b.Publish(ctx, Event{
		ExecutionID: executionID,
		Type:        EventSubagentSpawned,
		Data:        map[string]any{"agent": role, "description": description},
	})
}

// EmitCompleted publishes a subagent completion (guaranteed). errText is
// empty on success.
func (b *Bus) EmitCompleted(ctx context.Context, executionID, role, status, errText string) {
	data := map[string]any{"agent": role, "status": status}
	if errText != "" {
		data["error"] = errText
	}
	b.Publish(ctx, Event{
		ExecutionID: executionID,
		Type:        EventSubagentCompleted,
		Data:        data,
	})
}
