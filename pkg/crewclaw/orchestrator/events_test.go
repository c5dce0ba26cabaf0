package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBusGuaranteedDelivery(t *testing.T) {
	bus := NewBus(newTestLogger())
	defer bus.Close()

	events, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	// Publish suspends until the subscriber accepts: fill the buffer, then
	// publish again from a goroutine and drain.
	bus.Publish(context.Background(), Event{Type: EventSubagentSpawned, ExecutionID: "a"})

	delivered := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), Event{Type: EventSubagentCompleted, ExecutionID: "a"})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("guaranteed publish should suspend on a full subscriber buffer")
	case <-time.After(50 * time.Millisecond):
	}

	first := <-events
	if first.Type != EventSubagentSpawned {
		t.Fatalf("out of order: got %s first", first.Type)
	}

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("suspended publish never completed after drain")
	}

	second := <-events
	if second.Type != EventSubagentCompleted {
		t.Fatalf("expected completion event, got %s", second.Type)
	}
}

func TestBusBestEffortDropsUnderBackpressure(t *testing.T) {
	bus := NewBus(newTestLogger())
	defer bus.Close()

	events, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	// Buffer of one: the second async publish must drop, not suspend.
	bus.PublishAsync(Event{Type: EventDelta, ExecutionID: "a"})
	bus.PublishAsync(Event{Type: EventDelta, ExecutionID: "a"})

	if bus.Dropped() != 1 {
		t.Errorf("expected 1 dropped delivery, got %d", bus.Dropped())
	}

	ev := <-events
	if ev.Seq != 1 {
		t.Errorf("expected seq 1 for the delivered event, got %d", ev.Seq)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestBusPerSourceSequence(t *testing.T) {
	bus := NewBus(newTestLogger())
	defer bus.Close()

	events, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	bus.Publish(context.Background(), Event{Type: EventSubagentSpawned, ExecutionID: "a"})
	bus.Publish(context.Background(), Event{Type: EventSubagentSpawned, ExecutionID: "b"})
	bus.Publish(context.Background(), Event{Type: EventSubagentCompleted, ExecutionID: "a"})

	seqs := map[string][]int64{}
	for i := 0; i < 3; i++ {
		ev := <-events
		seqs[ev.ExecutionID] = append(seqs[ev.ExecutionID], ev.Seq)
	}

	if got := seqs["a"]; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("source a sequence = %v, want [1 2]", got)
	}
	if got := seqs["b"]; len(got) != 1 || got[0] != 1 {
		t.Errorf("source b sequence = %v, want [1]", got)
	}
}

func TestBusUnsubscribeReleasesSuspendedPublish(t *testing.T) {
	bus := NewBus(newTestLogger())
	defer bus.Close()

	_, unsubscribe := bus.Subscribe(1)
	bus.Publish(context.Background(), Event{Type: EventLeadDone})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Suspends on the full buffer until unsubscribe releases it.
		bus.Publish(context.Background(), Event{Type: EventLeadDone})
	}()

	time.Sleep(20 * time.Millisecond)
	unsubscribe()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe did not release the suspended publisher")
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus(newTestLogger())
	events, _ := bus.Subscribe(4)

	bus.Close()

	if _, open := <-events; open {
		t.Error("subscriber channel should be closed after Close")
	}

	// Publishing after close is a no-op, not a panic.
	bus.Publish(context.Background(), Event{Type: EventLeadDone})
	bus.PublishAsync(Event{Type: EventDelta})

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers after close, got %d", bus.SubscriberCount())
	}

	late, _ := bus.Subscribe(4)
	if _, open := <-late; open {
		t.Error("subscribing to a closed bus should return a closed channel")
	}
}
