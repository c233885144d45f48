package events

import (
	"context"
	"testing"
	"time"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	emitter := NewEmitter()
	now := time.Date(2026, time.March, 4, 9, 30, 0, 0, time.UTC)
	emitter.clock = func() time.Time { return now }

	var got []Event
	cancel := emitter.Subscribe(func(evt Event) { got = append(got, evt) })
	defer cancel()

	emitter.Emit(context.Background(), Event{
		Type:           TypeRotateSent,
		RelationshipID: "rel-1",
		ThreadID:       "thread-1",
		DID:            "did:example:new",
	})

	if len(got) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(got))
	}
	if got[0].Type != TypeRotateSent || got[0].RelationshipID != "rel-1" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
	if !got[0].At.Equal(now) {
		t.Fatalf("expected clock timestamp %v, got %v", now, got[0].At)
	}
}

func TestEmitPreservesExplicitTimestamp(t *testing.T) {
	emitter := NewEmitter()
	at := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	var got Event
	cancel := emitter.Subscribe(func(evt Event) { got = evt })
	defer cancel()

	emitter.Emit(context.Background(), Event{Type: TypeRotateAcked, At: at})
	if !got.At.Equal(at) {
		t.Fatalf("expected explicit timestamp %v, got %v", at, got.At)
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	emitter := NewEmitter()

	count := 0
	cancel := emitter.Subscribe(func(Event) { count++ })
	emitter.Emit(context.Background(), Event{Type: TypeRotateReceived})
	cancel()
	emitter.Emit(context.Background(), Event{Type: TypeRotateReceived})

	if count != 1 {
		t.Fatalf("expected 1 delivery after cancel, got %d", count)
	}
}

func TestEmitDropsBlankTypeAndCancelledContext(t *testing.T) {
	emitter := NewEmitter()

	count := 0
	cancel := emitter.Subscribe(func(Event) { count++ })
	defer cancel()

	emitter.Emit(context.Background(), Event{})

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	emitter.Emit(cancelled, Event{Type: TypeRotateSent})

	if count != 0 {
		t.Fatalf("expected no deliveries, got %d", count)
	}
}

func TestNilEmitterIsSafe(t *testing.T) {
	var emitter *Emitter
	emitter.Emit(context.Background(), Event{Type: TypeRotateSent})
	cancel := emitter.Subscribe(func(Event) {})
	cancel()
}
