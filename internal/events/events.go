// Package events defines the agent's rotation event taxonomy and a
// subscriber fan-out emitter.
//
// Rotation state changes are announced here instead of through the generic
// relationship-changed stream: controllers that care about rotations listen
// for these dedicated events, and relationship saves performed by the
// rotation manager deliberately suppress the generic notification so
// observers are not notified twice for one rotation.
package events

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Type identifies the type of an agent event.
type Type string

// Rotation protocol events.
const (
	// TypeRotateSent records that a rotate message left for the peer.
	TypeRotateSent Type = "rotate.sent"
	// TypeRotateReceived records a validated inbound rotate message.
	TypeRotateReceived Type = "rotate.received"
	// TypeRotateFailed records a rotation attempt that ended in failure.
	TypeRotateFailed Type = "rotate.failed"
	// TypeRotateCommitted records adoption of the peer's new DID.
	TypeRotateCommitted Type = "rotate.committed"
	// TypeRotateAcked records the peer's acknowledgment of our rotation.
	TypeRotateAcked Type = "rotate.acked"
)

// Relationship events.
const (
	// TypeRelationshipCreated records the creation of a relationship.
	TypeRelationshipCreated Type = "relationship.created"
	// TypeRelationshipUpdated records a generic relationship change.
	TypeRelationshipUpdated Type = "relationship.updated"
)

// Event is one emitted agent event.
type Event struct {
	Type           Type
	RelationshipID string
	ThreadID       string
	DID            string
	Reason         string
	At             time.Time
}

// Subscriber receives emitted events.
type Subscriber func(Event)

// Emitter fans events out to subscribers. The zero value is unusable; use
// NewEmitter. A nil Emitter drops events, so wiring it is optional.
type Emitter struct {
	mu    sync.RWMutex
	subs  map[int]Subscriber
	next  int
	clock func() time.Time
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: map[int]Subscriber{}, clock: time.Now}
}

// Subscribe registers a subscriber and returns its cancel function.
func (e *Emitter) Subscribe(fn Subscriber) (cancel func()) {
	if e == nil || fn == nil {
		return func() {}
	}
	e.mu.Lock()
	token := e.next
	e.next++
	e.subs[token] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, token)
		e.mu.Unlock()
	}
}

// Emit delivers the event to every subscriber. Delivery is synchronous and
// in-process; subscribers must not block. It is a no-op on a nil emitter.
func (e *Emitter) Emit(ctx context.Context, evt Event) {
	if e == nil {
		return
	}
	if err := ctx.Err(); err != nil {
		return
	}
	if strings.TrimSpace(string(evt.Type)) == "" {
		return
	}
	if evt.At.IsZero() {
		if e.clock == nil {
			evt.At = time.Now().UTC()
		} else {
			evt.At = e.clock().UTC()
		}
	}

	e.mu.RLock()
	subs := make([]Subscriber, 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(evt)
	}
}
