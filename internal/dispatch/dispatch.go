// Package dispatch routes inbound agent message frames to protocol handlers
// by message type URI.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/threadline/pivot/internal/didcomm"
	"github.com/threadline/pivot/internal/rotation"
	"github.com/threadline/pivot/internal/storage"
	"github.com/threadline/pivot/internal/transport"
)

// Handler processes one inbound message addressed through a relationship.
type Handler func(ctx context.Context, relationshipID string, raw json.RawMessage) error

// Router maps message type URIs to handlers and implements
// transport.Receiver.
type Router struct {
	handlers map[string]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: map[string]Handler{}}
}

// Handle registers the handler for one message type URI. Registering the same
// type twice panics; routing tables are wired once at startup.
func (r *Router) Handle(typeURI string, handler Handler) {
	typeURI = strings.TrimSpace(typeURI)
	if typeURI == "" || handler == nil {
		panic("dispatch: type uri and handler are required")
	}
	if _, exists := r.handlers[typeURI]; exists {
		panic(fmt.Sprintf("dispatch: handler for %s already registered", typeURI))
	}
	r.handlers[typeURI] = handler
}

// Receive routes one inbound frame to the handler registered for its message
// type.
func (r *Router) Receive(ctx context.Context, frame transport.Frame) error {
	typeURI, err := didcomm.PeekType(frame.Message)
	if err != nil {
		return fmt.Errorf("inspect message: %w", err)
	}
	handler, ok := r.handlers[typeURI]
	if !ok {
		return fmt.Errorf("no handler for message type %s", typeURI)
	}
	return handler(ctx, frame.RelationshipID, frame.Message)
}

var _ transport.Receiver = (*Router)(nil)

// RegisterRotation wires the rotation protocol's message types into the
// router. An inbound rotate is validated and, when accepted, committed
// immediately: the new peer DID takes effect and the ack goes out without
// waiting for an application decision.
func RegisterRotation(router *Router, manager *rotation.Manager) {
	router.Handle(rotation.TypeRotate, func(ctx context.Context, relationshipID string, raw json.RawMessage) error {
		var rotate rotation.Rotate
		if err := json.Unmarshal(raw, &rotate); err != nil {
			return fmt.Errorf("decode rotate message: %w", err)
		}
		record, err := manager.ReceiveRotation(ctx, relationshipID, &rotate)
		if err != nil {
			return err
		}
		if record.State != rotation.StateRotateReceived {
			return nil
		}
		if _, err := manager.CommitRotation(ctx, record); err != nil {
			return err
		}
		return nil
	})

	router.Handle(rotation.TypeAck, func(ctx context.Context, relationshipID string, raw json.RawMessage) error {
		var ack rotation.Ack
		if err := json.Unmarshal(raw, &ack); err != nil {
			return fmt.Errorf("decode ack message: %w", err)
		}
		record, err := manager.RecordByThread(ctx, ack.ThreadID())
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// No record means we never sent the rotate this ack answers.
				log.Printf("dispatch: dropping ack for unknown rotation thread %s", ack.ThreadID())
				return fmt.Errorf("ack references unknown rotation thread %s", ack.ThreadID())
			}
			return err
		}
		_, err = manager.ReceiveAck(ctx, record, &ack)
		return err
	})

	router.Handle(rotation.TypeProblemReport, func(ctx context.Context, relationshipID string, raw json.RawMessage) error {
		var report rotation.ProblemReport
		if err := json.Unmarshal(raw, &report); err != nil {
			return fmt.Errorf("decode problem report message: %w", err)
		}
		record, err := manager.RecordByThread(ctx, report.ThreadID())
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Printf("dispatch: dropping problem report for unknown rotation thread %s", report.ThreadID())
				return fmt.Errorf("problem report references unknown rotation thread %s", report.ThreadID())
			}
			return err
		}
		_, err = manager.ReceiveProblemReport(ctx, record, &report)
		return err
	})
}
