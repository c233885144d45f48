package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/threadline/pivot/internal/didcomm"
	"github.com/threadline/pivot/internal/relationship"
	"github.com/threadline/pivot/internal/resolver"
)

// Sender delivers one frame to a concrete endpoint.
type Sender interface {
	Send(ctx context.Context, endpoint string, frame Frame) error
}

// RelationshipSource loads the relationship a message is addressed through.
type RelationshipSource interface {
	GetRelationship(ctx context.Context, relationshipID string) (relationship.Relationship, error)
}

// ServiceSource discovers the peer's messaging services.
type ServiceSource interface {
	DiscoverServices(ctx context.Context, did string) ([]resolver.Service, error)
}

// Dispatcher delivers agent messages to a relationship's peer, trying the
// peer's advertised messaging endpoints best first and picking the sender by
// endpoint scheme.
type Dispatcher struct {
	relationships RelationshipSource
	services      ServiceSource
	senders       map[string]Sender
}

// NewDispatcher creates an outbound dispatcher with HTTP and WebSocket
// senders registered.
func NewDispatcher(relationships RelationshipSource, services ServiceSource) (*Dispatcher, error) {
	if relationships == nil {
		return nil, errors.New("relationship source is required")
	}
	if services == nil {
		return nil, errors.New("service source is required")
	}
	httpSender := NewHTTPSender(nil)
	wsSender := NewWSSender()
	return &Dispatcher{
		relationships: relationships,
		services:      services,
		senders: map[string]Sender{
			"http":  httpSender,
			"https": httpSender,
			"ws":    wsSender,
			"wss":   wsSender,
		},
	}, nil
}

// Send delivers message to the peer of the relationship. Endpoints are tried
// in service priority order; the first successful delivery wins.
func (d *Dispatcher) Send(ctx context.Context, message didcomm.Message, relationshipID string) error {
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return errors.New("relationship id is required")
	}
	if message == nil {
		return errors.New("message is required")
	}

	rel, err := d.relationships.GetRelationship(ctx, relationshipID)
	if err != nil {
		return fmt.Errorf("load relationship: %w", err)
	}
	services, err := d.services.DiscoverServices(ctx, rel.TheirDID)
	if err != nil {
		return fmt.Errorf("discover peer services: %w", err)
	}

	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", message.MessageType(), err)
	}
	frame := Frame{RelationshipID: relationshipID, Message: raw}

	var lastErr error
	for _, svc := range services {
		sender, err := d.senderFor(svc.ServiceEndpoint)
		if err != nil {
			log.Printf("transport: skipping endpoint %q: %v", svc.ServiceEndpoint, err)
			lastErr = err
			continue
		}
		if err := sender.Send(ctx, svc.ServiceEndpoint, frame); err != nil {
			log.Printf("transport: delivery to %q failed: %v", svc.ServiceEndpoint, err)
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("peer advertises no usable endpoint")
	}
	return fmt.Errorf("deliver %s to relationship %s: %w", message.MessageType(), relationshipID, lastErr)
}

func (d *Dispatcher) senderFor(endpoint string) (Sender, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	sender, ok := d.senders[parsed.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
	return sender, nil
}
