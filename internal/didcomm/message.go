// Package didcomm models plaintext DIDComm v1 message envelopes.
//
// Only the envelope fields the rotation protocol depends on are modeled:
// the message type URI, the message id, and the ~thread decorator used to
// correlate replies with the message that started an exchange.
package didcomm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ContentType is the media type used for plaintext agent messages.
const ContentType = "application/json"

// Thread is the ~thread decorator correlating messages of one exchange.
type Thread struct {
	ThreadID       string `json:"thid,omitempty"`
	ParentThreadID string `json:"pthid,omitempty"`
}

// Base carries the envelope fields shared by every agent message.
type Base struct {
	Type   string  `json:"@type"`
	ID     string  `json:"@id"`
	Thread *Thread `json:"~thread,omitempty"`
}

// Message is implemented by every typed agent message.
type Message interface {
	MessageID() string
	MessageType() string
}

// NewBase creates an envelope with a fresh message id for the given type URI.
func NewBase(typeURI string) Base {
	return Base{
		Type: typeURI,
		ID:   uuid.New().String(),
	}
}

// MessageID returns the envelope message id.
func (b Base) MessageID() string { return b.ID }

// MessageType returns the envelope type URI.
func (b Base) MessageType() string { return b.Type }

// AssignThread sets the ~thread decorator on the message.
func (b *Base) AssignThread(threadID, parentThreadID string) {
	b.Thread = &Thread{
		ThreadID:       threadID,
		ParentThreadID: parentThreadID,
	}
}

// ThreadID returns the effective correlation id for the message: the thid
// from the ~thread decorator when present, otherwise the message's own id.
func (b Base) ThreadID() string {
	if b.Thread != nil && strings.TrimSpace(b.Thread.ThreadID) != "" {
		return b.Thread.ThreadID
	}
	return b.ID
}

// ValidateEnvelope checks the fields every message must carry.
func (b Base) ValidateEnvelope() error {
	if strings.TrimSpace(b.Type) == "" {
		return errors.New("message @type is required")
	}
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("message @id is required")
	}
	return nil
}

// RequireThread checks that the ~thread decorator references an originating
// message. Reply messages (acks, problem reports) must satisfy this.
func (b Base) RequireThread() error {
	if b.Thread == nil || strings.TrimSpace(b.Thread.ThreadID) == "" {
		return errors.New("message ~thread.thid is required")
	}
	return nil
}

// PeekType extracts the @type field from a raw message without decoding the
// full payload, so inbound traffic can be routed to the right handler.
func PeekType(raw []byte) (string, error) {
	var envelope struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("decode message envelope: %w", err)
	}
	if strings.TrimSpace(envelope.Type) == "" {
		return "", errors.New("message @type is required")
	}
	return envelope.Type, nil
}
