// Package transport moves plaintext agent message frames between peers over
// HTTP and WebSocket endpoints advertised in DID documents.
package transport

import "encoding/json"

// Frame is the wire unit exchanged between agents. The relationship id names
// the shared pairwise relationship the message belongs to, so the receiver
// can locate its own side without unpacking the message first.
type Frame struct {
	RelationshipID string          `json:"relationship_id"`
	Message        json.RawMessage `json:"message"`
}
