package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"golang.org/x/net/websocket"
)

// WSSender dials ws and wss endpoints and writes one frame per delivery.
type WSSender struct{}

// NewWSSender creates a WebSocket sender.
func NewWSSender() *WSSender {
	return &WSSender{}
}

// Send dials endpoint, writes the frame, and closes the connection.
func (s *WSSender) Send(ctx context.Context, endpoint string, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	origin, err := originFor(endpoint)
	if err != nil {
		return err
	}
	conn, err := websocket.Dial(endpoint, "", origin)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// originFor derives the handshake origin from the endpoint scheme.
func originFor(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	scheme := "http"
	if parsed.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + parsed.Host, nil
}
