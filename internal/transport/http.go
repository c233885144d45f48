package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/threadline/pivot/internal/didcomm"
)

// HTTPSender posts frames to http and https endpoints.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates an HTTP sender. A nil client gets a default with a
// request timeout.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSender{client: client}
}

// Send posts the frame to endpoint and treats any 2xx response as delivered.
func (s *HTTPSender) Send(ctx context.Context, endpoint string, frame Frame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", didcomm.ContentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post frame: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
