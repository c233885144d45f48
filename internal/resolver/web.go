package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const webResolveTimeout = 10 * time.Second

// maxDocumentSize bounds how much of a DID document response is read.
const maxDocumentSize = 1 << 20

// WebResolver resolves did:web identifiers by fetching the document over
// HTTPS as defined by the did:web method specification.
type WebResolver struct {
	// Client is the HTTP client used for fetches. Defaults to a client with
	// a 10s timeout.
	Client *http.Client
	// Scheme overrides the URL scheme. Defaults to https; tests use http.
	Scheme string
}

// Resolve fetches and decodes the DID document for a did:web identifier.
func (w *WebResolver) Resolve(ctx context.Context, did string) (Document, error) {
	docURL, err := webDocumentURL(did, w.scheme())
	if err != nil {
		return Document{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("build did:web request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client().Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch did document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("fetch did document: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return Document{}, fmt.Errorf("read did document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Document{}, fmt.Errorf("decode did document: %w", err)
	}
	if doc.ID == "" {
		doc.ID = strings.TrimSpace(did)
	}
	return doc, nil
}

func (w *WebResolver) client() *http.Client {
	if w != nil && w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: webResolveTimeout}
}

func (w *WebResolver) scheme() string {
	if w != nil && strings.TrimSpace(w.Scheme) != "" {
		return w.Scheme
	}
	return "https"
}

// webDocumentURL maps a did:web identifier to its document URL. The method
// identifier's colon-separated segments become URL path segments; a bare
// domain resolves at /.well-known/did.json.
func webDocumentURL(did, scheme string) (string, error) {
	method, err := Method(did)
	if err != nil {
		return "", err
	}
	if method != "web" {
		return "", fmt.Errorf("%w: expected did:web, got did:%s", ErrMethodNotSupported, method)
	}

	identifier := strings.TrimSpace(did)[len("did:web:"):]
	segments := strings.Split(identifier, ":")
	host, err := url.PathUnescape(segments[0])
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDID, did)
	}

	if len(segments) == 1 {
		return fmt.Sprintf("%s://%s/.well-known/did.json", scheme, host), nil
	}

	path := make([]string, 0, len(segments)-1)
	for _, segment := range segments[1:] {
		decoded, err := url.PathUnescape(segment)
		if err != nil || decoded == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidDID, did)
		}
		path = append(path, decoded)
	}
	return fmt.Sprintf("%s://%s/%s/did.json", scheme, host, strings.Join(path, "/")), nil
}
