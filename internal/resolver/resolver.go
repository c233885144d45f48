// Package resolver turns DIDs into DID documents.
//
// A Registry dispatches on the DID method and owns the distinction between a
// DID whose method nobody supports (ErrMethodNotSupported) and a DID whose
// method is supported but which does not resolve (ErrNotFound). Protocol code
// that reacts to these two failures differently depends on that split.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound indicates a DID that does not resolve to a document.
	ErrNotFound = errors.New("did not found")
	// ErrMethodNotSupported indicates a DID method with no registered resolver.
	ErrMethodNotSupported = errors.New("did method not supported")
	// ErrInvalidDID indicates a string that is not a DID at all.
	ErrInvalidDID = errors.New("invalid did")
)

// Resolver resolves a DID into its document.
type Resolver interface {
	Resolve(ctx context.Context, did string) (Document, error)
}

// Method extracts the method name from a DID, e.g. "web" from "did:web:x".
func Method(did string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(did), ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidDID, did)
	}
	return parts[1], nil
}

// Registry dispatches resolution to per-method resolvers.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Resolver
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: map[string]Resolver{}}
}

// Register adds a resolver for one DID method, replacing any previous one.
func (r *Registry) Register(method string, res Resolver) error {
	method = strings.TrimSpace(method)
	if method == "" {
		return errors.New("method name is required")
	}
	if res == nil {
		return errors.New("resolver is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = res
	return nil
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for method := range r.methods {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}

// Resolve dispatches to the resolver registered for the DID's method.
func (r *Registry) Resolve(ctx context.Context, did string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	method, err := Method(did)
	if err != nil {
		return Document{}, err
	}

	r.mu.RLock()
	res, ok := r.methods[method]
	r.mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("%w: %q", ErrMethodNotSupported, method)
	}
	return res.Resolve(ctx, did)
}
