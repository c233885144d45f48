package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StaticResolver serves documents from an in-memory map. It backs local and
// test setups where documents are provisioned out of band.
type StaticResolver struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{docs: map[string]Document{}}
}

// Put stores a document under its DID, replacing any previous one.
func (s *StaticResolver) Put(doc Document) error {
	did := strings.TrimSpace(doc.ID)
	if did == "" {
		return fmt.Errorf("document id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[did] = doc
	return nil
}

// Remove deletes the document stored under did, if any.
func (s *StaticResolver) Remove(did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, strings.TrimSpace(did))
}

// Resolve returns the stored document or ErrNotFound.
func (s *StaticResolver) Resolve(ctx context.Context, did string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	doc, ok := s.docs[strings.TrimSpace(did)]
	s.mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	return doc, nil
}
