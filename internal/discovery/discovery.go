// Package discovery extracts agent messaging services from resolved DID
// documents and records the routing material needed to reach a peer.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/threadline/pivot/internal/resolver"
)

// ErrNoServices reports a DID document without a usable messaging service.
var ErrNoServices = errors.New("no agent messaging services")

// Resolver resolves a DID into its document.
type Resolver interface {
	Resolve(ctx context.Context, did string) (resolver.Document, error)
}

// KeyStore persists the routing material recorded for a relationship's peer.
type KeyStore interface {
	PutRelationshipKeys(ctx context.Context, keys RelationshipKeys) error
}

// RelationshipKeys is the routing material of one relationship's peer DID:
// the endpoint and keys of the peer's highest-priority messaging service.
type RelationshipKeys struct {
	RelationshipID string
	DID            string
	Endpoint       string
	RecipientKeys  []string
	RoutingKeys    []string
	UpdatedAt      time.Time
}

// Discoverer resolves DIDs to messaging services and records their keys.
type Discoverer struct {
	resolver Resolver
	keys     KeyStore
	clock    func() time.Time
}

// NewDiscoverer creates a discoverer over the given resolver and key store.
func NewDiscoverer(res Resolver, keys KeyStore) (*Discoverer, error) {
	if res == nil {
		return nil, errors.New("resolver is required")
	}
	if keys == nil {
		return nil, errors.New("key store is required")
	}
	return &Discoverer{resolver: res, keys: keys, clock: time.Now}, nil
}

// DiscoverServices resolves did and returns its messaging services, best
// first. A resolvable document with no messaging service is ErrNoServices.
func (d *Discoverer) DiscoverServices(ctx context.Context, did string) ([]resolver.Service, error) {
	did = strings.TrimSpace(did)
	if did == "" {
		return nil, errors.New("did is required")
	}

	doc, err := d.resolver.Resolve(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", did, err)
	}
	services := doc.CommServices()
	if len(services) == 0 {
		return nil, fmt.Errorf("%s: %w", did, ErrNoServices)
	}
	return services, nil
}

// RecordKeysForDID resolves did and persists the endpoint and keys of its
// preferred messaging service under the relationship, replacing whatever was
// recorded before.
func (d *Discoverer) RecordKeysForDID(ctx context.Context, relationshipID, did string) error {
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return errors.New("relationship id is required")
	}

	services, err := d.DiscoverServices(ctx, did)
	if err != nil {
		return err
	}
	preferred := services[0]

	keys := RelationshipKeys{
		RelationshipID: relationshipID,
		DID:            strings.TrimSpace(did),
		Endpoint:       preferred.ServiceEndpoint,
		RecipientKeys:  preferred.RecipientKeys,
		RoutingKeys:    preferred.RoutingKeys,
		UpdatedAt:      d.clock().UTC(),
	}
	if err := d.keys.PutRelationshipKeys(ctx, keys); err != nil {
		return fmt.Errorf("persist relationship keys: %w", err)
	}
	return nil
}
