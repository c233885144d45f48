// Package relationship models one established peer relationship and the DIDs
// each party currently uses inside it.
package relationship

import (
	"errors"
	"strings"
	"time"

	"github.com/threadline/pivot/internal/platform/id"
)

var (
	// ErrEmptyTheirDID indicates a missing peer DID.
	ErrEmptyTheirDID = errors.New("their did is required")
	// ErrEmptyMyDID indicates a missing local DID.
	ErrEmptyMyDID = errors.New("my did is required")
)

// Relationship represents one peer relationship. MyDID identifies the local
// party inside the relationship; TheirDID identifies the peer. Either side
// may change through the rotation protocol, never by direct mutation from
// outside the manager.
type Relationship struct {
	ID        string
	Label     string
	MyDID     string
	TheirDID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateInput describes the metadata needed to establish a relationship.
type CreateInput struct {
	Label    string
	MyDID    string
	TheirDID string
}

// Create builds a new relationship with a generated id and timestamps.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Relationship, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return Relationship{}, err
	}

	relationshipID, err := idGenerator()
	if err != nil {
		return Relationship{}, err
	}

	createdAt := now().UTC()
	return Relationship{
		ID:        relationshipID,
		Label:     normalized.Label,
		MyDID:     normalized.MyDID,
		TheirDID:  normalized.TheirDID,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// NormalizeCreateInput trims and validates relationship input metadata.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	input.Label = strings.TrimSpace(input.Label)
	input.MyDID = strings.TrimSpace(input.MyDID)
	input.TheirDID = strings.TrimSpace(input.TheirDID)
	if input.MyDID == "" {
		return CreateInput{}, ErrEmptyMyDID
	}
	if input.TheirDID == "" {
		return CreateInput{}, ErrEmptyTheirDID
	}
	return input, nil
}
