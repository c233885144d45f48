// Package storage defines shared persistence vocabulary for agent stores.
package storage

import "errors"

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// SaveOptions controls side effects of a relationship save.
type SaveOptions struct {
	// Notify emits the generic relationship-changed event. Rotation commits
	// save with Notify=false and emit a dedicated rotation event instead.
	Notify bool
	// Reason is a short operator-facing description of the save.
	Reason string
}
