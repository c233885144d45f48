package rotation

import (
	"fmt"
	"strings"
	"time"

	"github.com/threadline/pivot/internal/platform/id"
)

// Role identifies which side of a rotation attempt the local party plays.
type Role string

const (
	// RoleRotating marks the party changing its own DID.
	RoleRotating Role = "rotating"
	// RoleObserving marks the party validating and adopting the new DID.
	RoleObserving Role = "observing"
)

// State is the lifecycle state of a rotation attempt, scoped by role.
type State string

const (
	// StateRotateSent marks a rotating-party record whose rotate message
	// left for the peer.
	StateRotateSent State = "rotate-sent"
	// StateRotateReceived marks an observing-party record awaiting the
	// application's decision to commit.
	StateRotateReceived State = "rotate-received"
	// StateAckSent marks a committed observing-party record. Terminal.
	StateAckSent State = "ack-sent"
	// StateRotated marks an acknowledged rotating-party record. Terminal.
	StateRotated State = "rotated"
	// StateFailed marks a rotation that ended in failure. Terminal.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateAckSent, StateRotated, StateFailed:
		return true
	default:
		return false
	}
}

// transitions lists the allowed state moves per role.
var transitions = map[Role]map[State][]State{
	RoleRotating: {
		StateRotateSent: {StateRotated, StateFailed},
	},
	RoleObserving: {
		StateRotateReceived: {StateAckSent, StateFailed},
	},
}

// Record tracks one rotation attempt. Role, RelationshipID, and ThreadID are
// immutable after creation; only the manager advances State.
type Record struct {
	ID             string
	Role           Role
	State          State
	RelationshipID string
	// NewDID is the DID being proposed or adopted.
	NewDID string
	// ThreadID correlates all messages of this attempt and equals the
	// originating rotate message's id.
	ThreadID string
	// ProblemCode holds the failure reason for records in StateFailed.
	ProblemCode string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// newRecord builds a rotation record with a generated storage id.
func newRecord(role Role, state State, relationshipID, newDID, threadID string, now time.Time) (Record, error) {
	recordID, err := id.NewID()
	if err != nil {
		return Record{}, fmt.Errorf("generate record id: %w", err)
	}
	return Record{
		ID:             recordID,
		Role:           role,
		State:          state,
		RelationshipID: relationshipID,
		NewDID:         newDID,
		ThreadID:       threadID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Validate checks the structural invariants every stored record must hold.
func (r Record) Validate() error {
	if r.Role != RoleRotating && r.Role != RoleObserving {
		return fmt.Errorf("invalid record role %q", r.Role)
	}
	if strings.TrimSpace(r.RelationshipID) == "" {
		return fmt.Errorf("record relationship id is required")
	}
	if strings.TrimSpace(r.ThreadID) == "" {
		return fmt.Errorf("record thread id is required")
	}
	switch r.State {
	case StateRotateSent, StateRotated:
		if r.Role != RoleRotating {
			return fmt.Errorf("state %q requires the rotating role", r.State)
		}
	case StateRotateReceived, StateAckSent:
		if r.Role != RoleObserving {
			return fmt.Errorf("state %q requires the observing role", r.State)
		}
	case StateFailed:
	default:
		return fmt.Errorf("invalid record state %q", r.State)
	}
	return nil
}

// transitionTo advances the record to next, stamping UpdatedAt, or rejects
// the move when the role's state machine does not allow it.
func (r *Record) transitionTo(next State, now time.Time) error {
	for _, allowed := range transitions[r.Role][r.State] {
		if allowed == next {
			r.State = next
			r.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("invalid %s transition %q -> %q", r.Role, r.State, next)
}
