// Package rotation implements the DID rotation protocol state machine.
//
// Rotation lets one party in an established relationship change the DID it
// uses to identify itself to the other party without breaking the
// relationship. Because acting on a rotation is irreversible, the protocol
// pre-rotates: the rotating party announces the intended new DID and waits
// for the observing party to validate it and acknowledge before either side
// commits. The Manager drives both roles through message exchange,
// validation, and record state transitions.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/threadline/pivot/internal/didcomm"
	"github.com/threadline/pivot/internal/events"
	"github.com/threadline/pivot/internal/relationship"
	"github.com/threadline/pivot/internal/resolver"
	"github.com/threadline/pivot/internal/storage"
)

// RecordStore persists rotation records.
type RecordStore interface {
	PutRecord(ctx context.Context, record Record) error
	GetRecordByThread(ctx context.Context, threadID string) (Record, error)
	// ActiveRecordForRelationship returns the relationship's non-terminal
	// record, or storage.ErrNotFound when no rotation is pending.
	ActiveRecordForRelationship(ctx context.Context, relationshipID string) (Record, error)
	ListRecords(ctx context.Context) ([]Record, error)
}

// RelationshipStore persists peer relationships.
type RelationshipStore interface {
	GetRelationship(ctx context.Context, relationshipID string) (relationship.Relationship, error)
	SaveRelationship(ctx context.Context, rel relationship.Relationship, opts storage.SaveOptions) error
}

// Resolver resolves a DID into its document.
type Resolver interface {
	Resolve(ctx context.Context, did string) (resolver.Document, error)
}

// ServiceDiscoverer extracts agent messaging services for a DID and records
// the keys needed to reach it.
type ServiceDiscoverer interface {
	DiscoverServices(ctx context.Context, did string) ([]resolver.Service, error)
	RecordKeysForDID(ctx context.Context, relationshipID, did string) error
}

// Outbound delivers a message to the peer of a relationship.
type Outbound interface {
	Send(ctx context.Context, message didcomm.Message, relationshipID string) error
}

// ManagerConfig carries the collaborators a Manager consumes.
type ManagerConfig struct {
	Records       RecordStore
	Relationships RelationshipStore
	Resolver      Resolver
	Discovery     ServiceDiscoverer
	Outbound      Outbound
	// Events receives the dedicated rotation events. Optional.
	Events *events.Emitter
}

// Manager orchestrates both rotation roles against injected collaborators.
type Manager struct {
	records       RecordStore
	relationships RelationshipStore
	resolver      Resolver
	discovery     ServiceDiscoverer
	outbound      Outbound
	events        *events.Emitter
	tracer        trace.Tracer
	clock         func() time.Time
}

// NewManager creates a rotation manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Records == nil {
		return nil, errors.New("record store is required")
	}
	if cfg.Relationships == nil {
		return nil, errors.New("relationship store is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if cfg.Discovery == nil {
		return nil, errors.New("service discoverer is required")
	}
	if cfg.Outbound == nil {
		return nil, errors.New("outbound transport is required")
	}
	return &Manager{
		records:       cfg.Records,
		relationships: cfg.Relationships,
		resolver:      cfg.Resolver,
		discovery:     cfg.Discovery,
		outbound:      cfg.Outbound,
		events:        cfg.Events,
		tracer:        otel.Tracer("rotation"),
		clock:         time.Now,
	}, nil
}

// InitiateRotation starts a rotation of the local party's DID for one
// relationship: it creates the rotating-party record, sends the rotate
// message, and persists the record. The record is stored after the send; a
// send that succeeded but failed to persist is not retried here, the caller
// owns any re-send.
func (m *Manager) InitiateRotation(ctx context.Context, relationshipID, newDID string) (Record, error) {
	ctx, span := m.tracer.Start(ctx, "rotation.initiate",
		trace.WithAttributes(attribute.String("relationship.id", relationshipID)))
	defer span.End()

	relationshipID = strings.TrimSpace(relationshipID)
	newDID = strings.TrimSpace(newDID)
	if relationshipID == "" {
		return Record{}, misuseError("relationship id is required")
	}
	if newDID == "" {
		return Record{}, misuseError("new did is required")
	}

	if _, err := m.relationships.GetRelationship(ctx, relationshipID); err != nil {
		return Record{}, m.fail(span, internalError("load relationship", err))
	}
	if err := m.ensureNoPendingRotation(ctx, relationshipID, ""); err != nil {
		return Record{}, m.fail(span, err)
	}

	rotate := NewRotate(newDID)
	record, err := newRecord(RoleRotating, StateRotateSent, relationshipID, newDID, rotate.ID, m.clock().UTC())
	if err != nil {
		return Record{}, m.fail(span, internalError("create rotation record", err))
	}

	if err := m.outbound.Send(ctx, rotate, relationshipID); err != nil {
		return Record{}, m.fail(span, internalError("send rotate message", err))
	}
	if err := m.records.PutRecord(ctx, record); err != nil {
		return Record{}, m.fail(span, internalError("persist rotation record", err))
	}

	m.emit(ctx, events.TypeRotateSent, record, "Sent rotate message")
	return record, nil
}

// EnsureSupportedDID validates that a proposed DID can be adopted. The two
// stages run in order: resolution first, then service discovery. Resolution
// failures are reportable and carry a ready-made problem report; a discovery
// failure is an operational fault, not a protocol-level disagreement about
// the DID, and surfaces as an internal error.
func (m *Manager) EnsureSupportedDID(ctx context.Context, did string) error {
	if _, err := m.resolver.Resolve(ctx, did); err != nil {
		switch {
		case errors.Is(err, resolver.ErrMethodNotSupported):
			return reportableError(NewProblemReportMethodUnsupported(did), fmt.Sprintf("did method not supported: %s", did))
		case errors.Is(err, resolver.ErrNotFound):
			return reportableError(NewProblemReportUnresolvable(did), fmt.Sprintf("did not resolvable: %s", did))
		default:
			return internalError("resolve did", err)
		}
	}

	if _, err := m.discovery.DiscoverServices(ctx, did); err != nil {
		return internalError("discover agent services for did", err)
	}
	return nil
}

// ReceiveRotation handles an inbound rotate message for the observing role.
// A reportable validation failure sends a problem report to the peer and
// still persists the record in the failed state so the attempt is auditable.
// A non-reportable failure propagates to the caller and nothing is sent or
// stored. Redelivery of an already-known rotate message is ignored.
func (m *Manager) ReceiveRotation(ctx context.Context, relationshipID string, rotate *Rotate) (Record, error) {
	ctx, span := m.tracer.Start(ctx, "rotation.receive_rotate",
		trace.WithAttributes(attribute.String("relationship.id", relationshipID)))
	defer span.End()

	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return Record{}, misuseError("relationship id is required")
	}
	if rotate == nil {
		return Record{}, misuseError("rotate message is required")
	}
	if err := rotate.Validate(); err != nil {
		return Record{}, m.fail(span, internalError("invalid rotate message", err))
	}

	if existing, err := m.records.GetRecordByThread(ctx, rotate.ID); err == nil {
		log.Printf("rotation: ignoring redelivered rotate message %s", rotate.ID)
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Record{}, m.fail(span, internalError("load rotation record", err))
	}
	if err := m.ensureNoPendingRotation(ctx, relationshipID, rotate.ID); err != nil {
		return Record{}, m.fail(span, err)
	}

	record, err := newRecord(RoleObserving, StateRotateReceived, relationshipID, rotate.ToDID, rotate.ID, m.clock().UTC())
	if err != nil {
		return Record{}, m.fail(span, internalError("create rotation record", err))
	}

	if err := m.EnsureSupportedDID(ctx, rotate.ToDID); err != nil {
		report, reportable := AsReportable(err)
		if !reportable {
			return Record{}, m.fail(span, err)
		}
		report.AssignThread(record.ThreadID, record.ThreadID)
		if sendErr := m.outbound.Send(ctx, report, relationshipID); sendErr != nil {
			return Record{}, m.fail(span, internalError("send problem report", sendErr))
		}
		record.ProblemCode = report.Code()
		if err := record.transitionTo(StateFailed, m.clock().UTC()); err != nil {
			return Record{}, m.fail(span, internalError("mark rotation failed", err))
		}
		if err := m.records.PutRecord(ctx, record); err != nil {
			return Record{}, m.fail(span, internalError("persist rotation record", err))
		}
		m.emit(ctx, events.TypeRotateFailed, record, "Rejected rotate message")
		return record, nil
	}

	if err := m.records.PutRecord(ctx, record); err != nil {
		return Record{}, m.fail(span, internalError("persist rotation record", err))
	}
	m.emit(ctx, events.TypeRotateReceived, record, "Received rotate message")
	return record, nil
}

// CommitRotation adopts the peer's proposed DID for an observing-party
// record: it re-records the keys for the new DID, updates the relationship's
// peer DID, sends the ack, and persists both changes. A key-recording
// failure aborts the commit with the peer DID untouched. The relationship is
// saved without the generic change notification; controllers listen for the
// rotate.committed event instead.
func (m *Manager) CommitRotation(ctx context.Context, record Record) (Record, error) {
	ctx, span := m.tracer.Start(ctx, "rotation.commit",
		trace.WithAttributes(
			attribute.String("relationship.id", record.RelationshipID),
			attribute.String("thread.id", record.ThreadID)))
	defer span.End()

	if strings.TrimSpace(record.NewDID) == "" {
		return Record{}, misuseError("no new did stored in record")
	}
	if record.Role != RoleObserving || record.State != StateRotateReceived {
		return Record{}, misuseError(fmt.Sprintf("commit requires an observing record awaiting commit, got %s/%s", record.Role, record.State))
	}

	if err := m.discovery.RecordKeysForDID(ctx, record.RelationshipID, record.NewDID); err != nil {
		return Record{}, m.fail(span, internalError("record keys for did", err))
	}

	rel, err := m.relationships.GetRelationship(ctx, record.RelationshipID)
	if err != nil {
		return Record{}, m.fail(span, internalError("load relationship", err))
	}
	now := m.clock().UTC()
	rel.TheirDID = record.NewDID
	rel.UpdatedAt = now

	ack := NewAck(record.ThreadID)
	if err := m.outbound.Send(ctx, ack, record.RelationshipID); err != nil {
		return Record{}, m.fail(span, internalError("send rotate ack", err))
	}

	// Persist the relationship before the record so readers never observe
	// an ack-sent record with the old peer DID.
	if err := m.relationships.SaveRelationship(ctx, rel, storage.SaveOptions{Notify: false, Reason: "Their DID rotated"}); err != nil {
		return Record{}, m.fail(span, internalError("persist relationship", err))
	}
	if err := record.transitionTo(StateAckSent, now); err != nil {
		return Record{}, m.fail(span, internalError("mark rotation committed", err))
	}
	if err := m.records.PutRecord(ctx, record); err != nil {
		return Record{}, m.fail(span, internalError("persist rotation record", err))
	}

	m.emit(ctx, events.TypeRotateCommitted, record, "Sent rotate ack")
	return record, nil
}

// ReceiveAck closes a rotating-party attempt: the record turns terminal and
// the relationship's own DID becomes the rotated DID, saved without the
// generic change notification. Acks for already-terminal records are
// idempotently ignored.
func (m *Manager) ReceiveAck(ctx context.Context, record Record, ack *Ack) (Record, error) {
	ctx, span := m.tracer.Start(ctx, "rotation.receive_ack",
		trace.WithAttributes(attribute.String("thread.id", record.ThreadID)))
	defer span.End()

	if ack == nil {
		return Record{}, misuseError("ack message is required")
	}
	if err := ack.Validate(); err != nil {
		return Record{}, m.fail(span, internalError("invalid ack message", err))
	}
	if record.Role != RoleRotating {
		return Record{}, misuseError("ack received for a non-rotating record")
	}
	if record.State.Terminal() {
		log.Printf("rotation: ignoring ack for terminal record %s", record.ThreadID)
		return record, nil
	}
	if ack.ThreadID() != record.ThreadID {
		return Record{}, m.fail(span, internalError("ack thread does not match record", nil))
	}

	rel, err := m.relationships.GetRelationship(ctx, record.RelationshipID)
	if err != nil {
		return Record{}, m.fail(span, internalError("load relationship", err))
	}
	now := m.clock().UTC()
	rel.MyDID = record.NewDID
	rel.UpdatedAt = now
	if err := m.relationships.SaveRelationship(ctx, rel, storage.SaveOptions{Notify: false, Reason: "My DID rotated"}); err != nil {
		return Record{}, m.fail(span, internalError("persist relationship", err))
	}

	if err := record.transitionTo(StateRotated, now); err != nil {
		return Record{}, m.fail(span, internalError("mark rotation acknowledged", err))
	}
	if err := m.records.PutRecord(ctx, record); err != nil {
		return Record{}, m.fail(span, internalError("persist rotation record", err))
	}

	m.emit(ctx, events.TypeRotateAcked, record, "Received rotate ack")
	return record, nil
}

// ReceiveProblemReport records a reported rotation failure for
// observability. The record turns failed, never a state implying success.
// Reports for already-terminal records are idempotently ignored.
func (m *Manager) ReceiveProblemReport(ctx context.Context, record Record, report *ProblemReport) (Record, error) {
	ctx, span := m.tracer.Start(ctx, "rotation.receive_problem_report",
		trace.WithAttributes(attribute.String("thread.id", record.ThreadID)))
	defer span.End()

	if report == nil {
		return Record{}, misuseError("problem report message is required")
	}
	if err := report.Validate(); err != nil {
		return Record{}, m.fail(span, internalError("invalid problem report message", err))
	}
	if record.Role != RoleRotating {
		return Record{}, misuseError("problem report received for a non-rotating record")
	}
	if record.State.Terminal() {
		log.Printf("rotation: ignoring problem report for terminal record %s", record.ThreadID)
		return record, nil
	}
	if report.ThreadID() != record.ThreadID {
		return Record{}, m.fail(span, internalError("problem report thread does not match record", nil))
	}

	record.ProblemCode = report.Code()
	if err := record.transitionTo(StateFailed, m.clock().UTC()); err != nil {
		return Record{}, m.fail(span, internalError("mark rotation failed", err))
	}
	if err := m.records.PutRecord(ctx, record); err != nil {
		return Record{}, m.fail(span, internalError("persist rotation record", err))
	}

	log.Printf("rotation: peer rejected rotation %s: %s", record.ThreadID, report.LocalizedDescription("en"))
	m.emit(ctx, events.TypeRotateFailed, record, "Received problem report")
	return record, nil
}

// RecordByThread loads the record correlated with threadID. Inbound acks and
// problem reports with no matching record are protocol anomalies; the store
// error carries storage.ErrNotFound for that case.
func (m *Manager) RecordByThread(ctx context.Context, threadID string) (Record, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return Record{}, misuseError("thread id is required")
	}
	return m.records.GetRecordByThread(ctx, threadID)
}

// ensureNoPendingRotation rejects a new attempt while another non-terminal
// record with a different thread id exists for the relationship. A
// relationship carries at most one rotation at a time.
func (m *Manager) ensureNoPendingRotation(ctx context.Context, relationshipID, threadID string) error {
	active, err := m.records.ActiveRecordForRelationship(ctx, relationshipID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return internalError("load active rotation record", err)
	}
	if active.ThreadID != threadID {
		return internalError(fmt.Sprintf("rotation %s already pending for relationship %s", active.ThreadID, relationshipID), nil)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, eventType events.Type, record Record, reason string) {
	m.events.Emit(ctx, events.Event{
		Type:           eventType,
		RelationshipID: record.RelationshipID,
		ThreadID:       record.ThreadID,
		DID:            record.NewDID,
		Reason:         reason,
	})
}

func (m *Manager) fail(span trace.Span, err error) error {
	span.RecordError(err)
	return err
}
