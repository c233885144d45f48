package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/threadline/pivot/internal/didcomm"
	"github.com/threadline/pivot/internal/events"
	"github.com/threadline/pivot/internal/relationship"
	"github.com/threadline/pivot/internal/resolver"
	"github.com/threadline/pivot/internal/storage"
)

type fakeRecordStore struct {
	records map[string]Record
	putErr  error
	puts    int
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: map[string]Record{}}
}

func (s *fakeRecordStore) PutRecord(_ context.Context, record Record) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	s.records[record.ThreadID] = record
	return nil
}

func (s *fakeRecordStore) GetRecordByThread(_ context.Context, threadID string) (Record, error) {
	record, ok := s.records[threadID]
	if !ok {
		return Record{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeRecordStore) ActiveRecordForRelationship(_ context.Context, relationshipID string) (Record, error) {
	for _, record := range s.records {
		if record.RelationshipID == relationshipID && !record.State.Terminal() {
			return record, nil
		}
	}
	return Record{}, storage.ErrNotFound
}

func (s *fakeRecordStore) ListRecords(_ context.Context) ([]Record, error) {
	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	return out, nil
}

type fakeRelationshipStore struct {
	rels    map[string]relationship.Relationship
	saves   []storage.SaveOptions
	saveErr error
}

func newFakeRelationshipStore(rels ...relationship.Relationship) *fakeRelationshipStore {
	store := &fakeRelationshipStore{rels: map[string]relationship.Relationship{}}
	for _, rel := range rels {
		store.rels[rel.ID] = rel
	}
	return store
}

func (s *fakeRelationshipStore) GetRelationship(_ context.Context, relationshipID string) (relationship.Relationship, error) {
	rel, ok := s.rels[relationshipID]
	if !ok {
		return relationship.Relationship{}, storage.ErrNotFound
	}
	return rel, nil
}

func (s *fakeRelationshipStore) SaveRelationship(_ context.Context, rel relationship.Relationship, opts storage.SaveOptions) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rels[rel.ID] = rel
	s.saves = append(s.saves, opts)
	return nil
}

type fakeResolver struct {
	docs map[string]resolver.Document
	errs map[string]error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{docs: map[string]resolver.Document{}, errs: map[string]error{}}
}

func (r *fakeResolver) Resolve(_ context.Context, did string) (resolver.Document, error) {
	if err, ok := r.errs[did]; ok {
		return resolver.Document{}, err
	}
	if doc, ok := r.docs[did]; ok {
		return doc, nil
	}
	return resolver.Document{}, resolver.ErrNotFound
}

type fakeDiscovery struct {
	discoverErr error
	recordErr   error
	recorded    []string
}

func (d *fakeDiscovery) DiscoverServices(_ context.Context, did string) ([]resolver.Service, error) {
	if d.discoverErr != nil {
		return nil, d.discoverErr
	}
	return []resolver.Service{{ID: "#didcomm", Type: resolver.ServiceTypeDIDComm, ServiceEndpoint: "https://peer.example.com"}}, nil
}

func (d *fakeDiscovery) RecordKeysForDID(_ context.Context, relationshipID, did string) error {
	if d.recordErr != nil {
		return d.recordErr
	}
	d.recorded = append(d.recorded, relationshipID+"/"+did)
	return nil
}

type sentMessage struct {
	message        didcomm.Message
	relationshipID string
}

type fakeOutbound struct {
	sent []sentMessage
	err  error
}

func (o *fakeOutbound) Send(_ context.Context, message didcomm.Message, relationshipID string) error {
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, sentMessage{message: message, relationshipID: relationshipID})
	return nil
}

type managerFixture struct {
	manager       *Manager
	records       *fakeRecordStore
	relationships *fakeRelationshipStore
	resolver      *fakeResolver
	discovery     *fakeDiscovery
	outbound      *fakeOutbound
	emitted       *[]events.Event
}

func newManagerFixture(t *testing.T, rels ...relationship.Relationship) managerFixture {
	t.Helper()
	records := newFakeRecordStore()
	relationships := newFakeRelationshipStore(rels...)
	res := newFakeResolver()
	discovery := &fakeDiscovery{}
	outbound := &fakeOutbound{}
	emitter := events.NewEmitter()
	var emitted []events.Event
	emitter.Subscribe(func(evt events.Event) { emitted = append(emitted, evt) })

	manager, err := NewManager(ManagerConfig{
		Records:       records,
		Relationships: relationships,
		Resolver:      res,
		Discovery:     discovery,
		Outbound:      outbound,
		Events:        emitter,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.clock = func() time.Time {
		return time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)
	}
	return managerFixture{
		manager:       manager,
		records:       records,
		relationships: relationships,
		resolver:      res,
		discovery:     discovery,
		outbound:      outbound,
		emitted:       &emitted,
	}
}

func testRelationship() relationship.Relationship {
	return relationship.Relationship{
		ID:       "rel-1",
		MyDID:    "did:example:me",
		TheirDID: "did:example:them",
	}
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatal("expected missing collaborator error")
	}
}

func TestInitiateRotationSendsAndPersists(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	record, err := fx.manager.InitiateRotation(context.Background(), "rel-1", "did:example:new")
	if err != nil {
		t.Fatalf("initiate rotation: %v", err)
	}
	if record.Role != RoleRotating || record.State != StateRotateSent {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.NewDID != "did:example:new" {
		t.Fatalf("record new did = %q", record.NewDID)
	}

	if len(fx.outbound.sent) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(fx.outbound.sent))
	}
	rotate, ok := fx.outbound.sent[0].message.(*Rotate)
	if !ok {
		t.Fatalf("expected rotate message, got %T", fx.outbound.sent[0].message)
	}
	if rotate.ToDID != "did:example:new" {
		t.Fatalf("rotate to_did = %q", rotate.ToDID)
	}
	if record.ThreadID != rotate.ID {
		t.Fatalf("record thread %q != message id %q", record.ThreadID, rotate.ID)
	}
	if fx.outbound.sent[0].relationshipID != "rel-1" {
		t.Fatalf("sent to relationship %q", fx.outbound.sent[0].relationshipID)
	}

	stored, err := fx.records.GetRecordByThread(context.Background(), record.ThreadID)
	if err != nil {
		t.Fatalf("expected persisted record: %v", err)
	}
	if stored.State != StateRotateSent {
		t.Fatalf("stored state = %q", stored.State)
	}

	if len(*fx.emitted) != 1 || (*fx.emitted)[0].Type != events.TypeRotateSent {
		t.Fatalf("expected rotate.sent event, got %+v", *fx.emitted)
	}
}

func TestInitiateRotationValidatesInput(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	if _, err := fx.manager.InitiateRotation(context.Background(), "", "did:example:new"); !IsMisuse(err) {
		t.Fatalf("expected misuse error, got %v", err)
	}
	if _, err := fx.manager.InitiateRotation(context.Background(), "rel-1", "  "); !IsMisuse(err) {
		t.Fatalf("expected misuse error, got %v", err)
	}
}

func TestInitiateRotationFailsOnMissingRelationship(t *testing.T) {
	fx := newManagerFixture(t)

	_, err := fx.manager.InitiateRotation(context.Background(), "rel-unknown", "did:example:new")
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected wrapped not-found error, got %v", err)
	}
}

func TestInitiateRotationTransportFailureLeavesNoRecord(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.outbound.err = errors.New("connection refused")

	_, err := fx.manager.InitiateRotation(context.Background(), "rel-1", "did:example:new")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if fx.records.puts != 0 {
		t.Fatalf("expected no persisted record, got %d puts", fx.records.puts)
	}
}

func TestInitiateRotationRejectsConcurrentAttempt(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	if _, err := fx.manager.InitiateRotation(context.Background(), "rel-1", "did:example:new"); err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	_, err := fx.manager.InitiateRotation(context.Background(), "rel-1", "did:example:other")
	if err == nil || IsMisuse(err) {
		t.Fatalf("expected pending-rotation error, got %v", err)
	}
	if len(fx.outbound.sent) != 1 {
		t.Fatalf("expected no second send, got %d", len(fx.outbound.sent))
	}
}

func TestReceiveRotationPersistsValidatedRecord(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.resolver.docs["did:example:new"] = resolver.Document{ID: "did:example:new"}

	rotate := NewRotate("did:example:new")
	record, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", rotate)
	if err != nil {
		t.Fatalf("receive rotation: %v", err)
	}
	if record.Role != RoleObserving || record.State != StateRotateReceived {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.ThreadID != rotate.ID {
		t.Fatalf("record thread %q != rotate id %q", record.ThreadID, rotate.ID)
	}
	if len(fx.outbound.sent) != 0 {
		t.Fatalf("expected no outbound message, got %d", len(fx.outbound.sent))
	}
	if len(*fx.emitted) != 1 || (*fx.emitted)[0].Type != events.TypeRotateReceived {
		t.Fatalf("expected rotate.received event, got %+v", *fx.emitted)
	}
}

func TestReceiveRotationUnresolvableSendsProblemReport(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	// No document provisioned: the resolver reports not found.

	rotate := NewRotate("did:example:new")
	record, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", rotate)
	if err != nil {
		t.Fatalf("receive rotation: %v", err)
	}

	if len(fx.outbound.sent) != 1 {
		t.Fatalf("expected one problem report send, got %d", len(fx.outbound.sent))
	}
	report, ok := fx.outbound.sent[0].message.(*ProblemReport)
	if !ok {
		t.Fatalf("expected problem report, got %T", fx.outbound.sent[0].message)
	}
	if report.Code() != ProblemCodeUnresolvable {
		t.Fatalf("report code = %q", report.Code())
	}
	if report.ThreadID() != rotate.ID {
		t.Fatalf("report thread %q != rotate id %q", report.ThreadID(), rotate.ID)
	}
	if fx.outbound.sent[0].relationshipID != "rel-1" {
		t.Fatalf("report sent to %q", fx.outbound.sent[0].relationshipID)
	}

	if record.State != StateFailed || record.ProblemCode != ProblemCodeUnresolvable {
		t.Fatalf("unexpected record: %+v", record)
	}
	stored, err := fx.records.GetRecordByThread(context.Background(), rotate.ID)
	if err != nil {
		t.Fatalf("expected failed attempt persisted for audit: %v", err)
	}
	if stored.Role != RoleObserving || stored.State != StateFailed {
		t.Fatalf("stored record: %+v", stored)
	}
}

func TestReceiveRotationUnsupportedMethodCode(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.resolver.errs["did:exotic:new"] = resolver.ErrMethodNotSupported

	rotate := NewRotate("did:exotic:new")
	if _, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", rotate); err != nil {
		t.Fatalf("receive rotation: %v", err)
	}
	report := fx.outbound.sent[0].message.(*ProblemReport)
	if report.Code() != ProblemCodeMethodUnsupported {
		t.Fatalf("report code = %q", report.Code())
	}
}

func TestReceiveRotationDiscoveryFailurePropagates(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.resolver.docs["did:example:new"] = resolver.Document{ID: "did:example:new"}
	fx.discovery.discoverErr = errors.New("no didcomm services")

	rotate := NewRotate("did:example:new")
	_, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", rotate)
	if err == nil {
		t.Fatal("expected discovery failure to propagate")
	}
	if _, reportable := AsReportable(err); reportable {
		t.Fatal("discovery failure must not be reportable")
	}
	if len(fx.outbound.sent) != 0 {
		t.Fatal("expected no message sent for non-reportable failure")
	}
	if fx.records.puts != 0 {
		t.Fatal("expected no record persisted for non-reportable failure")
	}
}

func TestReceiveRotationIgnoresRedelivery(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.resolver.docs["did:example:new"] = resolver.Document{ID: "did:example:new"}

	rotate := NewRotate("did:example:new")
	first, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", rotate)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	second, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", rotate)
	if err != nil {
		t.Fatalf("redelivered receive: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing record, got %+v", second)
	}
	if fx.records.puts != 1 {
		t.Fatalf("expected single persisted record, got %d puts", fx.records.puts)
	}
}

func TestReceiveRotationRejectsSecondAttempt(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.resolver.docs["did:example:new"] = resolver.Document{ID: "did:example:new"}
	fx.resolver.docs["did:example:other"] = resolver.Document{ID: "did:example:other"}

	if _, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", NewRotate("did:example:new")); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	_, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", NewRotate("did:example:other"))
	if err == nil {
		t.Fatal("expected second concurrent rotate to be rejected")
	}
}

func TestCommitRotationUpdatesRelationshipAndAcks(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.resolver.docs["did:example:new"] = resolver.Document{ID: "did:example:new"}

	record, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", NewRotate("did:example:new"))
	if err != nil {
		t.Fatalf("receive rotation: %v", err)
	}

	committed, err := fx.manager.CommitRotation(context.Background(), record)
	if err != nil {
		t.Fatalf("commit rotation: %v", err)
	}
	if committed.State != StateAckSent {
		t.Fatalf("committed state = %q", committed.State)
	}

	rel, err := fx.relationships.GetRelationship(context.Background(), "rel-1")
	if err != nil {
		t.Fatalf("load relationship: %v", err)
	}
	if rel.TheirDID != "did:example:new" {
		t.Fatalf("their did = %q, want did:example:new", rel.TheirDID)
	}

	if len(fx.outbound.sent) != 1 {
		t.Fatalf("expected exactly one ack send, got %d", len(fx.outbound.sent))
	}
	ack, ok := fx.outbound.sent[0].message.(*Ack)
	if !ok {
		t.Fatalf("expected ack, got %T", fx.outbound.sent[0].message)
	}
	if ack.ThreadID() != record.ThreadID {
		t.Fatalf("ack thread %q != record thread %q", ack.ThreadID(), record.ThreadID)
	}

	if len(fx.relationships.saves) != 1 {
		t.Fatalf("expected one relationship save, got %d", len(fx.relationships.saves))
	}
	if fx.relationships.saves[0].Notify {
		t.Fatal("rotation commit must suppress the generic relationship notification")
	}
	if len(fx.discovery.recorded) != 1 || fx.discovery.recorded[0] != "rel-1/did:example:new" {
		t.Fatalf("expected keys recorded for new did, got %v", fx.discovery.recorded)
	}

	last := (*fx.emitted)[len(*fx.emitted)-1]
	if last.Type != events.TypeRotateCommitted {
		t.Fatalf("expected rotate.committed event, got %+v", last)
	}
}

func TestCommitRotationKeyFailureLeavesPeerDIDUnchanged(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.resolver.docs["did:example:new"] = resolver.Document{ID: "did:example:new"}

	record, err := fx.manager.ReceiveRotation(context.Background(), "rel-1", NewRotate("did:example:new"))
	if err != nil {
		t.Fatalf("receive rotation: %v", err)
	}

	fx.discovery.recordErr = errors.New("unresolvable keys")
	if _, err := fx.manager.CommitRotation(context.Background(), record); err == nil {
		t.Fatal("expected commit to abort")
	}

	rel, _ := fx.relationships.GetRelationship(context.Background(), "rel-1")
	if rel.TheirDID != "did:example:them" {
		t.Fatalf("peer did must be unchanged, got %q", rel.TheirDID)
	}
	if len(fx.outbound.sent) != 0 {
		t.Fatal("expected no ack after aborted commit")
	}
	stored, _ := fx.records.GetRecordByThread(context.Background(), record.ThreadID)
	if stored.State != StateRotateReceived {
		t.Fatalf("record state = %q, want rotate-received", stored.State)
	}
}

func TestCommitRotationRequiresNewDID(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	record := validRecord(RoleObserving, StateRotateReceived)
	record.NewDID = ""
	if _, err := fx.manager.CommitRotation(context.Background(), record); !IsMisuse(err) {
		t.Fatalf("expected misuse error, got %v", err)
	}
}

func TestCommitRotationRequiresAwaitingRecord(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	record := validRecord(RoleObserving, StateAckSent)
	if _, err := fx.manager.CommitRotation(context.Background(), record); !IsMisuse(err) {
		t.Fatalf("expected misuse error for terminal record, got %v", err)
	}

	record = validRecord(RoleRotating, StateRotateSent)
	if _, err := fx.manager.CommitRotation(context.Background(), record); !IsMisuse(err) {
		t.Fatalf("expected misuse error for rotating record, got %v", err)
	}
}

func TestReceiveAckAdoptsNewDID(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	record, err := fx.manager.InitiateRotation(context.Background(), "rel-1", "did:example:new")
	if err != nil {
		t.Fatalf("initiate rotation: %v", err)
	}

	updated, err := fx.manager.ReceiveAck(context.Background(), record, NewAck(record.ThreadID))
	if err != nil {
		t.Fatalf("receive ack: %v", err)
	}
	if updated.State != StateRotated {
		t.Fatalf("record state = %q, want rotated", updated.State)
	}

	rel, _ := fx.relationships.GetRelationship(context.Background(), "rel-1")
	if rel.MyDID != "did:example:new" {
		t.Fatalf("my did = %q, want did:example:new", rel.MyDID)
	}
	if len(fx.relationships.saves) != 1 || fx.relationships.saves[0].Notify {
		t.Fatalf("expected one unnotified relationship save, got %+v", fx.relationships.saves)
	}
}

func TestReceiveAckIgnoresTerminalRecord(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	record := validRecord(RoleRotating, StateRotated)
	got, err := fx.manager.ReceiveAck(context.Background(), record, NewAck(record.ThreadID))
	if err != nil {
		t.Fatalf("expected idempotent ignore, got %v", err)
	}
	if got.State != StateRotated {
		t.Fatalf("record state changed: %+v", got)
	}
	if fx.records.puts != 0 {
		t.Fatal("expected no store writes for ignored ack")
	}
}

func TestReceiveAckRejectsThreadMismatch(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	record := validRecord(RoleRotating, StateRotateSent)
	if _, err := fx.manager.ReceiveAck(context.Background(), record, NewAck("another-thread")); err == nil {
		t.Fatal("expected thread mismatch error")
	}
}

func TestReceiveProblemReportMarksRecordFailed(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	record, err := fx.manager.InitiateRotation(context.Background(), "rel-1", "did:example:new")
	if err != nil {
		t.Fatalf("initiate rotation: %v", err)
	}

	report := NewProblemReportUnresolvable("did:example:new")
	report.AssignThread(record.ThreadID, record.ThreadID)
	failed, err := fx.manager.ReceiveProblemReport(context.Background(), record, report)
	if err != nil {
		t.Fatalf("receive problem report: %v", err)
	}
	if failed.State != StateFailed || failed.ProblemCode != ProblemCodeUnresolvable {
		t.Fatalf("unexpected record: %+v", failed)
	}

	last := (*fx.emitted)[len(*fx.emitted)-1]
	if last.Type != events.TypeRotateFailed {
		t.Fatalf("expected rotate.failed event, got %+v", last)
	}
}

func TestReceiveProblemReportIgnoresTerminalRecord(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	record := validRecord(RoleRotating, StateFailed)
	report := NewProblemReportUnresolvable("did:example:new")
	report.AssignThread(record.ThreadID, record.ThreadID)

	got, err := fx.manager.ReceiveProblemReport(context.Background(), record, report)
	if err != nil {
		t.Fatalf("expected idempotent ignore, got %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("record state changed: %+v", got)
	}
}

func TestRecordByThreadAnomalies(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())

	if _, err := fx.manager.RecordByThread(context.Background(), ""); !IsMisuse(err) {
		t.Fatalf("expected misuse error, got %v", err)
	}
	if _, err := fx.manager.RecordByThread(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not-found anomaly, got %v", err)
	}
}

func TestEnsureSupportedDIDOrdering(t *testing.T) {
	fx := newManagerFixture(t, testRelationship())
	fx.resolver.errs["did:example:bad"] = resolver.ErrNotFound
	fx.discovery.discoverErr = errors.New("must not be reached")

	// Resolution runs first: an unresolvable DID must be reported even when
	// discovery would also fail.
	err := fx.manager.EnsureSupportedDID(context.Background(), "did:example:bad")
	report, reportable := AsReportable(err)
	if !reportable {
		t.Fatalf("expected reportable error, got %v", err)
	}
	if report.Code() != ProblemCodeUnresolvable {
		t.Fatalf("report code = %q", report.Code())
	}
}
