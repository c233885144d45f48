// Package sqlite provides a SQLite-backed agent storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/threadline/pivot/internal/discovery"
	"github.com/threadline/pivot/internal/events"
	"github.com/threadline/pivot/internal/platform/storage/sqlitemigrate"
	"github.com/threadline/pivot/internal/relationship"
	"github.com/threadline/pivot/internal/rotation"
	"github.com/threadline/pivot/internal/storage"
	"github.com/threadline/pivot/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists agent state in SQLite.
type Store struct {
	sqlDB  *sql.DB
	events *events.Emitter
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite agent store and applies embedded migrations. Passing a
// nil emitter disables change notifications.
func Open(path string, emitter *events.Emitter) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, events: emitter}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutRecord upserts one rotation record.
func (s *Store) PutRecord(ctx context.Context, record rotation.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid rotation record: %w", err)
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rotation_records (id, role, state, relationship_id, new_did, thread_id, problem_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   new_did = excluded.new_did,
		   problem_code = excluded.problem_code,
		   updated_at = excluded.updated_at`,
		record.ID,
		string(record.Role),
		string(record.State),
		record.RelationshipID,
		record.NewDID,
		record.ThreadID,
		record.ProblemCode,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put rotation record: %w", err)
	}
	return nil
}

// GetRecordByThread returns the rotation record correlated with threadID.
func (s *Store) GetRecordByThread(ctx context.Context, threadID string) (rotation.Record, error) {
	if err := ctx.Err(); err != nil {
		return rotation.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return rotation.Record{}, fmt.Errorf("storage is not configured")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return rotation.Record{}, fmt.Errorf("thread id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, role, state, relationship_id, new_did, thread_id, problem_code, created_at, updated_at
		 FROM rotation_records
		 WHERE thread_id = ?`,
		threadID,
	)
	return scanRecord(row, "get rotation record")
}

// ActiveRecordForRelationship returns the relationship's non-terminal record.
func (s *Store) ActiveRecordForRelationship(ctx context.Context, relationshipID string) (rotation.Record, error) {
	if err := ctx.Err(); err != nil {
		return rotation.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return rotation.Record{}, fmt.Errorf("storage is not configured")
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return rotation.Record{}, fmt.Errorf("relationship id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, role, state, relationship_id, new_did, thread_id, problem_code, created_at, updated_at
		 FROM rotation_records
		 WHERE relationship_id = ? AND state NOT IN (?, ?, ?)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		relationshipID,
		string(rotation.StateAckSent),
		string(rotation.StateRotated),
		string(rotation.StateFailed),
	)
	return scanRecord(row, "get active rotation record")
}

// ListRecords returns every rotation record, newest first.
func (s *Store) ListRecords(ctx context.Context) ([]rotation.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, role, state, relationship_id, new_did, thread_id, problem_code, created_at, updated_at
		 FROM rotation_records
		 ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rotation records: %w", err)
	}
	defer rows.Close()

	var records []rotation.Record
	for rows.Next() {
		record, err := scanRecord(rows, "list rotation records")
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rotation records: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, op string) (rotation.Record, error) {
	var (
		record    rotation.Record
		role      string
		state     string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&record.ID,
		&role,
		&state,
		&record.RelationshipID,
		&record.NewDID,
		&record.ThreadID,
		&record.ProblemCode,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rotation.Record{}, storage.ErrNotFound
		}
		return rotation.Record{}, fmt.Errorf("%s: %w", op, err)
	}
	record.Role = rotation.Role(role)
	record.State = rotation.State(state)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// GetRelationship returns one relationship by id.
func (s *Store) GetRelationship(ctx context.Context, relationshipID string) (relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return relationship.Relationship{}, err
	}
	if s == nil || s.sqlDB == nil {
		return relationship.Relationship{}, fmt.Errorf("storage is not configured")
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return relationship.Relationship{}, fmt.Errorf("relationship id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, label, my_did, their_did, created_at, updated_at
		 FROM relationships
		 WHERE id = ?`,
		relationshipID,
	)
	var (
		rel       relationship.Relationship
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rel.ID, &rel.Label, &rel.MyDID, &rel.TheirDID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return relationship.Relationship{}, storage.ErrNotFound
		}
		return relationship.Relationship{}, fmt.Errorf("get relationship: %w", err)
	}
	rel.CreatedAt = fromMillis(createdAt)
	rel.UpdatedAt = fromMillis(updatedAt)
	return rel, nil
}

// SaveRelationship upserts one relationship. When opts.Notify is set the
// store emits a relationship change event after the write; rotation commits
// pass Notify=false and announce themselves through rotation events instead.
func (s *Store) SaveRelationship(ctx context.Context, rel relationship.Relationship, opts storage.SaveOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rel.ID) == "" {
		return fmt.Errorf("relationship id is required")
	}

	existed := true
	if _, err := s.GetRelationship(ctx, rel.ID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		existed = false
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO relationships (id, label, my_did, their_did, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   label = excluded.label,
		   my_did = excluded.my_did,
		   their_did = excluded.their_did,
		   updated_at = excluded.updated_at`,
		rel.ID,
		rel.Label,
		rel.MyDID,
		rel.TheirDID,
		toMillis(rel.CreatedAt),
		toMillis(rel.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save relationship: %w", err)
	}

	if opts.Notify {
		eventType := events.TypeRelationshipUpdated
		if !existed {
			eventType = events.TypeRelationshipCreated
		}
		s.events.Emit(ctx, events.Event{
			Type:           eventType,
			RelationshipID: rel.ID,
			DID:            rel.TheirDID,
			Reason:         opts.Reason,
		})
	}
	return nil
}

// ListRelationships returns every relationship, oldest first.
func (s *Store) ListRelationships(ctx context.Context) ([]relationship.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, label, my_did, their_did, created_at, updated_at
		 FROM relationships
		 ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var rels []relationship.Relationship
	for rows.Next() {
		var (
			rel       relationship.Relationship
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&rel.ID, &rel.Label, &rel.MyDID, &rel.TheirDID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("list relationships: %w", err)
		}
		rel.CreatedAt = fromMillis(createdAt)
		rel.UpdatedAt = fromMillis(updatedAt)
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	return rels, nil
}

// PutRelationshipKeys upserts the routing material for a relationship's peer.
func (s *Store) PutRelationshipKeys(ctx context.Context, keys discovery.RelationshipKeys) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(keys.RelationshipID) == "" {
		return fmt.Errorf("relationship id is required")
	}

	recipientKeys, err := json.Marshal(keys.RecipientKeys)
	if err != nil {
		return fmt.Errorf("encode recipient keys: %w", err)
	}
	routingKeys, err := json.Marshal(keys.RoutingKeys)
	if err != nil {
		return fmt.Errorf("encode routing keys: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO relationship_keys (relationship_id, did, endpoint, recipient_keys, routing_keys, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(relationship_id) DO UPDATE SET
		   did = excluded.did,
		   endpoint = excluded.endpoint,
		   recipient_keys = excluded.recipient_keys,
		   routing_keys = excluded.routing_keys,
		   updated_at = excluded.updated_at`,
		keys.RelationshipID,
		keys.DID,
		keys.Endpoint,
		string(recipientKeys),
		string(routingKeys),
		toMillis(keys.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put relationship keys: %w", err)
	}
	return nil
}

// GetRelationshipKeys returns the recorded routing material for a relationship.
func (s *Store) GetRelationshipKeys(ctx context.Context, relationshipID string) (discovery.RelationshipKeys, error) {
	if err := ctx.Err(); err != nil {
		return discovery.RelationshipKeys{}, err
	}
	if s == nil || s.sqlDB == nil {
		return discovery.RelationshipKeys{}, fmt.Errorf("storage is not configured")
	}
	relationshipID = strings.TrimSpace(relationshipID)
	if relationshipID == "" {
		return discovery.RelationshipKeys{}, fmt.Errorf("relationship id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT relationship_id, did, endpoint, recipient_keys, routing_keys, updated_at
		 FROM relationship_keys
		 WHERE relationship_id = ?`,
		relationshipID,
	)
	var (
		keys          discovery.RelationshipKeys
		recipientKeys string
		routingKeys   string
		updatedAt     int64
	)
	err := row.Scan(&keys.RelationshipID, &keys.DID, &keys.Endpoint, &recipientKeys, &routingKeys, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return discovery.RelationshipKeys{}, storage.ErrNotFound
		}
		return discovery.RelationshipKeys{}, fmt.Errorf("get relationship keys: %w", err)
	}
	if err := json.Unmarshal([]byte(recipientKeys), &keys.RecipientKeys); err != nil {
		return discovery.RelationshipKeys{}, fmt.Errorf("decode recipient keys: %w", err)
	}
	if err := json.Unmarshal([]byte(routingKeys), &keys.RoutingKeys); err != nil {
		return discovery.RelationshipKeys{}, fmt.Errorf("decode routing keys: %w", err)
	}
	keys.UpdatedAt = fromMillis(updatedAt)
	return keys, nil
}

var (
	_ rotation.RecordStore       = (*Store)(nil)
	_ rotation.RelationshipStore = (*Store)(nil)
	_ discovery.KeyStore         = (*Store)(nil)
)
