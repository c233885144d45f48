// Package admin exposes the agent's controller-facing HTTP API: relationship
// management and rotation control over JSON.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/threadline/pivot/internal/relationship"
	"github.com/threadline/pivot/internal/rotation"
	"github.com/threadline/pivot/internal/storage"
)

// RotationService drives rotation attempts on behalf of the controller.
type RotationService interface {
	InitiateRotation(ctx context.Context, relationshipID, newDID string) (rotation.Record, error)
	CommitRotation(ctx context.Context, record rotation.Record) (rotation.Record, error)
	RecordByThread(ctx context.Context, threadID string) (rotation.Record, error)
}

// Store is the storage surface the admin API reads and writes.
type Store interface {
	GetRelationship(ctx context.Context, relationshipID string) (relationship.Relationship, error)
	SaveRelationship(ctx context.Context, rel relationship.Relationship, opts storage.SaveOptions) error
	ListRelationships(ctx context.Context) ([]relationship.Relationship, error)
	ListRecords(ctx context.Context) ([]rotation.Record, error)
}

// Config carries the collaborators the admin API consumes.
type Config struct {
	Rotations RotationService
	Store     Store
	Auth      TokenConfig
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// NewHandler creates the admin API routes.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Rotations == nil {
		return nil, errors.New("rotation service is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	h := &handler{rotations: cfg.Rotations, store: cfg.Store, clock: clock}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("POST /relationships", h.createRelationship)
	mux.HandleFunc("GET /relationships", h.listRelationships)
	mux.HandleFunc("GET /relationships/{id}", h.getRelationship)
	mux.HandleFunc("POST /rotations", h.startRotation)
	mux.HandleFunc("GET /rotations", h.listRotations)
	mux.HandleFunc("GET /rotations/{thread_id}", h.getRotation)
	mux.HandleFunc("POST /rotations/{thread_id}/commit", h.commitRotation)

	return requireAuth(cfg.Auth, mux), nil
}

type handler struct {
	rotations RotationService
	store     Store
	clock     func() time.Time
}

type relationshipView struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	MyDID     string    `json:"my_did"`
	TheirDID  string    `json:"their_did"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type recordView struct {
	ThreadID       string    `json:"thread_id"`
	Role           string    `json:"role"`
	State          string    `json:"state"`
	RelationshipID string    `json:"relationship_id"`
	NewDID         string    `json:"new_did"`
	ProblemCode    string    `json:"problem_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewRelationship(rel relationship.Relationship) relationshipView {
	return relationshipView{
		ID:        rel.ID,
		Label:     rel.Label,
		MyDID:     rel.MyDID,
		TheirDID:  rel.TheirDID,
		CreatedAt: rel.CreatedAt,
		UpdatedAt: rel.UpdatedAt,
	}
}

func viewRecord(record rotation.Record) recordView {
	return recordView{
		ThreadID:       record.ThreadID,
		Role:           string(record.Role),
		State:          string(record.State),
		RelationshipID: record.RelationshipID,
		NewDID:         record.NewDID,
		ProblemCode:    record.ProblemCode,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func (h *handler) createRelationship(w http.ResponseWriter, r *http.Request) {
	var input struct {
		// ID is optional: pairwise agents provision both sides of a
		// relationship under one shared identifier.
		ID       string `json:"id"`
		Label    string `json:"label"`
		MyDID    string `json:"my_did"`
		TheirDID string `json:"their_did"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rel, err := relationship.Create(relationship.CreateInput{
		Label:    input.Label,
		MyDID:    input.MyDID,
		TheirDID: input.TheirDID,
	}, h.clock, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id := strings.TrimSpace(input.ID); id != "" {
		rel.ID = id
	}

	opts := storage.SaveOptions{Notify: true, Reason: "Relationship created"}
	if err := h.store.SaveRelationship(r.Context(), rel, opts); err != nil {
		h.serverError(w, "create relationship", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRelationship(rel))
}

func (h *handler) listRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := h.store.ListRelationships(r.Context())
	if err != nil {
		h.serverError(w, "list relationships", err)
		return
	}
	views := make([]relationshipView, 0, len(rels))
	for _, rel := range rels {
		views = append(views, viewRelationship(rel))
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": views})
}

func (h *handler) getRelationship(w http.ResponseWriter, r *http.Request) {
	rel, err := h.store.GetRelationship(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "relationship not found")
			return
		}
		h.serverError(w, "get relationship", err)
		return
	}
	writeJSON(w, http.StatusOK, viewRelationship(rel))
}

func (h *handler) startRotation(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RelationshipID string `json:"relationship_id"`
		NewDID         string `json:"new_did"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.rotations.InitiateRotation(r.Context(), input.RelationshipID, input.NewDID)
	if err != nil {
		h.rotationError(w, "initiate rotation", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRecord(record))
}

func (h *handler) listRotations(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListRecords(r.Context())
	if err != nil {
		h.serverError(w, "list rotations", err)
		return
	}
	views := make([]recordView, 0, len(records))
	for _, record := range records {
		views = append(views, viewRecord(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotations": views})
}

func (h *handler) getRotation(w http.ResponseWriter, r *http.Request) {
	record, err := h.rotations.RecordByThread(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		h.rotationError(w, "get rotation", err)
		return
	}
	writeJSON(w, http.StatusOK, viewRecord(record))
}

func (h *handler) commitRotation(w http.ResponseWriter, r *http.Request) {
	record, err := h.rotations.RecordByThread(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		h.rotationError(w, "get rotation", err)
		return
	}
	committed, err := h.rotations.CommitRotation(r.Context(), record)
	if err != nil {
		h.rotationError(w, "commit rotation", err)
		return
	}
	writeJSON(w, http.StatusOK, viewRecord(committed))
}

// rotationError maps manager failures onto HTTP statuses: caller mistakes are
// 400, unknown threads are 404, everything else is a server fault.
func (h *handler) rotationError(w http.ResponseWriter, op string, err error) {
	switch {
	case rotation.IsMisuse(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "rotation not found")
	default:
		h.serverError(w, op, err)
	}
}

func (h *handler) serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("admin: %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("admin: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
