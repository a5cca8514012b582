package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/suggestion"
)

// Reviewer is implemented by *suggestion.Engine.
type Reviewer interface {
	Accept(ctx context.Context, id uuid.UUID, expectedFaceRevision int64) (suggestion.Outcome, *database.FaceInstance, error)
	Reject(ctx context.Context, id uuid.UUID, expectedRevision int64) (suggestion.Outcome, error)
	BulkAct(ctx context.Context, ids []uuid.UUID, action suggestion.Action) ([]suggestion.ItemResult, error)
}

// SuggestionLister is the read side of the suggestion store.
type SuggestionLister interface {
	ListSuggestions(ctx context.Context, filter database.SuggestionFilter) ([]database.FaceSuggestion, error)
}

// SuggestionsHandler handles suggestion review endpoints.
type SuggestionsHandler struct {
	reviewer Reviewer
	store    SuggestionLister
	logger   *zap.Logger
}

// NewSuggestionsHandler creates a new suggestions handler.
func NewSuggestionsHandler(reviewer Reviewer, store SuggestionLister, logger *zap.Logger) *SuggestionsHandler {
	return &SuggestionsHandler{reviewer: reviewer, store: store, logger: logger}
}

// SuggestionResponse is the JSON form of a suggestion.
type SuggestionResponse struct {
	ID         uuid.UUID                  `json:"id"`
	FaceID     uuid.UUID                  `json:"face_id"`
	PersonID   uuid.UUID                  `json:"person_id"`
	Confidence float64                    `json:"confidence"`
	Matches    []database.SuggestionMatch `json:"matches"`
	Status     database.SuggestionStatus  `json:"status"`
	Revision   int64                      `json:"revision"`
	CreatedAt  time.Time                  `json:"created_at"`
	ReviewedAt *time.Time                 `json:"reviewed_at,omitempty"`
}

func toSuggestionResponse(s database.FaceSuggestion) SuggestionResponse {
	return SuggestionResponse{
		ID:         s.ID,
		FaceID:     s.FaceID,
		PersonID:   s.PersonID,
		Confidence: s.Confidence,
		Matches:    s.Matches,
		Status:     s.Status,
		Revision:   s.Revision,
		CreatedAt:  s.CreatedAt,
		ReviewedAt: s.ReviewedAt,
	}
}

// List handles GET /api/v1/suggestions?person_id=&status=&limit=.
func (h *SuggestionsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.SuggestionFilter{Status: database.SuggestionPending, Limit: 100}

	if v := q.Get("person_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid person_id")
			return
		}
		filter.PersonID = &id
	}
	if v := q.Get("status"); v != "" {
		filter.Status = database.SuggestionStatus(v)
		if !filter.Status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	list, err := h.store.ListSuggestions(r.Context(), filter)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	out := make([]SuggestionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSuggestionResponse(s))
	}
	respondJSON(w, http.StatusOK, map[string]any{"suggestions": out})
}

// ReviewRequest carries the revision the reviewer saw. Zero means "latest".
type ReviewRequest struct {
	Revision int64 `json:"revision"`
}

// Accept handles POST /api/v1/suggestions/{id}/accept. Revision is the face revision.
func (h *SuggestionsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req ReviewRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	outcome, face, err := h.reviewer.Accept(r.Context(), id, req.Revision)
	if err != nil {
		respondJSON(w, statusOf(err), map[string]any{"outcome": outcome, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"outcome":       outcome,
		"face_id":       face.ID,
		"face_revision": face.Revision,
	})
}

// Reject handles POST /api/v1/suggestions/{id}/reject. Revision is the suggestion revision.
func (h *SuggestionsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req ReviewRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	outcome, err := h.reviewer.Reject(r.Context(), id, req.Revision)
	if err != nil {
		respondJSON(w, statusOf(err), map[string]any{"outcome": outcome, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

// BulkRequest is the body of POST /api/v1/suggestions/bulk.
type BulkRequest struct {
	IDs    []uuid.UUID       `json:"ids"`
	Action suggestion.Action `json:"action"`
}

// Bulk reviews many suggestions; each item reports its own outcome.
func (h *SuggestionsHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "ids is required")
		return
	}

	results, err := h.reviewer.BulkAct(r.Context(), req.IDs, req.Action)
	if err != nil && len(results) == 0 {
		respondEngineError(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("bulk review interrupted", zap.Int("reviewed", len(results)), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}
