package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/jobs"
)

// JobQueue is implemented by *jobs.Queue.
type JobQueue interface {
	Enqueue(ctx context.Context, t jobs.Type, params json.RawMessage) (jobs.Job, error)
	Get(id uuid.UUID) (jobs.Job, error)
	List() []jobs.Job
	Cancel(id uuid.UUID) (jobs.Job, error)
	Subscribe(id uuid.UUID) (<-chan jobs.Event, func(), error)
}

// JobsHandler handles job endpoints.
type JobsHandler struct {
	queue  JobQueue
	logger *zap.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(q JobQueue, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{queue: q, logger: logger}
}

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	Type   jobs.Type       `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Create enqueues a job.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "type is required")
		return
	}

	job, err := h.queue.Enqueue(r.Context(), req.Type, req.Params)
	switch {
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Info("job rejected", zap.String("type", sanitizeForLog(string(req.Type))), zap.Error(err))
		respondEngineError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID.String())
	respondJSON(w, http.StatusAccepted, job)
}

// List returns every known job.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"jobs": h.queue.List()})
}

// Get returns one job.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	job, err := h.queue.Get(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// Cancel cancels a pending or running job.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	job, err := h.queue.Cancel(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// Events streams job events as server-sent events until the job ends.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	job, err := h.queue.Get(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, release, err := h.queue.Subscribe(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	sendSSEEvent(w, flusher, "status", job)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, ev.Type, ev)
		}
	}
}
