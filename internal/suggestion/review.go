package suggestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/metrics"
)

// Outcome is the result of reviewing one suggestion.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeConflict Outcome = "conflict"
	OutcomeNotFound Outcome = "not_found"
	OutcomeFailed   Outcome = "failed"
)

// Action is a bulk review decision.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// ItemResult is the outcome for one suggestion of a bulk review.
type ItemResult struct {
	SuggestionID uuid.UUID `json:"suggestion_id"`
	Outcome      Outcome   `json:"outcome"`
	Error        string    `json:"error,omitempty"`
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, database.ErrConflict):
		return OutcomeConflict
	case errors.Is(err, database.ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeFailed
	}
}

// Accept assigns the suggested person to the face. expectedFaceRevision is
// the face revision the reviewer saw; 0 uses the revision read here. Any
// concurrent change to the face or the suggestion yields OutcomeConflict and
// an error matching database.ErrConflict.
func (e *Engine) Accept(
	ctx context.Context, suggestionID uuid.UUID, expectedFaceRevision int64,
) (Outcome, *database.FaceInstance, error) {
	s, err := e.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return outcomeOf(err), nil, err
	}
	if s.Status != database.SuggestionPending {
		metrics.Conflicts.WithLabelValues("suggestion").Inc()
		return OutcomeConflict, nil, database.NewConflict("suggestion", s.ID, s.Revision)
	}
	face, err := e.store.GetFace(ctx, s.FaceID)
	if err != nil {
		return outcomeOf(err), nil, err
	}
	if expectedFaceRevision == 0 {
		expectedFaceRevision = face.Revision
	}

	updated, err := e.store.AcceptSuggestion(ctx, database.AcceptRequest{
		SuggestionID:       s.ID,
		SuggestionRevision: s.Revision,
		FaceID:             face.ID,
		FaceRevision:       expectedFaceRevision,
		PersonID:           s.PersonID,
	})
	if err != nil {
		var ce *database.ConflictError
		if errors.As(err, &ce) {
			metrics.Conflicts.WithLabelValues(ce.Entity).Inc()
		}
		return outcomeOf(err), nil, fmt.Errorf("accepting suggestion %s: %w", s.ID, err)
	}

	e.logger.Info("suggestion accepted",
		zap.String("suggestion_id", s.ID.String()),
		zap.String("face_id", face.ID.String()),
		zap.String("person_id", s.PersonID.String()))

	pid := s.PersonID
	if err := e.sync.Propagate(ctx, []uuid.UUID{updated.ID}, &pid); err != nil {
		e.logger.Error("propagating accepted suggestion", zap.String("face_id", updated.ID.String()), zap.Error(err))
	}
	return OutcomeAccepted, updated, nil
}

// Reject marks a pending suggestion rejected. expectedRevision 0 uses the
// revision read here.
func (e *Engine) Reject(ctx context.Context, suggestionID uuid.UUID, expectedRevision int64) (Outcome, error) {
	if expectedRevision == 0 {
		s, err := e.store.GetSuggestion(ctx, suggestionID)
		if err != nil {
			return outcomeOf(err), err
		}
		expectedRevision = s.Revision
	}
	if _, err := e.store.SetSuggestionStatus(ctx, suggestionID, expectedRevision, database.SuggestionRejected); err != nil {
		if errors.Is(err, database.ErrConflict) {
			metrics.Conflicts.WithLabelValues("suggestion").Inc()
		}
		return outcomeOf(err), fmt.Errorf("rejecting suggestion %s: %w", suggestionID, err)
	}
	return OutcomeRejected, nil
}

// BulkAct reviews each suggestion independently; one item's conflict or
// failure never stops the others.
func (e *Engine) BulkAct(ctx context.Context, ids []uuid.UUID, action Action) ([]ItemResult, error) {
	if action != ActionAccept && action != ActionReject {
		return nil, &database.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}
	out := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		var (
			outcome Outcome
			err     error
		)
		if action == ActionAccept {
			outcome, _, err = e.Accept(ctx, id, 0)
		} else {
			outcome, err = e.Reject(ctx, id, 0)
		}
		item := ItemResult{SuggestionID: id, Outcome: outcome}
		if err != nil {
			item.Error = err.Error()
		}
		out = append(out, item)
	}
	return out, nil
}

// ExpireStale expires pending suggestions whose face has been assigned since,
// and, with olderThan > 0, those pending longer than olderThan.
func (e *Engine) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var before time.Time
	if olderThan > 0 {
		before = time.Now().Add(-olderThan)
	}
	n, err := e.store.ExpireSuggestions(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("expiring suggestions: %w", err)
	}
	if n > 0 {
		e.logger.Info("suggestions expired", zap.Int("count", n))
	}
	return n, nil
}
