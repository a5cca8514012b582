package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/kozaktomas/face-engine/internal/database"
)

var suggestionColumns = []string{
	"id", "face_id", "person_id", "confidence", "matches", "status", "revision", "created_at", "reviewed_at",
}

// SuggestionRepository stores face suggestions and their review outcome.
type SuggestionRepository struct {
	pool *Pool
}

var _ database.SuggestionStore = (*SuggestionRepository)(nil)

// NewSuggestionRepository creates a suggestion repository.
func NewSuggestionRepository(pool *Pool) *SuggestionRepository {
	return &SuggestionRepository{pool: pool}
}

func scanSuggestion(r rowScanner) (database.FaceSuggestion, error) {
	var (
		s        database.FaceSuggestion
		matches  []byte
		status   string
		reviewed sql.NullTime
	)
	err := r.Scan(&s.ID, &s.FaceID, &s.PersonID, &s.Confidence, &matches, &status, &s.Revision,
		&s.CreatedAt, &reviewed)
	if err != nil {
		return database.FaceSuggestion{}, err
	}
	s.Status = database.SuggestionStatus(status)
	if reviewed.Valid {
		t := reviewed.Time
		s.ReviewedAt = &t
	}
	if len(matches) > 0 {
		if err := json.Unmarshal(matches, &s.Matches); err != nil {
			return database.FaceSuggestion{}, fmt.Errorf("decoding suggestion matches: %w", err)
		}
	}
	return s, nil
}

func (r *SuggestionRepository) GetSuggestion(ctx context.Context, id uuid.UUID) (*database.FaceSuggestion, error) {
	row, err := selectRow(ctx, r.pool.db, psql.Select(suggestionColumns...).
		From("face_suggestions").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	s, err := scanSuggestion(row)
	if err != nil {
		return nil, notFoundOr(err, "suggestion", id)
	}
	return &s, nil
}

func (r *SuggestionRepository) ListSuggestions(
	ctx context.Context, filter database.SuggestionFilter,
) ([]database.FaceSuggestion, error) {
	b := psql.Select(suggestionColumns...).From("face_suggestions").OrderBy("created_at DESC", "id")
	if filter.PersonID != nil {
		b = b.Where(sq.Eq{"person_id": *filter.PersonID})
	}
	if filter.FaceID != nil {
		b = b.Where(sq.Eq{"face_id": *filter.FaceID})
	}
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if !filter.CreatedBefore.IsZero() {
		b = b.Where(sq.Lt{"created_at": filter.CreatedBefore})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	rows, err := selectRows(ctx, r.pool.db, b)
	if err != nil {
		return nil, fmt.Errorf("listing suggestions: %w", err)
	}
	return collect(rows, scanSuggestion)
}

// CreateSuggestions relies on the pending-pair partial unique index to skip
// duplicates.
func (r *SuggestionRepository) CreateSuggestions(
	ctx context.Context, suggestions []database.FaceSuggestion,
) ([]database.FaceSuggestion, error) {
	var created []database.FaceSuggestion
	err := r.pool.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range suggestions {
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			matches, err := json.Marshal(s.Matches)
			if err != nil {
				return fmt.Errorf("encoding suggestion matches: %w", err)
			}
			row, err := selectRow(ctx, tx, psql.Insert("face_suggestions").
				Columns("id", "face_id", "person_id", "confidence", "matches", "status").
				Values(s.ID, s.FaceID, s.PersonID, s.Confidence, matches, string(database.SuggestionPending)).
				Suffix("ON CONFLICT (face_id, person_id) WHERE status = 'pending' DO NOTHING").
				Suffix("RETURNING "+joinColumns(suggestionColumns)))
			if err != nil {
				return err
			}
			out, err := scanSuggestion(row)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				if isForeignKeyViolation(err) {
					return &database.NotFoundError{Entity: "face or person", ID: s.FaceID.String()}
				}
				return fmt.Errorf("inserting suggestion: %w", err)
			}
			created = append(created, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AcceptSuggestion checks the face revision before the suggestion revision,
// so a face changed elsewhere reports a face conflict.
func (r *SuggestionRepository) AcceptSuggestion(
	ctx context.Context, req database.AcceptRequest,
) (*database.FaceInstance, error) {
	var face *database.FaceInstance
	err := r.pool.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM face_suggestions WHERE id = $1)", req.SuggestionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("probing suggestion: %w", err)
		}
		if !exists {
			return database.NewNotFound("suggestion", req.SuggestionID)
		}

		pid := req.PersonID
		var err error
		face, err = assignFace(ctx, tx, req.FaceID, req.FaceRevision, &pid, "")
		if err != nil {
			return err
		}

		if _, err := reviewSuggestion(ctx, tx, req.SuggestionID, req.SuggestionRevision,
			database.SuggestionAccepted); err != nil {
			return err
		}

		_, err = execute(ctx, tx, psql.Update("face_suggestions").
			Set("status", string(database.SuggestionExpired)).
			Set("revision", sq.Expr("revision + 1")).
			Set("reviewed_at", sq.Expr("NOW()")).
			Where(sq.Eq{"face_id": req.FaceID, "status": string(database.SuggestionPending)}).
			Where(sq.NotEq{"id": req.SuggestionID}))
		if err != nil {
			return fmt.Errorf("expiring sibling suggestions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return face, nil
}

func (r *SuggestionRepository) SetSuggestionStatus(
	ctx context.Context, id uuid.UUID, expectedRevision int64, to database.SuggestionStatus,
) (*database.FaceSuggestion, error) {
	if to == database.SuggestionAccepted {
		return nil, &database.ValidationError{Field: "status", Reason: "acceptance goes through AcceptSuggestion"}
	}
	if _, err := database.SuggestionPending.Transition(to); err != nil {
		return nil, err
	}
	return reviewSuggestion(ctx, r.pool.db, id, expectedRevision, to)
}

func reviewSuggestion(
	ctx context.Context, q querier, id uuid.UUID, expectedRevision int64, to database.SuggestionStatus,
) (*database.FaceSuggestion, error) {
	row, err := selectRow(ctx, q, psql.Update("face_suggestions").
		Set("status", string(to)).
		Set("revision", sq.Expr("revision + 1")).
		Set("reviewed_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "revision": expectedRevision, "status": string(database.SuggestionPending)}).
		Suffix("RETURNING "+joinColumns(suggestionColumns)))
	if err != nil {
		return nil, err
	}
	s, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missingOrConflict(ctx, q, "face_suggestions", "suggestion", id, expectedRevision)
	}
	if err != nil {
		return nil, fmt.Errorf("reviewing suggestion %s: %w", id, err)
	}
	return &s, nil
}

func (r *SuggestionRepository) ExpireSuggestions(ctx context.Context, createdBefore time.Time) (int, error) {
	stale := sq.Or{sq.Expr("EXISTS (SELECT 1 FROM face_instances f WHERE f.id = face_suggestions.face_id AND f.person_id IS NOT NULL)")}
	if !createdBefore.IsZero() {
		stale = append(stale, sq.Lt{"created_at": createdBefore})
	}
	n, err := execute(ctx, r.pool.db, psql.Update("face_suggestions").
		Set("status", string(database.SuggestionExpired)).
		Set("revision", sq.Expr("revision + 1")).
		Set("reviewed_at", sq.Expr("NOW()")).
		Where(sq.Eq{"status": string(database.SuggestionPending)}).
		Where(stale))
	if err != nil {
		return 0, fmt.Errorf("expiring suggestions: %w", err)
	}
	return int(n), nil
}
