package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kozaktomas/face-engine/internal/database"
)

// ReconcileRepository queues index side effects that failed after commit.
type ReconcileRepository struct {
	pool *Pool
}

var _ database.ReconcileStore = (*ReconcileRepository)(nil)

// NewReconcileRepository creates a reconcile task repository.
func NewReconcileRepository(pool *Pool) *ReconcileRepository {
	return &ReconcileRepository{pool: pool}
}

func scanTask(r rowScanner) (database.ReconcileTask, error) {
	var (
		t            database.ReconcileTask
		kind, status string
		faceIDs      pq.StringArray
		pointIDs     pq.StringArray
	)
	err := r.Scan(&t.ID, &kind, &faceIDs, &pointIDs, &t.Reason, &t.Attempts, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return database.ReconcileTask{}, fmt.Errorf("scanning reconcile task: %w", err)
	}
	t.Kind = database.ReconcileKind(kind)
	t.Status = database.ReconcileStatus(status)
	t.PointIDs = []string(pointIDs)
	if t.FaceIDs, err = parseUUIDs(faceIDs); err != nil {
		return database.ReconcileTask{}, err
	}
	return t, nil
}

func (r *ReconcileRepository) EnqueueReconcile(ctx context.Context, t *database.ReconcileTask) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = database.ReconcilePending
	pointIDs := t.PointIDs
	if pointIDs == nil {
		pointIDs = []string{}
	}
	row, err := selectRow(ctx, r.pool.db, psql.Insert("reconcile_tasks").
		Columns("id", "kind", "face_ids", "point_ids", "reason", "status").
		Values(t.ID, string(t.Kind), pq.Array(uuidStrings(t.FaceIDs)), pq.Array(pointIDs), t.Reason, string(t.Status)).
		Suffix("RETURNING created_at, updated_at"))
	if err != nil {
		return err
	}
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("enqueueing reconcile task: %w", err)
	}
	return nil
}

func (r *ReconcileRepository) ListPendingReconcile(ctx context.Context, limit int) ([]database.ReconcileTask, error) {
	b := psql.Select("id", "kind", "face_ids", "point_ids", "reason", "attempts", "status", "created_at", "updated_at").
		From("reconcile_tasks").
		Where(sq.Eq{"status": string(database.ReconcilePending)}).
		OrderBy("created_at", "id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := selectRows(ctx, r.pool.db, b)
	if err != nil {
		return nil, fmt.Errorf("listing reconcile tasks: %w", err)
	}
	return collect(rows, scanTask)
}

func (r *ReconcileRepository) CompleteReconcile(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, psql.Update("reconcile_tasks").
		Set("status", string(database.ReconcileDone)).
		Set("updated_at", sq.Expr("NOW()")))
}

func (r *ReconcileRepository) FailReconcile(ctx context.Context, id uuid.UUID, reason string) error {
	return r.update(ctx, id, psql.Update("reconcile_tasks").
		Set("attempts", sq.Expr("attempts + 1")).
		Set("reason", reason).
		Set("updated_at", sq.Expr("NOW()")))
}

func (r *ReconcileRepository) update(ctx context.Context, id uuid.UUID, b sq.UpdateBuilder) error {
	n, err := execute(ctx, r.pool.db, b.Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("updating reconcile task %s: %w", id, err)
	}
	if n == 0 {
		return database.NewNotFound("reconcile task", id)
	}
	return nil
}
