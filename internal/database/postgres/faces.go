package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kozaktomas/face-engine/internal/database"
)

var faceColumns = []string{
	"id", "asset_id", "bbox", "det_score", "point_id", "person_id", "cluster_id",
	"revision", "created_at", "updated_at",
}

// FaceRepository stores face instances. Embeddings live in the index.
type FaceRepository struct {
	pool *Pool
}

var _ database.FaceWriter = (*FaceRepository)(nil)

// NewFaceRepository creates a face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	return &FaceRepository{pool: pool}
}

func scanFace(r rowScanner) (database.FaceInstance, error) {
	var (
		f        database.FaceInstance
		bbox     pq.Float64Array
		personID uuid.NullUUID
	)
	err := r.Scan(&f.ID, &f.AssetID, &bbox, &f.DetScore, &f.PointID, &personID, &f.ClusterID,
		&f.Revision, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return database.FaceInstance{}, err
	}
	if len(bbox) == 4 {
		f.BBox = database.BBox{X: bbox[0], Y: bbox[1], W: bbox[2], H: bbox[3]}
	}
	f.PersonID = uuidPtr(personID)
	return f, nil
}

func bboxArray(b database.BBox) pq.Float64Array {
	return pq.Float64Array{b.X, b.Y, b.W, b.H}
}

func (r *FaceRepository) GetFace(ctx context.Context, id uuid.UUID) (*database.FaceInstance, error) {
	row, err := selectRow(ctx, r.pool.db, psql.Select(faceColumns...).From("face_instances").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	f, err := scanFace(row)
	if err != nil {
		return nil, notFoundOr(err, "face", id)
	}
	return &f, nil
}

func (r *FaceRepository) GetFaces(ctx context.Context, ids []uuid.UUID) ([]database.FaceInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := selectRows(ctx, r.pool.db, psql.Select(faceColumns...).
		From("face_instances").
		Where("id = ANY(?::uuid[])", pq.Array(uuidStrings(ids))))
	if err != nil {
		return nil, fmt.Errorf("loading faces: %w", err)
	}
	return collect(rows, scanFace)
}

// faceFilter turns a FaceFilter into WHERE clauses. Limit and ordering are
// left to the caller.
func faceFilter(filter database.FaceFilter) sq.And {
	where := sq.And{}
	if filter.PersonID != nil {
		where = append(where, sq.Eq{"person_id": *filter.PersonID})
	}
	if filter.ClusterID != "" {
		where = append(where, sq.Eq{"cluster_id": filter.ClusterID})
	}
	if filter.Unassigned {
		where = append(where, sq.Eq{"person_id": nil})
	}
	if filter.Assigned {
		where = append(where, sq.NotEq{"person_id": nil})
	}
	if filter.AssetID != "" {
		where = append(where, sq.Eq{"asset_id": filter.AssetID})
	}
	if filter.AfterID != nil {
		where = append(where, sq.Gt{"id": *filter.AfterID})
	}
	return where
}

// ListFaces pages by id, so AfterID gives stable keyset pagination.
func (r *FaceRepository) ListFaces(ctx context.Context, filter database.FaceFilter) ([]database.FaceInstance, error) {
	b := psql.Select(faceColumns...).From("face_instances").Where(faceFilter(filter)).OrderBy("id")
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	rows, err := selectRows(ctx, r.pool.db, b)
	if err != nil {
		return nil, fmt.Errorf("listing faces: %w", err)
	}
	return collect(rows, scanFace)
}

func (r *FaceRepository) CountFaces(ctx context.Context, filter database.FaceFilter) (int, error) {
	row, err := selectRow(ctx, r.pool.db, psql.Select("COUNT(*)").From("face_instances").Where(faceFilter(filter)))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting faces: %w", err)
	}
	return n, nil
}

// CreateFaces inserts all faces in one transaction. Preset ids and point ids
// are kept, so index points written beforehand stay addressable.
func (r *FaceRepository) CreateFaces(ctx context.Context, faces []database.FaceInstance) error {
	if len(faces) == 0 {
		return nil
	}
	return r.pool.withTx(ctx, func(tx *sql.Tx) error {
		for i := range faces {
			f := &faces[i]
			if f.ID == uuid.Nil {
				f.ID = uuid.New()
			}
			if f.PointID == "" {
				f.PointID = f.ID.String()
			}
			row, err := selectRow(ctx, tx, psql.Insert("face_instances").
				Columns("id", "asset_id", "bbox", "det_score", "point_id", "person_id", "cluster_id").
				Values(f.ID, f.AssetID, bboxArray(f.BBox), f.DetScore, f.PointID, nullUUID(f.PersonID), f.ClusterID).
				Suffix("RETURNING revision, created_at, updated_at"))
			if err != nil {
				return err
			}
			if err := row.Scan(&f.Revision, &f.CreatedAt, &f.UpdatedAt); err != nil {
				if isUniqueViolation(err) {
					return database.NewConflict("face", f.ID, 0)
				}
				return fmt.Errorf("inserting face %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

func (r *FaceRepository) ApplyAssignments(
	ctx context.Context, assignments []database.FaceAssignment,
) ([]database.FaceInstance, error) {
	var out []database.FaceInstance
	err := r.pool.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = applyAssignments(ctx, tx, assignments)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyAssignments updates each face only at its expected revision. The
// first miss aborts; the caller's transaction rolls everything back.
func applyAssignments(
	ctx context.Context, q querier, assignments []database.FaceAssignment,
) ([]database.FaceInstance, error) {
	out := make([]database.FaceInstance, 0, len(assignments))
	for _, a := range assignments {
		f, err := assignFace(ctx, q, a.FaceID, a.ExpectedRevision, a.PersonID, a.ClusterID)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, nil
}

func assignFace(
	ctx context.Context, q querier, id uuid.UUID, expectedRevision int64, personID *uuid.UUID, clusterID string,
) (*database.FaceInstance, error) {
	row, err := selectRow(ctx, q, psql.Update("face_instances").
		Set("person_id", nullUUID(personID)).
		Set("cluster_id", clusterID).
		Set("revision", sq.Expr("revision + 1")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "revision": expectedRevision}).
		Suffix("RETURNING "+joinColumns(faceColumns)))
	if err != nil {
		return nil, err
	}
	f, err := scanFace(row)
	if err == nil {
		return &f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if personID != nil && isForeignKeyViolation(err) {
			return nil, database.NewNotFound("person", *personID)
		}
		return nil, fmt.Errorf("assigning face %s: %w", id, err)
	}
	return nil, missingOrConflict(ctx, q, "face_instances", "face", id, expectedRevision)
}
