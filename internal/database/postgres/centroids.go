package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-engine/internal/database"
)

var centroidColumns = []string{
	"id", "person_id", "model_version", "algorithm_version", "centroid_type", "cluster_label", "state",
	"source_face_count", "source_hash", "params", "vector", "point_id", "revision", "created_at", "updated_at",
}

// CentroidRepository stores person centroids and drives their state machine.
type CentroidRepository struct {
	pool *Pool
}

var _ database.CentroidStore = (*CentroidRepository)(nil)

// NewCentroidRepository creates a centroid repository.
func NewCentroidRepository(pool *Pool) *CentroidRepository {
	return &CentroidRepository{pool: pool}
}

func scanCentroid(r rowScanner) (database.PersonCentroid, error) {
	var (
		c            database.PersonCentroid
		ctype, state string
		params       []byte
		vec          pgvector.Vector
	)
	err := r.Scan(&c.ID, &c.PersonID, &c.ModelVersion, &c.AlgorithmVersion, &ctype, &c.ClusterLabel, &state,
		&c.SourceFaceCount, &c.SourceHash, &params, &vec, &c.PointID, &c.Revision, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return database.PersonCentroid{}, err
	}
	c.Type = database.CentroidType(ctype)
	c.State = database.CentroidState(state)
	c.Vector = vec.Slice()
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.Params); err != nil {
			return database.PersonCentroid{}, fmt.Errorf("decoding centroid params: %w", err)
		}
	}
	return c, nil
}

func (r *CentroidRepository) GetCentroid(ctx context.Context, id uuid.UUID) (*database.PersonCentroid, error) {
	return getCentroid(ctx, r.pool.db, id, false)
}

func getCentroid(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*database.PersonCentroid, error) {
	b := psql.Select(centroidColumns...).From("person_centroids").Where(sq.Eq{"id": id})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	row, err := selectRow(ctx, q, b)
	if err != nil {
		return nil, err
	}
	c, err := scanCentroid(row)
	if err != nil {
		return nil, notFoundOr(err, "centroid", id)
	}
	return &c, nil
}

func keyFilter(key database.CentroidKey) sq.Eq {
	return sq.Eq{
		"person_id":         key.PersonID,
		"model_version":     key.ModelVersion,
		"algorithm_version": key.AlgorithmVersion,
		"centroid_type":     string(key.Type),
		"cluster_label":     key.ClusterLabel,
	}
}

func (r *CentroidRepository) GetActiveCentroid(ctx context.Context, key database.CentroidKey) (*database.PersonCentroid, error) {
	row, err := selectRow(ctx, r.pool.db, psql.Select(centroidColumns...).
		From("person_centroids").
		Where(keyFilter(key)).
		Where(sq.Eq{"state": string(database.CentroidActive)}))
	if err != nil {
		return nil, err
	}
	c, err := scanCentroid(row)
	if err != nil {
		return nil, notFoundOr(err, "active centroid", key.PersonID)
	}
	return &c, nil
}

func (r *CentroidRepository) ListActiveCentroids(
	ctx context.Context, modelVersion, algorithmVersion string, personIDs []uuid.UUID,
) ([]database.PersonCentroid, error) {
	b := psql.Select(centroidColumns...).
		From("person_centroids").
		Where(sq.Eq{
			"state":             string(database.CentroidActive),
			"centroid_type":     string(database.CentroidGlobal),
			"model_version":     modelVersion,
			"algorithm_version": algorithmVersion,
		}).
		OrderBy("person_id")
	if len(personIDs) > 0 {
		b = b.Where("person_id = ANY(?::uuid[])", pq.Array(uuidStrings(personIDs)))
	}
	rows, err := selectRows(ctx, r.pool.db, b)
	if err != nil {
		return nil, fmt.Errorf("listing active centroids: %w", err)
	}
	return collect(rows, scanCentroid)
}

func (r *CentroidRepository) ListCentroids(ctx context.Context, personID uuid.UUID) ([]database.PersonCentroid, error) {
	rows, err := selectRows(ctx, r.pool.db, psql.Select(centroidColumns...).
		From("person_centroids").
		Where(sq.Eq{"person_id": personID}).
		OrderBy("created_at DESC", "id"))
	if err != nil {
		return nil, fmt.Errorf("listing centroids: %w", err)
	}
	return collect(rows, scanCentroid)
}

func (r *CentroidRepository) InsertCentroid(ctx context.Context, c *database.PersonCentroid) error {
	if c.State != database.CentroidBuilding {
		return &database.ValidationError{Field: "state", Reason: "new centroids must be building"}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.PointID == "" {
		c.PointID = c.ID.String()
	}
	params, err := json.Marshal(c.Params)
	if err != nil {
		return fmt.Errorf("encoding centroid params: %w", err)
	}
	row, err := selectRow(ctx, r.pool.db, psql.Insert("person_centroids").
		Columns("id", "person_id", "model_version", "algorithm_version", "centroid_type", "cluster_label",
			"state", "source_face_count", "source_hash", "params", "vector", "point_id").
		Values(c.ID, c.PersonID, c.ModelVersion, c.AlgorithmVersion, string(c.Type), c.ClusterLabel,
			string(c.State), c.SourceFaceCount, c.SourceHash, params, pgvector.NewVector(c.Vector), c.PointID).
		Suffix("RETURNING revision, created_at, updated_at"))
	if err != nil {
		return err
	}
	if err := row.Scan(&c.Revision, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return database.NewNotFound("person", c.PersonID)
		}
		return fmt.Errorf("inserting centroid: %w", err)
	}
	return nil
}

// TransitionCentroid never activates; activation is PromoteCentroid's job.
func (r *CentroidRepository) TransitionCentroid(
	ctx context.Context, id uuid.UUID, expectedRevision int64, to database.CentroidState,
) (*database.PersonCentroid, error) {
	if to == database.CentroidActive {
		return nil, &database.ValidationError{Field: "state", Reason: "activation goes through PromoteCentroid"}
	}
	var out *database.PersonCentroid
	err := r.pool.withTx(ctx, func(tx *sql.Tx) error {
		c, err := getCentroid(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if c.Revision != expectedRevision {
			return database.NewConflict("centroid", id, expectedRevision)
		}
		if _, err := c.State.Transition(to); err != nil {
			return err
		}
		out, err = setCentroidState(ctx, tx, id, expectedRevision, c.State, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PromoteCentroid deprecates the superseded rows and activates id in one
// transaction. A concurrent promotion in the same key trips the partial
// unique index and comes back as a conflict.
func (r *CentroidRepository) PromoteCentroid(
	ctx context.Context, id uuid.UUID, expectedRevision int64, supersede []database.RevisionRef,
) (*database.PersonCentroid, error) {
	var out *database.PersonCentroid
	err := r.pool.withTx(ctx, func(tx *sql.Tx) error {
		for _, ref := range supersede {
			if _, err := setCentroidState(ctx, tx, ref.ID, ref.Revision,
				database.CentroidActive, database.CentroidDeprecated); err != nil {
				return err
			}
		}
		var err error
		out, err = setCentroidState(ctx, tx, id, expectedRevision, database.CentroidBuilding, database.CentroidActive)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func setCentroidState(
	ctx context.Context, q querier, id uuid.UUID, expectedRevision int64, from, to database.CentroidState,
) (*database.PersonCentroid, error) {
	row, err := selectRow(ctx, q, psql.Update("person_centroids").
		Set("state", string(to)).
		Set("revision", sq.Expr("revision + 1")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "revision": expectedRevision, "state": string(from)}).
		Suffix("RETURNING "+joinColumns(centroidColumns)))
	if err != nil {
		return nil, err
	}
	c, err := scanCentroid(row)
	switch {
	case err == nil:
		return &c, nil
	case isUniqueViolation(err):
		return nil, database.NewConflict("centroid", id, expectedRevision)
	case errors.Is(err, sql.ErrNoRows):
		return nil, missingOrConflict(ctx, q, "person_centroids", "centroid", id, expectedRevision)
	default:
		return nil, fmt.Errorf("moving centroid %s to %s: %w", id, to, err)
	}
}
