package postgres

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kozaktomas/face-engine/internal/database"
)

// PrototypeRepository stores person prototypes.
type PrototypeRepository struct {
	pool *Pool
}

var _ database.PrototypeStore = (*PrototypeRepository)(nil)

// NewPrototypeRepository creates a prototype repository.
func NewPrototypeRepository(pool *Pool) *PrototypeRepository {
	return &PrototypeRepository{pool: pool}
}

func scanPrototype(r rowScanner) (database.PersonPrototype, error) {
	var p database.PersonPrototype
	var role string
	if err := r.Scan(&p.ID, &p.PersonID, &p.FaceID, &role, &p.CreatedAt); err != nil {
		return database.PersonPrototype{}, fmt.Errorf("scanning prototype: %w", err)
	}
	p.Role = database.PrototypeRole(role)
	return p, nil
}

func (r *PrototypeRepository) ListPrototypes(ctx context.Context, personID uuid.UUID) ([]database.PersonPrototype, error) {
	rows, err := selectRows(ctx, r.pool.db, psql.Select("id", "person_id", "face_id", "role", "created_at").
		From("person_prototypes").
		Where(sq.Eq{"person_id": personID}).
		OrderBy("(role = 'primary') DESC", "face_id"))
	if err != nil {
		return nil, fmt.Errorf("listing prototypes: %w", err)
	}
	return collect(rows, scanPrototype)
}

func (r *PrototypeRepository) PrototypeFaceIDs(ctx context.Context, faceIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool)
	if len(faceIDs) == 0 {
		return out, nil
	}
	rows, err := selectRows(ctx, r.pool.db, psql.Select("DISTINCT face_id").
		From("person_prototypes").
		Where("face_id = ANY(?::uuid[])", pq.Array(uuidStrings(faceIDs))))
	if err != nil {
		return nil, fmt.Errorf("loading prototype flags: %w", err)
	}
	ids, err := collect(rows, func(r rowScanner) (uuid.UUID, error) {
		var id uuid.UUID
		return id, r.Scan(&id)
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// AddPrototype upserts the (person, face) prototype. A new primary demotes
// the current one first so the partial unique index holds.
func (r *PrototypeRepository) AddPrototype(ctx context.Context, p *database.PersonPrototype) error {
	if p.Role == "" {
		p.Role = database.PrototypeSecondary
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.pool.withTx(ctx, func(tx *sql.Tx) error {
		if p.Role == database.PrototypePrimary {
			_, err := execute(ctx, tx, psql.Update("person_prototypes").
				Set("role", string(database.PrototypeSecondary)).
				Where(sq.Eq{"person_id": p.PersonID, "role": string(database.PrototypePrimary)}).
				Where(sq.NotEq{"face_id": p.FaceID}))
			if err != nil {
				return fmt.Errorf("demoting primary prototype: %w", err)
			}
		}
		row, err := selectRow(ctx, tx, psql.Insert("person_prototypes").
			Columns("id", "person_id", "face_id", "role").
			Values(p.ID, p.PersonID, p.FaceID, string(p.Role)).
			Suffix("ON CONFLICT (person_id, face_id) DO UPDATE SET role = EXCLUDED.role").
			Suffix("RETURNING id, created_at"))
		if err != nil {
			return err
		}
		if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
			if isForeignKeyViolation(err) {
				return &database.NotFoundError{Entity: "person or face", ID: p.FaceID.String()}
			}
			return fmt.Errorf("adding prototype: %w", err)
		}
		return nil
	})
}

func (r *PrototypeRepository) RemovePrototype(ctx context.Context, personID, faceID uuid.UUID) error {
	n, err := execute(ctx, r.pool.db, psql.Delete("person_prototypes").
		Where(sq.Eq{"person_id": personID, "face_id": faceID}))
	if err != nil {
		return fmt.Errorf("removing prototype: %w", err)
	}
	if n == 0 {
		return database.NewNotFound("prototype", faceID)
	}
	return nil
}
