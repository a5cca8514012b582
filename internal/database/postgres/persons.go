package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/facematch"
)

var personColumns = []string{"id", "name", "status", "revision", "created_at", "updated_at"}

// PersonRepository stores persons.
type PersonRepository struct {
	pool *Pool
}

var _ database.PersonWriter = (*PersonRepository)(nil)

// NewPersonRepository creates a person repository.
func NewPersonRepository(pool *Pool) *PersonRepository {
	return &PersonRepository{pool: pool}
}

func scanPerson(r rowScanner) (database.Person, error) {
	var p database.Person
	var status string
	if err := r.Scan(&p.ID, &p.Name, &status, &p.Revision, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return database.Person{}, err
	}
	p.Status = database.PersonStatus(status)
	return p, nil
}

func (r *PersonRepository) GetPerson(ctx context.Context, id uuid.UUID) (*database.Person, error) {
	row, err := selectRow(ctx, r.pool.db, psql.Select(personColumns...).From("persons").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	p, err := scanPerson(row)
	if err != nil {
		return nil, notFoundOr(err, "person", id)
	}
	return &p, nil
}

// FindPersonByName compares against the name normalized on write.
func (r *PersonRepository) FindPersonByName(ctx context.Context, name string) (*database.Person, error) {
	normalized := facematch.NormalizePersonName(name)
	if normalized == "" {
		return nil, &database.NotFoundError{Entity: "person", ID: name}
	}
	row, err := selectRow(ctx, r.pool.db, psql.Select(personColumns...).
		From("persons").
		Where(sq.Eq{"normalized_name": normalized}).
		OrderBy("created_at", "id").
		Limit(1))
	if err != nil {
		return nil, err
	}
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &database.NotFoundError{Entity: "person", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("finding person %q: %w", name, err)
	}
	return &p, nil
}

func (r *PersonRepository) ListPersons(ctx context.Context, statuses ...database.PersonStatus) ([]database.Person, error) {
	b := psql.Select(personColumns...).From("persons").OrderBy("id")
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		b = b.Where(sq.Eq{"status": values})
	}
	rows, err := selectRows(ctx, r.pool.db, b)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}
	return collect(rows, scanPerson)
}

func (r *PersonRepository) CreatePerson(ctx context.Context, p *database.Person) error {
	return insertPerson(ctx, r.pool.db, p)
}

// CreatePersonWithFaces inserts the person and assigns every face to it in
// one transaction.
func (r *PersonRepository) CreatePersonWithFaces(
	ctx context.Context, p *database.Person, assignments []database.FaceAssignment,
) ([]database.FaceInstance, error) {
	var out []database.FaceInstance
	err := r.pool.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertPerson(ctx, tx, p); err != nil {
			return err
		}
		pid := p.ID
		for i := range assignments {
			assignments[i].PersonID = &pid
		}
		var err error
		out, err = applyAssignments(ctx, tx, assignments)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertPerson(ctx context.Context, q querier, p *database.Person) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = database.PersonNamed
	}
	if !p.Status.Valid() {
		return &database.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown person status %q", p.Status)}
	}
	row, err := selectRow(ctx, q, psql.Insert("persons").
		Columns("id", "name", "normalized_name", "status").
		Values(p.ID, p.Name, facematch.NormalizePersonName(p.Name), string(p.Status)).
		Suffix("RETURNING revision, created_at, updated_at"))
	if err != nil {
		return err
	}
	if err := row.Scan(&p.Revision, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("inserting person: %w", err)
	}
	return nil
}
