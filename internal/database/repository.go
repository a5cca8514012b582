package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PersonReader provides read-only access to persons.
type PersonReader interface {
	// GetPerson returns a person by id, or ErrNotFound.
	GetPerson(ctx context.Context, id uuid.UUID) (*Person, error)
	// FindPersonByName matches names normalized by facematch.NormalizePersonName.
	FindPersonByName(ctx context.Context, name string) (*Person, error)
	// ListPersons returns persons with one of the given statuses (all when empty).
	ListPersons(ctx context.Context, statuses ...PersonStatus) ([]Person, error)
}

// PersonWriter provides write access to persons.
type PersonWriter interface {
	PersonReader

	// CreatePerson inserts a person. ID is generated when zero; Revision starts at 1.
	CreatePerson(ctx context.Context, p *Person) error
	// CreatePersonWithFaces inserts a person and applies the face assignments
	// in one transaction. Any revision mismatch aborts the whole call.
	CreatePersonWithFaces(ctx context.Context, p *Person, assignments []FaceAssignment) ([]FaceInstance, error)
}

// FaceReader provides read-only access to face instances.
type FaceReader interface {
	// GetFace returns a face by id, or ErrNotFound.
	GetFace(ctx context.Context, id uuid.UUID) (*FaceInstance, error)
	// GetFaces returns the faces that exist among ids, in no particular order.
	GetFaces(ctx context.Context, ids []uuid.UUID) ([]FaceInstance, error)
	// ListFaces returns faces matching the filter ordered by id.
	ListFaces(ctx context.Context, filter FaceFilter) ([]FaceInstance, error)
	// CountFaces returns the number of faces matching the filter.
	CountFaces(ctx context.Context, filter FaceFilter) (int, error)
}

// FaceWriter provides write access to face instances.
type FaceWriter interface {
	FaceReader

	// CreateFaces inserts detected faces. IDs are generated when zero.
	CreateFaces(ctx context.Context, faces []FaceInstance) error
	// ApplyAssignments applies all assignments in one transaction, asserting and
	// incrementing each face revision. Any mismatch rolls back every assignment
	// and returns a ConflictError.
	ApplyAssignments(ctx context.Context, assignments []FaceAssignment) ([]FaceInstance, error)
}

// PrototypeStore manages person prototypes.
type PrototypeStore interface {
	// ListPrototypes returns the prototypes of a person, primary first.
	ListPrototypes(ctx context.Context, personID uuid.UUID) ([]PersonPrototype, error)
	// PrototypeFaceIDs returns which of faceIDs are a prototype of any person.
	PrototypeFaceIDs(ctx context.Context, faceIDs []uuid.UUID) (map[uuid.UUID]bool, error)
	// AddPrototype elevates a face. A new primary demotes the existing primary.
	AddPrototype(ctx context.Context, p *PersonPrototype) error
	// RemovePrototype drops a prototype by face.
	RemovePrototype(ctx context.Context, personID, faceID uuid.UUID) error
}

// CentroidStore manages person centroids and their lifecycle.
type CentroidStore interface {
	// GetCentroid returns a centroid by id, or ErrNotFound.
	GetCentroid(ctx context.Context, id uuid.UUID) (*PersonCentroid, error)
	// GetActiveCentroid returns the active centroid for the key, or ErrNotFound.
	GetActiveCentroid(ctx context.Context, key CentroidKey) (*PersonCentroid, error)
	// ListActiveCentroids returns active global centroids of the given versions
	// for the given persons (all persons when personIDs is empty).
	ListActiveCentroids(ctx context.Context, modelVersion, algorithmVersion string, personIDs []uuid.UUID) ([]PersonCentroid, error)
	// ListCentroids returns every centroid of a person, newest first.
	ListCentroids(ctx context.Context, personID uuid.UUID) ([]PersonCentroid, error)
	// InsertCentroid inserts a centroid in the building state.
	InsertCentroid(ctx context.Context, c *PersonCentroid) error
	// TransitionCentroid moves a centroid between states, asserting its revision.
	TransitionCentroid(ctx context.Context, id uuid.UUID, expectedRevision int64, to CentroidState) (*PersonCentroid, error)
	// PromoteCentroid deprecates every superseded active centroid and activates
	// id in one transaction. A revision mismatch or a concurrent activation in
	// the same key returns a ConflictError and changes nothing.
	PromoteCentroid(ctx context.Context, id uuid.UUID, expectedRevision int64, supersede []RevisionRef) (*PersonCentroid, error)
}

// SuggestionStore manages face suggestions.
type SuggestionStore interface {
	// GetSuggestion returns a suggestion by id, or ErrNotFound.
	GetSuggestion(ctx context.Context, id uuid.UUID) (*FaceSuggestion, error)
	// ListSuggestions returns suggestions matching the filter, newest first.
	ListSuggestions(ctx context.Context, filter SuggestionFilter) ([]FaceSuggestion, error)
	// CreateSuggestions inserts pending suggestions, skipping pairs that already
	// have a pending suggestion. Returns the inserted ones.
	CreateSuggestions(ctx context.Context, suggestions []FaceSuggestion) ([]FaceSuggestion, error)
	// AcceptSuggestion assigns the face, marks the suggestion accepted and
	// expires other pending suggestions for the face in one transaction.
	// Face and suggestion revisions are asserted; a mismatch is a ConflictError.
	AcceptSuggestion(ctx context.Context, req AcceptRequest) (*FaceInstance, error)
	// SetSuggestionStatus moves a pending suggestion to rejected or expired.
	SetSuggestionStatus(ctx context.Context, id uuid.UUID, expectedRevision int64, to SuggestionStatus) (*FaceSuggestion, error)
	// ExpireSuggestions expires pending suggestions created before the cutoff
	// or whose face is already assigned. Returns the number expired.
	ExpireSuggestions(ctx context.Context, createdBefore time.Time) (int, error)
}

// ReconcileStore queues failed index side effects.
type ReconcileStore interface {
	// EnqueueReconcile records a pending task.
	EnqueueReconcile(ctx context.Context, t *ReconcileTask) error
	// ListPendingReconcile returns up to limit pending tasks, oldest first.
	ListPendingReconcile(ctx context.Context, limit int) ([]ReconcileTask, error)
	// CompleteReconcile marks a task done.
	CompleteReconcile(ctx context.Context, id uuid.UUID) error
	// FailReconcile increments the attempt counter and stores the latest reason.
	FailReconcile(ctx context.Context, id uuid.UUID, reason string) error
}

// Store is the full Entity Store.
type Store interface {
	PersonWriter
	FaceWriter
	PrototypeStore
	CentroidStore
	SuggestionStore
	ReconcileStore
}
