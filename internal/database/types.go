package database

import (
	"time"

	"github.com/google/uuid"
)

// PersonStatus classifies an identity.
type PersonStatus string

const (
	PersonNamed        PersonStatus = "named"
	PersonUnnamedGroup PersonStatus = "unnamed_group"
	PersonUnclustered  PersonStatus = "unclustered"
)

// Valid reports whether s is a known person status.
func (s PersonStatus) Valid() bool {
	switch s {
	case PersonNamed, PersonUnnamedGroup, PersonUnclustered:
		return true
	}
	return false
}

// Person is a named or unnamed identity that owns faces, prototypes and centroids.
type Person struct {
	ID        uuid.UUID
	Name      string // empty for unnamed groups
	Status    PersonStatus
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BBox is a face bounding box in relative image coordinates [0, 1].
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FaceInstance is one detected face.
type FaceInstance struct {
	ID        uuid.UUID
	AssetID   string
	BBox      BBox
	DetScore  float64
	PointID   string     // key of the face point in the embedding index
	PersonID  *uuid.UUID // nil when unassigned
	ClusterID string     // provisional cluster, empty when none
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Assigned reports whether the face belongs to a person.
func (f *FaceInstance) Assigned() bool {
	return f.PersonID != nil
}

// FaceAssignment is a revision-checked change of a face's person and cluster.
// A nil PersonID and empty ClusterID clears both.
type FaceAssignment struct {
	FaceID           uuid.UUID
	ExpectedRevision int64
	PersonID         *uuid.UUID
	ClusterID        string
}

// FaceFilter selects faces for listing. Zero values do not filter.
type FaceFilter struct {
	PersonID   *uuid.UUID
	ClusterID  string
	Unassigned bool // person_id IS NULL
	Assigned   bool // person_id IS NOT NULL
	AssetID    string
	AfterID    *uuid.UUID // keyset pagination, ordered by id
	Limit      int
}

// PrototypeRole tags how representative a prototype is.
type PrototypeRole string

const (
	PrototypePrimary   PrototypeRole = "primary"
	PrototypeSecondary PrototypeRole = "secondary"
)

// PersonPrototype elevates a face to a representative of its person.
type PersonPrototype struct {
	ID        uuid.UUID
	PersonID  uuid.UUID
	FaceID    uuid.UUID
	Role      PrototypeRole
	CreatedAt time.Time
}

// CentroidType distinguishes a whole-identity centroid from a per-cluster one.
type CentroidType string

const (
	CentroidGlobal  CentroidType = "global"
	CentroidCluster CentroidType = "cluster"
)

// CentroidParams records how a centroid was built.
type CentroidParams struct {
	TrimFraction float64 `json:"trim_fraction"`
	MinFaces     int     `json:"min_faces"`
	TrimmedFaces int     `json:"trimmed_faces"`
}

// CentroidKey identifies the slot that may hold at most one active centroid.
type CentroidKey struct {
	PersonID         uuid.UUID
	ModelVersion     string
	AlgorithmVersion string
	Type             CentroidType
	ClusterLabel     string
}

// PersonCentroid is a computed representative embedding for a person.
type PersonCentroid struct {
	ID               uuid.UUID
	PersonID         uuid.UUID
	ModelVersion     string
	AlgorithmVersion string
	Type             CentroidType
	ClusterLabel     string
	State            CentroidState
	SourceFaceCount  int
	SourceHash       string
	Params           CentroidParams
	Vector           []float32
	PointID          string
	Revision         int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Key returns the uniqueness slot of the centroid.
func (c *PersonCentroid) Key() CentroidKey {
	return CentroidKey{
		PersonID:         c.PersonID,
		ModelVersion:     c.ModelVersion,
		AlgorithmVersion: c.AlgorithmVersion,
		Type:             c.Type,
		ClusterLabel:     c.ClusterLabel,
	}
}

// RevisionRef names a row together with the revision the caller read.
type RevisionRef struct {
	ID       uuid.UUID
	Revision int64
}

// MatchSource names the kind of representative a suggestion score came from.
type MatchSource string

const (
	MatchPrototype MatchSource = "prototype"
	MatchCentroid  MatchSource = "centroid"
)

// SuggestionMatch is one representative's contribution to a suggestion.
type SuggestionMatch struct {
	Source   MatchSource `json:"source"`
	SourceID uuid.UUID   `json:"source_id"`
	Score    float64     `json:"score"`
	Weight   float64     `json:"weight"`
}

// FaceSuggestion proposes assigning a face to a person.
type FaceSuggestion struct {
	ID         uuid.UUID
	FaceID     uuid.UUID
	PersonID   uuid.UUID
	Confidence float64
	Matches    []SuggestionMatch
	Status     SuggestionStatus
	Revision   int64
	CreatedAt  time.Time
	ReviewedAt *time.Time
}

// SuggestionFilter selects suggestions for listing. Zero values do not filter.
type SuggestionFilter struct {
	PersonID      *uuid.UUID
	FaceID        *uuid.UUID
	Status        SuggestionStatus
	CreatedBefore time.Time
	Limit         int
}

// AcceptRequest carries everything the store needs to accept a suggestion.
type AcceptRequest struct {
	SuggestionID       uuid.UUID
	SuggestionRevision int64
	FaceID             uuid.UUID
	FaceRevision       int64
	PersonID           uuid.UUID
}

// ReconcileKind names what a reconcile task repairs.
type ReconcileKind string

const (
	ReconcileFacePayload   ReconcileKind = "face_payload"
	ReconcileCentroidPoint ReconcileKind = "centroid_point"
)

// ReconcileStatus is the status of a reconcile task.
type ReconcileStatus string

const (
	ReconcilePending ReconcileStatus = "pending"
	ReconcileDone    ReconcileStatus = "done"
)

// ReconcileTask records a failed index side effect to be replayed.
type ReconcileTask struct {
	ID        uuid.UUID
	Kind      ReconcileKind
	FaceIDs   []uuid.UUID
	PointIDs  []string
	Reason    string
	Attempts  int
	Status    ReconcileStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
