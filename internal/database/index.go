package database

import (
	"context"
	"strconv"

	"github.com/google/uuid"
)

// Face point payload keys. Every reader and writer of face payloads goes
// through these names; a reader using any other key is a bug.
const (
	PayloadAssetID        = "assetId"
	PayloadFaceInstanceID = "faceInstanceId"
	PayloadPersonID       = "personId"
	PayloadClusterID      = "clusterId"
	PayloadIsPrototype    = "isPrototype"
)

// Centroid point payload keys.
const (
	PayloadCentroidID       = "centroidId"
	PayloadModelVersion     = "modelVersion"
	PayloadAlgorithmVersion = "algorithmVersion"
	PayloadCentroidType     = "centroidType"
	PayloadClusterLabel     = "clusterLabel"
)

// Payload is the metadata attached to an index point.
type Payload map[string]any

// String returns the payload value for key as a string.
// Missing keys and nil values return "".
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case fmtStringer:
		return v.String()
	default:
		return ""
	}
}

// Bool returns the payload value for key as a bool.
func (p Payload) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Has reports whether key is present with a non-empty value.
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

type fmtStringer interface{ String() string }

// FacePayload is the typed view of a face point payload.
type FacePayload struct {
	AssetID        string
	FaceInstanceID uuid.UUID
	PersonID       *uuid.UUID
	ClusterID      string
	IsPrototype    bool
}

// ToPayload renders the payload written on upsert. Optional fields are
// omitted when unset so is-missing filters select unassigned faces.
func (f FacePayload) ToPayload() Payload {
	p := Payload{
		PayloadAssetID:        f.AssetID,
		PayloadFaceInstanceID: f.FaceInstanceID.String(),
		PayloadIsPrototype:    f.IsPrototype,
	}
	if f.PersonID != nil {
		p[PayloadPersonID] = f.PersonID.String()
	}
	if f.ClusterID != "" {
		p[PayloadClusterID] = f.ClusterID
	}
	return p
}

// FacePayloadFrom parses a payload read back from the index.
// ok is false when the canonical face instance id is missing or malformed.
func FacePayloadFrom(p Payload) (FacePayload, bool) {
	var f FacePayload
	id, err := uuid.Parse(p.String(PayloadFaceInstanceID))
	if err != nil {
		return f, false
	}
	f.FaceInstanceID = id
	f.AssetID = p.String(PayloadAssetID)
	f.ClusterID = p.String(PayloadClusterID)
	f.IsPrototype = p.Bool(PayloadIsPrototype)
	if s := p.String(PayloadPersonID); s != "" {
		if pid, err := uuid.Parse(s); err == nil {
			f.PersonID = &pid
		}
	}
	return f, true
}

// FacePayloadFor derives the expected payload of a face from its committed row.
func FacePayloadFor(face *FaceInstance, isPrototype bool) FacePayload {
	return FacePayload{
		AssetID:        face.AssetID,
		FaceInstanceID: face.ID,
		PersonID:       face.PersonID,
		ClusterID:      face.ClusterID,
		IsPrototype:    isPrototype,
	}
}

// CentroidPayload renders the payload of a centroid point.
func CentroidPayload(c *PersonCentroid) Payload {
	return Payload{
		PayloadCentroidID:       c.ID.String(),
		PayloadPersonID:         c.PersonID.String(),
		PayloadModelVersion:     c.ModelVersion,
		PayloadAlgorithmVersion: c.AlgorithmVersion,
		PayloadCentroidType:     string(c.Type),
		PayloadClusterLabel:     c.ClusterLabel,
	}
}

// Point is a vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a search hit. Score is cosine similarity.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload Payload
}

// SearchFilter restricts search candidates by payload.
type SearchFilter struct {
	Must      map[string]string // key equals value
	MustNot   map[string]string // key does not equal value
	IsMissing []string          // key absent or empty
}

// Matches reports whether a payload satisfies the filter.
func (f SearchFilter) Matches(p Payload) bool {
	for k, v := range f.Must {
		if p.String(k) != v {
			return false
		}
	}
	for k, v := range f.MustNot {
		if p.String(k) == v {
			return false
		}
	}
	for _, k := range f.IsMissing {
		if p.Has(k) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the filter has no conditions.
func (f SearchFilter) IsEmpty() bool {
	return len(f.Must) == 0 && len(f.MustNot) == 0 && len(f.IsMissing) == 0
}

// UnassignedFaces selects face points without a person.
func UnassignedFaces() SearchFilter {
	return SearchFilter{IsMissing: []string{PayloadPersonID}}
}

// EmbeddingIndex is a vector similarity index collection. It is remote,
// unreliable and non-transactional; every failure is an *IndexError.
type EmbeddingIndex interface {
	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error
	// Search returns up to limit points with similarity >= scoreThreshold, best first.
	Search(ctx context.Context, vector []float32, filter SearchFilter, limit int, scoreThreshold float64) ([]ScoredPoint, error)
	// Retrieve returns the points that exist among ids; missing ids are omitted.
	Retrieve(ctx context.Context, ids []string) ([]Point, error)
	// Get returns one point, or ErrNotFound.
	Get(ctx context.Context, id string) (*Point, error)
	// SetPayloadFields merges fields into the payload of existing points.
	SetPayloadFields(ctx context.Context, ids []string, fields Payload) error
	// DeletePayloadFields removes keys from the payload of existing points.
	DeletePayloadFields(ctx context.Context, ids []string, keys []string) error
	// Delete removes points.
	Delete(ctx context.Context, ids []string) error
	// Count returns the number of points.
	Count(ctx context.Context) (int, error)
}
