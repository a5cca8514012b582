// Package centroid builds person centroids and moves them through their
// lifecycle. A new centroid is built beside the active one and promoted in a
// single transaction, so a person never loses its active centroid.
package centroid

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/facematch"
	"github.com/kozaktomas/face-engine/internal/metrics"
	"github.com/kozaktomas/face-engine/internal/retriever"
)

// Outcome describes how a build ended.
type Outcome string

const (
	OutcomePromoted     Outcome = "promoted"
	OutcomeSkipped      Outcome = "skipped"      // active centroid already matches the source faces
	OutcomeInsufficient Outcome = "insufficient" // fewer source faces than the minimum
	OutcomeFailed       Outcome = "failed"
	OutcomeLostRace     Outcome = "lost_race" // a concurrent build was promoted first
)

// Options are the manager-wide build settings.
type Options struct {
	ModelVersion     string
	AlgorithmVersion string
	MinFaces         int
	TrimFraction     float64
}

// Validate rejects out-of-range options.
func (o Options) Validate() error {
	if o.ModelVersion == "" || o.AlgorithmVersion == "" {
		return &database.ValidationError{Field: "version", Reason: "model and algorithm versions are required"}
	}
	if o.MinFaces < 1 {
		return &database.ValidationError{Field: "min_faces", Reason: "must be at least 1"}
	}
	if o.TrimFraction < 0 || o.TrimFraction >= 1 {
		return &database.ValidationError{Field: "trim_fraction", Reason: "must be in [0, 1)"}
	}
	return nil
}

// BuildOptions select which centroid of a person to build.
type BuildOptions struct {
	Force        bool // rebuild even when the source faces are unchanged
	Type         database.CentroidType
	ClusterLabel string // source faces are restricted to this cluster for cluster centroids
}

// BuildResult reports a build.
type BuildResult struct {
	Outcome     Outcome                  `json:"outcome"`
	Centroid    *database.PersonCentroid `json:"centroid,omitempty"` // the active centroid after the build
	SourceFaces int                      `json:"source_faces"`
	Trimmed     int                      `json:"trimmed"`
	Superseded  []uuid.UUID              `json:"superseded,omitempty"`
}

// Store is the part of the entity store the manager needs.
type Store interface {
	database.PersonReader
	database.FaceReader
	database.CentroidStore
}

// PointRemover deletes superseded centroid points after promotion.
type PointRemover interface {
	RemoveCentroidPoints(ctx context.Context, pointIDs []string) error
}

// Manager builds and promotes centroids.
type Manager struct {
	store     Store
	faces     *retriever.Retriever
	centroids database.EmbeddingIndex
	remover   PointRemover
	opts      Options
	logger    *zap.Logger
}

// New creates a Manager. faces reads source embeddings; centroids receives
// the built vectors.
func New(
	store Store, faces *retriever.Retriever, centroids database.EmbeddingIndex,
	remover PointRemover, opts Options, logger *zap.Logger,
) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		faces:     faces,
		centroids: centroids,
		remover:   remover,
		opts:      opts,
		logger:    logger,
	}, nil
}

func (m *Manager) key(personID uuid.UUID, bo BuildOptions) database.CentroidKey {
	t := bo.Type
	if t == "" {
		t = database.CentroidGlobal
	}
	return database.CentroidKey{
		PersonID:         personID,
		ModelVersion:     m.opts.ModelVersion,
		AlgorithmVersion: m.opts.AlgorithmVersion,
		Type:             t,
		ClusterLabel:     bo.ClusterLabel,
	}
}

// sourceFaces lists the faces a centroid of key is built from.
func (m *Manager) sourceFaces(ctx context.Context, key database.CentroidKey) ([]database.FaceInstance, error) {
	pid := key.PersonID
	filter := database.FaceFilter{PersonID: &pid, Limit: 1000}
	if key.Type == database.CentroidCluster {
		filter.ClusterID = key.ClusterLabel
	}
	var out []database.FaceInstance
	for {
		page, err := m.store.ListFaces(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("listing source faces: %w", err)
		}
		out = append(out, page...)
		if len(page) < filter.Limit {
			return out, nil
		}
		last := page[len(page)-1].ID
		filter.AfterID = &last
	}
}

func faceIDStrings(faces []database.FaceInstance) []string {
	ids := make([]string, len(faces))
	for i := range faces {
		ids[i] = faces[i].ID.String()
	}
	return ids
}

// Build computes a fresh centroid for a person and promotes it.
//
// Losing a promotion race to a concurrent build is not an error: the new row
// is deprecated and the winner is returned with OutcomeLostRace. A failed
// index write marks the new row failed, keeps the previous active centroid
// and returns an ExternalStoreUnavailable error.
func (m *Manager) Build(ctx context.Context, personID uuid.UUID, bo BuildOptions) (*BuildResult, error) {
	if _, err := m.store.GetPerson(ctx, personID); err != nil {
		return nil, err
	}
	key := m.key(personID, bo)
	log := m.logger.With(zap.String("person_id", personID.String()), zap.String("centroid_type", string(key.Type)))

	faces, err := m.sourceFaces(ctx, key)
	if err != nil {
		return nil, err
	}
	pointIDs := make([]string, len(faces))
	for i := range faces {
		pointIDs[i] = faces[i].PointID
	}
	vectors, err := m.faces.GetMany(ctx, pointIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieving source embeddings: %w", err)
	}

	var source [][]float32
	for _, id := range pointIDs {
		if v, ok := vectors[id]; ok {
			source = append(source, v)
		}
	}
	res := &BuildResult{SourceFaces: len(source)}
	if len(source) < m.opts.MinFaces {
		res.Outcome = OutcomeInsufficient
		metrics.CentroidBuilds.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}

	robust := facematch.ComputeRobustCentroid(source, m.opts.TrimFraction)
	res.Trimmed = len(robust.Trimmed)
	hash := facematch.SourceHash(faceIDStrings(faces))

	active, err := m.store.GetActiveCentroid(ctx, key)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("loading active centroid: %w", err)
	}
	if active != nil && !bo.Force && active.SourceHash == hash {
		res.Outcome = OutcomeSkipped
		res.Centroid = active
		metrics.CentroidBuilds.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}

	id := uuid.New()
	row := &database.PersonCentroid{
		ID:               id,
		PersonID:         personID,
		ModelVersion:     key.ModelVersion,
		AlgorithmVersion: key.AlgorithmVersion,
		Type:             key.Type,
		ClusterLabel:     key.ClusterLabel,
		State:            database.CentroidBuilding,
		SourceFaceCount:  len(source),
		SourceHash:       hash,
		Params: database.CentroidParams{
			TrimFraction: m.opts.TrimFraction,
			MinFaces:     m.opts.MinFaces,
			TrimmedFaces: len(robust.Trimmed),
		},
		Vector:  robust.Vector,
		PointID: id.String(),
	}
	if err := m.store.InsertCentroid(ctx, row); err != nil {
		return nil, fmt.Errorf("inserting centroid: %w", err)
	}
	log = log.With(zap.String("centroid_id", row.ID.String()))

	err = m.centroids.Upsert(ctx, []database.Point{{
		ID:      row.PointID,
		Vector:  row.Vector,
		Payload: database.CentroidPayload(row),
	}})
	if err != nil {
		metrics.IndexErrors.WithLabelValues(database.OpUpsert).Inc()
		res.Outcome = OutcomeFailed
		res.Centroid = active
		metrics.CentroidBuilds.WithLabelValues(string(res.Outcome)).Inc()
		log.Warn("centroid index write failed", zap.Error(err))
		if _, terr := m.store.TransitionCentroid(ctx, row.ID, row.Revision, database.CentroidFailed); terr != nil {
			log.Error("marking centroid failed", zap.Error(terr))
			return res, errors.Join(fmt.Errorf("writing centroid point: %w", err), terr)
		}
		return res, fmt.Errorf("writing centroid point: %w", err)
	}

	var supersede []database.RevisionRef
	if active != nil {
		supersede = append(supersede, database.RevisionRef{ID: active.ID, Revision: active.Revision})
	}
	promoted, err := m.store.PromoteCentroid(ctx, row.ID, row.Revision, supersede)
	if database.IsConflict(err) {
		return m.yield(ctx, row, key, res, log)
	}
	if err != nil {
		return m.abandon(ctx, row, active, res, fmt.Errorf("promoting centroid: %w", err), log)
	}

	res.Outcome = OutcomePromoted
	res.Centroid = promoted
	metrics.CentroidBuilds.WithLabelValues(string(res.Outcome)).Inc()
	log.Info("centroid promoted", zap.Int("source_faces", len(source)), zap.Int("trimmed", res.Trimmed))

	if active != nil {
		res.Superseded = []uuid.UUID{active.ID}
		if err := m.remover.RemoveCentroidPoints(ctx, []string{active.PointID}); err != nil {
			log.Error("removing superseded centroid point", zap.Error(err))
		}
	}
	return res, nil
}

// abandon marks a row that could not be promoted failed and drops its point.
// The previous active centroid stays active.
func (m *Manager) abandon(
	ctx context.Context, row *database.PersonCentroid, active *database.PersonCentroid,
	res *BuildResult, cause error, log *zap.Logger,
) (*BuildResult, error) {
	res.Outcome = OutcomeFailed
	res.Centroid = active
	metrics.CentroidBuilds.WithLabelValues(string(res.Outcome)).Inc()
	log.Warn("centroid promotion failed", zap.Error(cause))

	errs := []error{cause}
	if _, err := m.store.TransitionCentroid(ctx, row.ID, row.Revision, database.CentroidFailed); err != nil {
		log.Error("marking centroid failed", zap.Error(err))
		errs = append(errs, err)
	}
	if err := m.remover.RemoveCentroidPoints(ctx, []string{row.PointID}); err != nil {
		log.Error("removing unpromoted centroid point", zap.Error(err))
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// yield deprecates a row that lost the promotion race and returns the winner.
func (m *Manager) yield(
	ctx context.Context, row *database.PersonCentroid, key database.CentroidKey, res *BuildResult, log *zap.Logger,
) (*BuildResult, error) {
	metrics.Conflicts.WithLabelValues("centroid").Inc()
	if _, err := m.store.TransitionCentroid(ctx, row.ID, row.Revision, database.CentroidDeprecated); err != nil {
		return nil, fmt.Errorf("deprecating centroid that lost promotion: %w", err)
	}
	if err := m.remover.RemoveCentroidPoints(ctx, []string{row.PointID}); err != nil {
		log.Error("removing losing centroid point", zap.Error(err))
	}

	winner, err := m.store.GetActiveCentroid(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading promoted centroid: %w", err)
	}
	res.Outcome = OutcomeLostRace
	res.Centroid = winner
	metrics.CentroidBuilds.WithLabelValues(string(res.Outcome)).Inc()
	log.Info("concurrent build promoted first", zap.String("winner_id", winner.ID.String()))
	return res, nil
}

// Stale reports whether the person's active centroid no longer reflects its
// assigned faces. A person without an active centroid is stale.
func (m *Manager) Stale(ctx context.Context, personID uuid.UUID, bo BuildOptions) (bool, error) {
	key := m.key(personID, bo)
	active, err := m.store.GetActiveCentroid(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading active centroid: %w", err)
	}
	faces, err := m.sourceFaces(ctx, key)
	if err != nil {
		return false, err
	}
	return facematch.SourceHash(faceIDStrings(faces)) != active.SourceHash, nil
}
