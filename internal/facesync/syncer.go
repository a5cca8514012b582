// Package facesync projects committed face assignments into the embedding
// index and repairs the index when the two drift apart.
//
// The entity store is authoritative. Every write here happens after the store
// transaction committed; a failed index write is queued as a reconcile task
// instead of failing the caller.
package facesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/metrics"
	"github.com/kozaktomas/face-engine/internal/retriever"
)

// Store is the part of the entity store the sync layer reads and queues into.
type Store interface {
	database.FaceReader
	database.FaceWriter
	database.PrototypeStore
	database.ReconcileStore
}

// Syncer propagates face payloads to the index.
type Syncer struct {
	store     Store
	index     database.EmbeddingIndex // faces collection
	centroids database.EmbeddingIndex // centroids collection
	retriever *retriever.Retriever
	logger    *zap.Logger
}

// New creates a Syncer over the faces and centroids collections. A nil
// centroids index means centroid points live in the faces index.
func New(
	store Store, faces, centroids database.EmbeddingIndex, r *retriever.Retriever, logger *zap.Logger,
) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if centroids == nil {
		centroids = faces
	}
	if r == nil {
		r = retriever.New(faces, 0, logger)
	}
	return &Syncer{store: store, index: faces, centroids: centroids, retriever: r, logger: logger}
}

// Propagate projects the committed assignment of faceIDs. personID is the
// assignment the caller committed; the stored rows win if they disagree.
func (s *Syncer) Propagate(ctx context.Context, faceIDs []uuid.UUID, personID *uuid.UUID) error {
	if len(faceIDs) == 0 {
		return nil
	}
	faces, err := s.store.GetFaces(ctx, faceIDs)
	if err != nil {
		s.logger.Error("loading faces for propagation", zap.Int("faces", len(faceIDs)), zap.Error(err))
		return s.enqueue(ctx, faceIDs, nil, fmt.Sprintf("loading faces: %v", err))
	}
	for i := range faces {
		if !samePerson(faces[i].PersonID, personID) {
			s.logger.Debug("face changed since commit, projecting stored row",
				zap.String("face_id", faces[i].ID.String()))
		}
	}
	return s.PropagateFaces(ctx, faces)
}

// PropagateBatch propagates several person assignments.
func (s *Syncer) PropagateBatch(ctx context.Context, byPerson map[uuid.UUID][]uuid.UUID) error {
	var errs []error
	for personID, faceIDs := range byPerson {
		pid := personID
		if err := s.Propagate(ctx, faceIDs, &pid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PropagateFaces projects the given committed rows. The returned error is
// non-nil only when the projection failed and could not be queued either.
func (s *Syncer) PropagateFaces(ctx context.Context, faces []database.FaceInstance) error {
	if len(faces) == 0 {
		return nil
	}
	err := s.apply(ctx, faces)
	if err == nil {
		return nil
	}

	metrics.PropagationFailures.WithLabelValues(string(database.ReconcileFacePayload)).Inc()
	ids := make([]uuid.UUID, len(faces))
	points := make([]string, len(faces))
	for i := range faces {
		ids[i] = faces[i].ID
		points[i] = faces[i].PointID
	}
	s.logger.Warn("payload propagation failed, queueing reconcile",
		zap.Strings("point_ids", points), zap.Error(err))
	return s.enqueue(ctx, ids, points, err.Error())
}

func (s *Syncer) enqueue(ctx context.Context, faceIDs []uuid.UUID, pointIDs []string, reason string) error {
	task := &database.ReconcileTask{
		Kind:     database.ReconcileFacePayload,
		FaceIDs:  faceIDs,
		PointIDs: pointIDs,
		Reason:   reason,
	}
	if err := s.store.EnqueueReconcile(ctx, task); err != nil {
		s.logger.Error("queueing reconcile task", zap.Error(err))
		return fmt.Errorf("queueing reconcile task: %w", err)
	}
	return nil
}

// payloadUpdate is one SetPayloadFields/DeletePayloadFields pair shared by
// every point with the same assignment.
type payloadUpdate struct {
	set     database.Payload
	unset   []string
	pointID []string
}

// apply writes the assignment fields of faces to their points, grouped so
// that faces sharing an assignment cost one request each.
func (s *Syncer) apply(ctx context.Context, faces []database.FaceInstance) error {
	ids := make([]uuid.UUID, len(faces))
	for i := range faces {
		ids[i] = faces[i].ID
	}
	protos, err := s.store.PrototypeFaceIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("loading prototype flags: %w", err)
	}

	groups := make(map[string]*payloadUpdate)
	var order []string
	for i := range faces {
		f := &faces[i]
		if f.PointID == "" {
			continue
		}
		expected := database.FacePayloadFor(f, protos[f.ID]).ToPayload()
		set := database.Payload{database.PayloadIsPrototype: expected[database.PayloadIsPrototype]}
		var unset []string
		for _, key := range []string{database.PayloadPersonID, database.PayloadClusterID} {
			if v, ok := expected[key]; ok {
				set[key] = v
			} else {
				unset = append(unset, key)
			}
		}

		key := groupKey(set, unset)
		g, ok := groups[key]
		if !ok {
			g = &payloadUpdate{set: set, unset: unset}
			groups[key] = g
			order = append(order, key)
		}
		g.pointID = append(g.pointID, f.PointID)
	}

	for _, key := range order {
		g := groups[key]
		if err := s.index.SetPayloadFields(ctx, g.pointID, g.set); err != nil {
			return err
		}
		if len(g.unset) > 0 {
			if err := s.index.DeletePayloadFields(ctx, g.pointID, g.unset); err != nil {
				return err
			}
		}
	}
	return nil
}

func groupKey(set database.Payload, unset []string) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + set.String(k) + ";")
	}
	b.WriteString("-" + strings.Join(unset, ","))
	return b.String()
}

func samePerson(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
