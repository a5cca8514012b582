package facesync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/facematch"
	"github.com/kozaktomas/face-engine/internal/metrics"
)

// DuplicateIoU is the overlap above which a detection is treated as a face
// already recorded on the same asset.
const DuplicateIoU = 0.5

// Detection is a face found by an upstream detector, embedding included.
type Detection struct {
	AssetID  string
	BBox     database.BBox
	DetScore float64
	Vector   []float32
}

// IngestResult reports what RegisterDetections did.
type IngestResult struct {
	Created    []database.FaceInstance
	Duplicates int
}

// RegisterDetections records new detections. Points are written to the index
// first so that every committed face row has an embedding; a failed index
// write leaves the store untouched.
func (s *Syncer) RegisterDetections(ctx context.Context, detections []Detection) (*IngestResult, error) {
	res := &IngestResult{}
	known := make(map[string][]database.BBox)

	var faces []database.FaceInstance
	var points []database.Point
	for i, d := range detections {
		if d.AssetID == "" {
			return nil, &database.ValidationError{Field: fmt.Sprintf("detections[%d].asset_id", i), Reason: "required"}
		}
		if err := facematch.ValidateBBox(d.BBox); err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		if len(d.Vector) == 0 {
			return nil, &database.ValidationError{Field: fmt.Sprintf("detections[%d].vector", i), Reason: "empty embedding"}
		}

		boxes, ok := known[d.AssetID]
		if !ok {
			existing, err := s.store.ListFaces(ctx, database.FaceFilter{AssetID: d.AssetID})
			if err != nil {
				return nil, fmt.Errorf("listing faces of asset %s: %w", d.AssetID, err)
			}
			for _, f := range existing {
				boxes = append(boxes, f.BBox)
			}
		}
		if facematch.OverlapsAny(d.BBox, boxes, DuplicateIoU) >= 0 {
			res.Duplicates++
			known[d.AssetID] = boxes
			continue
		}
		known[d.AssetID] = append(boxes, d.BBox)

		face := database.FaceInstance{
			ID:       uuid.New(),
			AssetID:  d.AssetID,
			BBox:     d.BBox,
			DetScore: d.DetScore,
		}
		face.PointID = face.ID.String()
		faces = append(faces, face)
		points = append(points, database.Point{
			ID:      face.PointID,
			Vector:  facematch.L2Normalize(d.Vector),
			Payload: database.FacePayloadFor(&face, false).ToPayload(),
		})
	}
	if len(faces) == 0 {
		return res, nil
	}

	if err := s.index.Upsert(ctx, points); err != nil {
		metrics.IndexErrors.WithLabelValues(database.OpUpsert).Inc()
		return nil, fmt.Errorf("writing face points: %w", err)
	}
	if err := s.store.CreateFaces(ctx, faces); err != nil {
		// The orphaned points have no face row; reconciliation never visits them.
		s.logger.Warn("face rows not created after index write", zap.Int("faces", len(faces)), zap.Error(err))
		return nil, fmt.Errorf("creating faces: %w", err)
	}
	res.Created = faces
	return res, nil
}

// RemoveCentroidPoints deletes superseded centroid points, queueing the
// deletion when the index is unavailable.
func (s *Syncer) RemoveCentroidPoints(ctx context.Context, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	err := s.centroids.Delete(ctx, pointIDs)
	if err == nil {
		return nil
	}
	metrics.PropagationFailures.WithLabelValues(string(database.ReconcileCentroidPoint)).Inc()
	s.logger.Warn("deleting superseded centroid points, queueing reconcile",
		zap.Strings("point_ids", pointIDs), zap.Error(err))
	task := &database.ReconcileTask{
		Kind:     database.ReconcileCentroidPoint,
		PointIDs: pointIDs,
		Reason:   err.Error(),
	}
	if qerr := s.store.EnqueueReconcile(ctx, task); qerr != nil {
		return fmt.Errorf("queueing reconcile task: %w", qerr)
	}
	return nil
}
