package facesync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/metrics"
)

const reconcilePageSize = 500

// ReconcileOptions controls a reconciliation pass.
type ReconcileOptions struct {
	Sample   int  // check a random sample of this many faces; 0 checks all
	Repair   bool // rewrite divergent payloads
	PageSize int
	Progress func(checked int) // called after each page, may be nil
}

// Divergence is one payload field that differs from the committed row.
type Divergence struct {
	FaceID   uuid.UUID `json:"face_id"`
	PointID  string    `json:"point_id"`
	Field    string    `json:"field"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
}

// Report is the outcome of a reconciliation pass.
type Report struct {
	Checked     int          `json:"checked"`
	Divergences []Divergence `json:"divergences"`
	Missing     []uuid.UUID  `json:"missing"` // faces whose point is absent from the index
	Repaired    int          `json:"repaired"`
}

// Reconcile compares the index payload of faces with their committed rows.
func (s *Syncer) Reconcile(ctx context.Context, opts ReconcileOptions) (*Report, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = reconcilePageSize
	}
	report := &Report{}

	if opts.Sample > 0 {
		sample, err := s.sampleFaces(ctx, opts.Sample, pageSize)
		if err != nil {
			return nil, err
		}
		for start := 0; start < len(sample); start += pageSize {
			end := min(start+pageSize, len(sample))
			if err := s.checkPage(ctx, sample[start:end], opts.Repair, report); err != nil {
				return report, err
			}
			if opts.Progress != nil {
				opts.Progress(report.Checked)
			}
		}
		return report, nil
	}

	var after *uuid.UUID
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.store.ListFaces(ctx, database.FaceFilter{AfterID: after, Limit: pageSize})
		if err != nil {
			return report, fmt.Errorf("listing faces: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if err := s.checkPage(ctx, page, opts.Repair, report); err != nil {
			return report, err
		}
		if opts.Progress != nil {
			opts.Progress(report.Checked)
		}
		last := page[len(page)-1].ID
		after = &last
		if len(page) < pageSize {
			break
		}
	}
	return report, nil
}

// sampleFaces draws n faces uniformly with reservoir sampling over a full scan.
func (s *Syncer) sampleFaces(ctx context.Context, n, pageSize int) ([]database.FaceInstance, error) {
	reservoir := make([]database.FaceInstance, 0, n)
	seen := 0
	var after *uuid.UUID
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.store.ListFaces(ctx, database.FaceFilter{AfterID: after, Limit: pageSize})
		if err != nil {
			return nil, fmt.Errorf("listing faces: %w", err)
		}
		for _, f := range page {
			seen++
			if len(reservoir) < n {
				reservoir = append(reservoir, f)
			} else if j := rand.IntN(seen); j < n {
				reservoir[j] = f
			}
		}
		if len(page) < pageSize {
			return reservoir, nil
		}
		last := page[len(page)-1].ID
		after = &last
	}
}

func (s *Syncer) checkPage(ctx context.Context, faces []database.FaceInstance, repair bool, report *Report) error {
	ids := make([]uuid.UUID, len(faces))
	pointIDs := make([]string, 0, len(faces))
	for i := range faces {
		ids[i] = faces[i].ID
		if faces[i].PointID != "" {
			pointIDs = append(pointIDs, faces[i].PointID)
		}
	}
	protos, err := s.store.PrototypeFaceIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("loading prototype flags: %w", err)
	}
	points, err := s.retriever.GetPoints(ctx, pointIDs)
	if err != nil {
		return fmt.Errorf("retrieving points: %w", err)
	}

	var divergent []database.FaceInstance
	for i := range faces {
		f := &faces[i]
		report.Checked++
		p, ok := points[f.PointID]
		if !ok {
			report.Missing = append(report.Missing, f.ID)
			continue
		}
		diffs := Diff(f, protos[f.ID], p.Payload)
		if len(diffs) == 0 {
			continue
		}
		for _, d := range diffs {
			metrics.ReconcileDivergences.WithLabelValues(d.Field).Inc()
		}
		report.Divergences = append(report.Divergences, diffs...)
		divergent = append(divergent, *f)
	}

	if !repair || len(divergent) == 0 {
		return nil
	}
	if err := s.rewrite(ctx, divergent, protos); err != nil {
		s.logger.Warn("repairing divergent payloads", zap.Int("faces", len(divergent)), zap.Error(err))
		return fmt.Errorf("repairing payloads: %w", err)
	}
	report.Repaired += len(divergent)
	return nil
}

// rewrite writes the full expected payload of each face, canonical keys included.
func (s *Syncer) rewrite(ctx context.Context, faces []database.FaceInstance, protos map[uuid.UUID]bool) error {
	for i := range faces {
		f := &faces[i]
		expected := database.FacePayloadFor(f, protos[f.ID]).ToPayload()
		if err := s.index.SetPayloadFields(ctx, []string{f.PointID}, expected); err != nil {
			return err
		}
		var unset []string
		for _, key := range []string{database.PayloadPersonID, database.PayloadClusterID} {
			if _, ok := expected[key]; !ok {
				unset = append(unset, key)
			}
		}
		if len(unset) > 0 {
			if err := s.index.DeletePayloadFields(ctx, []string{f.PointID}, unset); err != nil {
				return err
			}
		}
	}
	return nil
}

// Diff lists the payload fields of actual that differ from what the committed
// face row implies.
func Diff(face *database.FaceInstance, isPrototype bool, actual database.Payload) []Divergence {
	expected := database.FacePayloadFor(face, isPrototype).ToPayload()
	var out []Divergence
	for _, key := range []string{
		database.PayloadFaceInstanceID,
		database.PayloadAssetID,
		database.PayloadPersonID,
		database.PayloadClusterID,
	} {
		want, got := expected.String(key), actual.String(key)
		if want != got {
			out = append(out, Divergence{
				FaceID: face.ID, PointID: face.PointID, Field: key, Expected: want, Actual: got,
			})
		}
	}
	if expected.Bool(database.PayloadIsPrototype) != actual.Bool(database.PayloadIsPrototype) {
		out = append(out, Divergence{
			FaceID:   face.ID,
			PointID:  face.PointID,
			Field:    database.PayloadIsPrototype,
			Expected: expected.String(database.PayloadIsPrototype),
			Actual:   actual.String(database.PayloadIsPrototype),
		})
	}
	return out
}

// ReplayResult counts the reconcile tasks handled by ReplayPending.
type ReplayResult struct {
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

// ReplayPending retries queued index side effects, oldest first.
func (s *Syncer) ReplayPending(ctx context.Context, limit int) (*ReplayResult, error) {
	tasks, err := s.store.ListPendingReconcile(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reconcile tasks: %w", err)
	}

	res := &ReplayResult{}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := s.replay(ctx, task)
		if err == nil {
			if err := s.store.CompleteReconcile(ctx, task.ID); err != nil {
				return res, fmt.Errorf("completing reconcile task %s: %w", task.ID, err)
			}
			res.Done++
			continue
		}

		res.Failed++
		s.logger.Warn("replaying reconcile task",
			zap.String("task_id", task.ID.String()), zap.String("kind", string(task.Kind)), zap.Error(err))
		if ferr := s.store.FailReconcile(ctx, task.ID, err.Error()); ferr != nil {
			return res, fmt.Errorf("recording reconcile failure %s: %w", task.ID, ferr)
		}
	}
	return res, nil
}

func (s *Syncer) replay(ctx context.Context, task database.ReconcileTask) error {
	switch task.Kind {
	case database.ReconcileFacePayload:
		faces, err := s.store.GetFaces(ctx, task.FaceIDs)
		if err != nil {
			return fmt.Errorf("loading faces: %w", err)
		}
		return s.apply(ctx, faces)
	case database.ReconcileCentroidPoint:
		if len(task.PointIDs) == 0 {
			return nil
		}
		return s.centroids.Delete(ctx, task.PointIDs)
	default:
		return errors.New("unknown reconcile task kind " + string(task.Kind))
	}
}
