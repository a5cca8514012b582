package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-engine/internal/centroid"
	"github.com/kozaktomas/face-engine/internal/clustering"
	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/facesync"
	"github.com/kozaktomas/face-engine/internal/suggestion"
)

// Clusterer is implemented by *clustering.Clusterer.
type Clusterer interface {
	Cluster(ctx context.Context, req clustering.Request) (*clustering.Result, error)
}

// CentroidBuilder is implemented by *centroid.Manager.
type CentroidBuilder interface {
	Build(ctx context.Context, personID uuid.UUID, bo centroid.BuildOptions) (*centroid.BuildResult, error)
	BuildAll(ctx context.Context, bo centroid.BuildOptions, progress func(done, total int)) (*centroid.BatchResult, error)
}

// Suggester is implemented by *suggestion.Engine.
type Suggester interface {
	Generate(ctx context.Context, personID uuid.UUID, sp suggestion.SearchParams) (*suggestion.GenerateResult, error)
}

// Reconciler is implemented by *facesync.Syncer.
type Reconciler interface {
	Reconcile(ctx context.Context, opts facesync.ReconcileOptions) (*facesync.Report, error)
	ReplayPending(ctx context.Context, limit int) (*facesync.ReplayResult, error)
}

// Components are the engine parts jobs delegate to. Nil parts leave their
// job types unregistered.
type Components struct {
	Clusterer  Clusterer
	Centroids  CentroidBuilder
	Suggester  Suggester
	Reconciler Reconciler
}

// ClusterParams are the parameters of a cluster job.
type ClusterParams struct {
	FaceIDs          []uuid.UUID `json:"face_ids"`
	AfterID          *uuid.UUID  `json:"after_id"`
	Algorithm        string      `json:"algorithm"`
	AssignThreshold  float64     `json:"assign_threshold"`
	ClusterThreshold float64     `json:"cluster_threshold"`
	MinClusterSize   int         `json:"min_cluster_size"`
	DryRun           bool        `json:"dry_run"`
}

// CentroidBuildParams build one person's centroid, or every named person's
// when PersonID is nil.
type CentroidBuildParams struct {
	PersonID *uuid.UUID `json:"person_id"`
	Force    bool       `json:"force"`
}

// SuggestParams are the parameters of a suggest job.
type SuggestParams struct {
	PersonIDs     []uuid.UUID `json:"person_ids"`
	UseCentroid   bool        `json:"use_centroid"`
	Aggregation   string      `json:"aggregation"`
	MinConfidence float64     `json:"min_confidence"`
	Limit         int         `json:"limit"`
}

// ReconcileParams are the parameters of a reconcile job.
type ReconcileParams struct {
	Sample int  `json:"sample"`
	Repair bool `json:"repair"`
}

// ReplayParams are the parameters of a replay job.
type ReplayParams struct {
	Limit int `json:"limit"`
}

// RegisterHandlers binds every available component to its job type.
func RegisterHandlers(q *Queue, c Components) {
	if c.Clusterer != nil {
		q.Register(TypeCluster, clusterHandler(c.Clusterer))
	}
	if c.Centroids != nil {
		q.Register(TypeCentroidBuild, centroidHandler(c.Centroids))
	}
	if c.Suggester != nil {
		q.Register(TypeSuggest, suggestHandler(c.Suggester))
	}
	if c.Reconciler != nil {
		q.Register(TypeReconcile, reconcileHandler(c.Reconciler))
		q.Register(TypeReplay, replayHandler(c.Reconciler))
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &database.ValidationError{Field: "params", Reason: err.Error()}
	}
	return p, nil
}

func clusterHandler(c Clusterer) Handler {
	return func(ctx context.Context, raw json.RawMessage, _ Reporter) (*Result, error) {
		p, err := decode[ClusterParams](raw)
		if err != nil {
			return nil, err
		}
		res, err := c.Cluster(ctx, clustering.Request{
			FaceIDs: p.FaceIDs,
			AfterID: p.AfterID,
			DryRun:  p.DryRun,
			Options: clustering.Options{
				Algorithm:        clustering.Algorithm(p.Algorithm),
				AssignThreshold:  p.AssignThreshold,
				ClusterThreshold: p.ClusterThreshold,
				MinClusterSize:   p.MinClusterSize,
			},
		})
		if err != nil {
			return nil, err
		}
		return &Result{
			Created: res.Stats.Assigned + res.Stats.Clustered,
			Skipped: res.Stats.Noise + res.Stats.NoEmbedding + res.Stats.AlreadyOwned,
			Details: res,
		}, nil
	}
}

func centroidHandler(b CentroidBuilder) Handler {
	return func(ctx context.Context, raw json.RawMessage, report Reporter) (*Result, error) {
		p, err := decode[CentroidBuildParams](raw)
		if err != nil {
			return nil, err
		}
		bo := centroid.BuildOptions{Force: p.Force}

		if p.PersonID != nil {
			res, err := b.Build(ctx, *p.PersonID, bo)
			if err != nil {
				return nil, err
			}
			out := &Result{Details: res}
			switch res.Outcome {
			case centroid.OutcomePromoted:
				out.Created = 1
			case centroid.OutcomeFailed:
				out.Failed = 1
			default:
				out.Skipped = 1
			}
			return out, nil
		}

		res, err := b.BuildAll(ctx, bo, report)
		if err != nil {
			return nil, err
		}
		return &Result{Created: res.Created, Skipped: res.Skipped, Failed: res.Failed, Errors: res.Errors}, nil
	}
}

func suggestHandler(s Suggester) Handler {
	return func(ctx context.Context, raw json.RawMessage, report Reporter) (*Result, error) {
		p, err := decode[SuggestParams](raw)
		if err != nil {
			return nil, err
		}
		if len(p.PersonIDs) == 0 {
			return nil, &database.ValidationError{Field: "person_ids", Reason: "at least one person is required"}
		}
		sp := suggestion.SearchParams{
			UseCentroid:   p.UseCentroid,
			Aggregation:   suggestion.Aggregation(p.Aggregation),
			MinConfidence: p.MinConfidence,
			Limit:         p.Limit,
		}

		out := &Result{}
		for i, id := range p.PersonIDs {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			res, err := s.Generate(ctx, id, sp)
			if err != nil {
				out.Failed++
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", id, err))
			} else {
				out.Created += res.Created
				out.Skipped += res.Skipped
			}
			report(i+1, len(p.PersonIDs))
		}
		return out, nil
	}
}

func reconcileHandler(r Reconciler) Handler {
	return func(ctx context.Context, raw json.RawMessage, report Reporter) (*Result, error) {
		p, err := decode[ReconcileParams](raw)
		if err != nil {
			return nil, err
		}
		rep, err := r.Reconcile(ctx, facesync.ReconcileOptions{
			Sample:   p.Sample,
			Repair:   p.Repair,
			Progress: func(checked int) { report(checked, p.Sample) },
		})
		if err != nil {
			return nil, err
		}
		diverged := len(rep.Divergences) + len(rep.Missing)
		return &Result{
			Created: rep.Repaired,
			Skipped: max(rep.Checked-diverged, 0),
			Failed:  max(diverged-rep.Repaired, 0),
			Details: rep,
		}, nil
	}
}

func replayHandler(r Reconciler) Handler {
	return func(ctx context.Context, raw json.RawMessage, _ Reporter) (*Result, error) {
		p, err := decode[ReplayParams](raw)
		if err != nil {
			return nil, err
		}
		res, err := r.ReplayPending(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		return &Result{Created: res.Done, Failed: res.Failed}, nil
	}
}
