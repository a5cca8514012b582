// Package suggestion proposes persons for unassigned faces and applies the
// reviewer's decisions.
package suggestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/metrics"
	"github.com/kozaktomas/face-engine/internal/retriever"
)

// Aggregation combines the scores one face got from several representatives.
type Aggregation string

const (
	AggregateMax          Aggregation = "max"
	AggregateWeightedMean Aggregation = "weighted_mean"
)

// Representative weights for weighted_mean.
const (
	WeightPrimary   = 2.0
	WeightSecondary = 1.0
	WeightCentroid  = 2.0
)

const (
	searchConcurrency = 4
	// Assigned and stale hits are dropped after the search, so each
	// representative over-fetches.
	minPerVectorLimit = 50
)

// SearchParams tune one Generate call. Zero values take the engine defaults.
type SearchParams struct {
	UseCentroid    bool
	Aggregation    Aggregation
	MinConfidence  float64
	Limit          int // suggestions kept per person
	PerVectorLimit int // hits requested per representative
}

// Options configure the engine.
type Options struct {
	ModelVersion     string
	AlgorithmVersion string
	Defaults         SearchParams
}

// Candidate is a face proposed for a person.
type Candidate struct {
	FaceID     uuid.UUID                  `json:"face_id"`
	Confidence float64                    `json:"confidence"`
	Matches    []database.SuggestionMatch `json:"matches"`
}

// GenerateResult reports a Generate call.
type GenerateResult struct {
	Candidates   []Candidate `json:"candidates"`
	Created      int         `json:"created"`
	Skipped      int         `json:"skipped"` // already pending for this person
	Insufficient bool        `json:"insufficient"`
}

// Store is the part of the entity store the engine needs.
type Store interface {
	database.PersonReader
	database.FaceReader
	database.PrototypeStore
	database.CentroidStore
	database.SuggestionStore
}

// Propagator projects an accepted assignment into the index.
type Propagator interface {
	Propagate(ctx context.Context, faceIDs []uuid.UUID, personID *uuid.UUID) error
}

// Engine generates and reviews suggestions.
type Engine struct {
	store     Store
	faces     database.EmbeddingIndex
	retriever *retriever.Retriever
	sync      Propagator
	opts      Options
	logger    *zap.Logger
}

// New creates an Engine searching the faces collection.
func New(
	store Store, faces database.EmbeddingIndex, r *retriever.Retriever,
	sync Propagator, opts Options, logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Defaults.Aggregation == "" {
		opts.Defaults.Aggregation = AggregateMax
	}
	if opts.Defaults.Limit <= 0 {
		opts.Defaults.Limit = 50
	}
	return &Engine{store: store, faces: faces, retriever: r, sync: sync, opts: opts, logger: logger}
}

func (e *Engine) params(p SearchParams) (SearchParams, error) {
	d := e.opts.Defaults
	if p.Aggregation == "" {
		p.Aggregation = d.Aggregation
	}
	if p.MinConfidence == 0 {
		p.MinConfidence = d.MinConfidence
	}
	if p.Limit <= 0 {
		p.Limit = d.Limit
	}
	if p.PerVectorLimit <= 0 {
		p.PerVectorLimit = max(d.PerVectorLimit, p.Limit*3, minPerVectorLimit)
	}
	if p.Aggregation != AggregateMax && p.Aggregation != AggregateWeightedMean {
		return p, &database.ValidationError{Field: "aggregation", Reason: fmt.Sprintf("unknown aggregation %q", p.Aggregation)}
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return p, &database.ValidationError{Field: "min_confidence", Reason: "must be in [0, 1]"}
	}
	return p, nil
}

// representative is one vector standing for the person.
type representative struct {
	source database.MatchSource
	id     uuid.UUID
	weight float64
	vector []float32
}

func (e *Engine) representatives(ctx context.Context, personID uuid.UUID, useCentroid bool) ([]representative, error) {
	protos, err := e.store.ListPrototypes(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("listing prototypes: %w", err)
	}

	var reps []representative
	if len(protos) > 0 {
		faceIDs := make([]uuid.UUID, len(protos))
		for i, p := range protos {
			faceIDs[i] = p.FaceID
		}
		faces, err := e.store.GetFaces(ctx, faceIDs)
		if err != nil {
			return nil, fmt.Errorf("loading prototype faces: %w", err)
		}
		pointOf := make(map[uuid.UUID]string, len(faces))
		pointIDs := make([]string, 0, len(faces))
		for _, f := range faces {
			pointOf[f.ID] = f.PointID
			pointIDs = append(pointIDs, f.PointID)
		}
		vectors, err := e.retriever.GetMany(ctx, pointIDs)
		if err != nil {
			return nil, fmt.Errorf("retrieving prototype embeddings: %w", err)
		}
		for _, p := range protos {
			v, ok := vectors[pointOf[p.FaceID]]
			if !ok {
				continue
			}
			w := WeightSecondary
			if p.Role == database.PrototypePrimary {
				w = WeightPrimary
			}
			reps = append(reps, representative{source: database.MatchPrototype, id: p.ID, weight: w, vector: v})
		}
	}

	if useCentroid {
		c, err := e.store.GetActiveCentroid(ctx, database.CentroidKey{
			PersonID:         personID,
			ModelVersion:     e.opts.ModelVersion,
			AlgorithmVersion: e.opts.AlgorithmVersion,
			Type:             database.CentroidGlobal,
		})
		switch {
		case err == nil && len(c.Vector) > 0:
			reps = append(reps, representative{
				source: database.MatchCentroid, id: c.ID, weight: WeightCentroid, vector: c.Vector,
			})
		case err != nil && !errors.Is(err, database.ErrNotFound):
			return nil, fmt.Errorf("loading active centroid: %w", err)
		}
	}
	return reps, nil
}

// Generate searches the unassigned faces closest to the person's
// representatives and records the best as pending suggestions.
func (e *Engine) Generate(ctx context.Context, personID uuid.UUID, sp SearchParams) (*GenerateResult, error) {
	params, err := e.params(sp)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetPerson(ctx, personID); err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("person_id", personID.String()))

	reps, err := e.representatives(ctx, personID, params.UseCentroid)
	if err != nil {
		return nil, err
	}
	if len(reps) == 0 {
		return &GenerateResult{Insufficient: true}, nil
	}

	matches, err := e.search(ctx, reps, params)
	if err != nil {
		return nil, err
	}

	candidates, err := e.rank(ctx, matches, params)
	if err != nil {
		return nil, err
	}
	res := &GenerateResult{Candidates: candidates}
	if len(candidates) == 0 {
		return res, nil
	}

	rows := make([]database.FaceSuggestion, len(candidates))
	for i, c := range candidates {
		rows[i] = database.FaceSuggestion{
			FaceID:     c.FaceID,
			PersonID:   personID,
			Confidence: c.Confidence,
			Matches:    c.Matches,
		}
	}
	created, err := e.store.CreateSuggestions(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("storing suggestions: %w", err)
	}
	res.Created = len(created)
	res.Skipped = len(candidates) - len(created)
	metrics.SuggestionsCreated.Add(float64(res.Created))
	log.Info("suggestions generated",
		zap.Int("representatives", len(reps)),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// search runs one filtered search per representative in parallel and groups
// the hits by face. Faces are identified only by the canonical payload key.
func (e *Engine) search(
	ctx context.Context, reps []representative, params SearchParams,
) (map[uuid.UUID][]database.SuggestionMatch, error) {
	var mu sync.Mutex
	out := make(map[uuid.UUID][]database.SuggestionMatch)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(searchConcurrency)
	for _, rep := range reps {
		g.Go(func() error {
			hits, err := e.faces.Search(gctx, rep.vector, database.UnassignedFaces(), params.PerVectorLimit, params.MinConfidence)
			if err != nil {
				metrics.IndexErrors.WithLabelValues(database.OpSearch).Inc()
				return fmt.Errorf("searching %s %s: %w", rep.source, rep.id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, hit := range hits {
				fp, ok := database.FacePayloadFrom(hit.Payload)
				if !ok {
					e.logger.Warn("search hit without face instance id", zap.String("point_id", hit.ID))
					continue
				}
				out[fp.FaceInstanceID] = append(out[fp.FaceInstanceID], database.SuggestionMatch{
					Source: rep.source, SourceID: rep.id, Score: hit.Score, Weight: rep.weight,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// rank aggregates, drops faces assigned since the index was last updated,
// and keeps the best params.Limit candidates.
func (e *Engine) rank(
	ctx context.Context, matches map[uuid.UUID][]database.SuggestionMatch, params SearchParams,
) ([]Candidate, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	faces, err := e.store.GetFaces(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading candidate faces: %w", err)
	}

	var out []Candidate
	for _, f := range faces {
		if f.Assigned() {
			continue
		}
		ms := matches[f.ID]
		sort.Slice(ms, func(i, j int) bool {
			if ms[i].Score != ms[j].Score {
				return ms[i].Score > ms[j].Score
			}
			return ms[i].SourceID.String() < ms[j].SourceID.String()
		})
		conf := Aggregate(ms, params.Aggregation)
		if conf < params.MinConfidence {
			continue
		}
		out = append(out, Candidate{FaceID: f.ID, Confidence: conf, Matches: ms})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].FaceID.String() < out[j].FaceID.String()
	})
	if len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

// Aggregate combines match scores into one confidence.
func Aggregate(ms []database.SuggestionMatch, how Aggregation) float64 {
	if len(ms) == 0 {
		return 0
	}
	switch how {
	case AggregateWeightedMean:
		var sum, weights float64
		for _, m := range ms {
			sum += m.Score * m.Weight
			weights += m.Weight
		}
		if weights == 0 {
			return 0
		}
		return sum / weights
	default:
		best := ms[0].Score
		for _, m := range ms[1:] {
			best = max(best, m.Score)
		}
		return best
	}
}
