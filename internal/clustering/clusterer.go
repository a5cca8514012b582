// Package clustering assigns unlabeled faces to known persons and groups the
// rest into provisional clusters.
package clustering

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/facematch"
	"github.com/kozaktomas/face-engine/internal/metrics"
	"github.com/kozaktomas/face-engine/internal/retriever"
)

// Algorithm selects how unassigned faces are grouped.
type Algorithm string

const (
	AlgorithmDBSCAN    Algorithm = "dbscan"
	AlgorithmThreshold Algorithm = "threshold"
)

// tieEpsilon is the similarity difference below which two persons tie.
const tieEpsilon = 1e-9

// Options are the tunables of a clustering run.
type Options struct {
	Algorithm        Algorithm
	AssignThreshold  float64 // min similarity to a person centroid
	ClusterThreshold float64 // min similarity between faces of one cluster
	MinClusterSize   int
	TrimFraction     float64 // outlier trim for person centroids
	ChunkSize        int     // faces scored between cancellation checks
	BatchLimit       int     // candidates loaded when none are given
}

// Validate rejects out-of-range options.
func (o Options) Validate() error {
	switch o.Algorithm {
	case AlgorithmDBSCAN, AlgorithmThreshold:
	default:
		return &database.ValidationError{Field: "algorithm", Reason: fmt.Sprintf("unknown algorithm %q", o.Algorithm)}
	}
	if o.AssignThreshold <= 0 || o.AssignThreshold > 1 {
		return &database.ValidationError{Field: "assign_threshold", Reason: "must be in (0, 1]"}
	}
	if o.ClusterThreshold <= 0 || o.ClusterThreshold > 1 {
		return &database.ValidationError{Field: "cluster_threshold", Reason: "must be in (0, 1]"}
	}
	if o.MinClusterSize < 2 {
		return &database.ValidationError{Field: "min_cluster_size", Reason: "must be at least 2"}
	}
	if o.TrimFraction < 0 || o.TrimFraction >= 1 {
		return &database.ValidationError{Field: "trim_fraction", Reason: "must be in [0, 1)"}
	}
	return nil
}

// Request describes one clustering run. Zero option fields fall back to the
// clusterer defaults.
type Request struct {
	FaceIDs []uuid.UUID // candidates; empty loads a batch of unassigned faces
	// AfterID starts the unassigned batch after this face id. Nil continues
	// from where the previous run of this clusterer stopped.
	AfterID *uuid.UUID
	Options Options
	DryRun  bool // compute without persisting
}

// Stats summarises a run.
type Stats struct {
	Candidates   int           `json:"candidates"`
	Identities   int           `json:"identities"`
	Assigned     int           `json:"assigned"`
	Clustered    int           `json:"clustered"`
	Noise        int           `json:"noise"`
	NoEmbedding  int           `json:"no_embedding"`
	AlreadyOwned int           `json:"already_owned"`
	Duration     time.Duration `json:"duration"`
}

// Result is the partition of the candidates.
type Result struct {
	Assigned     map[uuid.UUID]uuid.UUID `json:"assigned"` // face -> person
	Clusters     map[string][]uuid.UUID  `json:"clusters"` // cluster id -> faces
	Noise        []uuid.UUID             `json:"noise"`
	Insufficient bool                    `json:"insufficient"` // fewer candidates than the min cluster size
	// NextAfterID is where the next unassigned batch starts; nil when the
	// batch reached the end of the backlog.
	NextAfterID  *uuid.UUID              `json:"next_after_id,omitempty"`
	Stats        Stats                   `json:"stats"`
}

// Store is the part of the entity store the clusterer needs.
type Store interface {
	database.PersonReader
	database.PersonWriter
	database.FaceReader
	database.FaceWriter
}

// Propagator projects committed face rows into the index.
type Propagator interface {
	PropagateFaces(ctx context.Context, faces []database.FaceInstance) error
}

// Clusterer runs dual-mode clustering.
type Clusterer struct {
	store     Store
	retriever *retriever.Retriever
	sync      Propagator
	defaults  Options
	logger    *zap.Logger

	mu     sync.Mutex
	cursor *uuid.UUID // start of the next unassigned batch
}

// New creates a Clusterer.
func New(store Store, r *retriever.Retriever, sync Propagator, defaults Options, logger *zap.Logger) *Clusterer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.ChunkSize <= 0 {
		defaults.ChunkSize = 256
	}
	if defaults.BatchLimit <= 0 {
		defaults.BatchLimit = 5000
	}
	return &Clusterer{store: store, retriever: r, sync: sync, defaults: defaults, logger: logger}
}

func (c *Clusterer) options(o Options) Options {
	if o.Algorithm == "" {
		o.Algorithm = c.defaults.Algorithm
	}
	if o.AssignThreshold == 0 {
		o.AssignThreshold = c.defaults.AssignThreshold
	}
	if o.ClusterThreshold == 0 {
		o.ClusterThreshold = c.defaults.ClusterThreshold
	}
	if o.MinClusterSize == 0 {
		o.MinClusterSize = c.defaults.MinClusterSize
	}
	if o.TrimFraction == 0 {
		o.TrimFraction = c.defaults.TrimFraction
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = c.defaults.ChunkSize
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = c.defaults.BatchLimit
	}
	return o
}

// identity is a known person reduced to one centroid.
type identity struct {
	personID uuid.UUID
	vector   []float32
	faces    int
}

type candidate struct {
	face   database.FaceInstance
	vector []float32
}

// Cluster partitions the candidate faces. Embedding reads happen before any
// write, so an unreachable index fails the call with nothing persisted. All
// assignments are committed in one transaction and then propagated.
func (c *Clusterer) Cluster(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	opts := c.options(req.Options)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Assigned: make(map[uuid.UUID]uuid.UUID),
		Clusters: make(map[string][]uuid.UUID),
	}

	faces, err := c.loadCandidates(ctx, req, opts.BatchLimit, res)
	if err != nil {
		return nil, err
	}
	candidates, err := c.embed(ctx, faces, &res.Stats)
	if err != nil {
		return nil, err
	}
	res.Stats.Candidates = len(candidates)

	identities, err := c.loadIdentities(ctx, opts.TrimFraction)
	if err != nil {
		return nil, err
	}
	res.Stats.Identities = len(identities)

	remaining, err := c.assignKnown(ctx, candidates, identities, opts, res)
	if err != nil {
		return nil, err
	}

	labels := c.group(remaining, opts, res)

	changes := make([]database.FaceAssignment, 0, len(candidates))
	for _, cand := range candidates {
		if pid, ok := res.Assigned[cand.face.ID]; ok {
			changes = appendChange(changes, cand.face, &pid, "")
		}
	}
	for i, cand := range remaining {
		changes = appendChange(changes, cand.face, nil, labels[i])
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		res.Stats.Duration = time.Since(start)
		metrics.ClusteringDuration.WithLabelValues(string(opts.Algorithm)).Observe(res.Stats.Duration.Seconds())
	}()

	if req.DryRun {
		return res, nil
	}
	if len(changes) == 0 {
		c.advance(req, res)
		return res, nil
	}
	committed, err := c.store.ApplyAssignments(ctx, changes)
	if err != nil {
		if database.IsConflict(err) {
			metrics.Conflicts.WithLabelValues("face").Inc()
		}
		return nil, fmt.Errorf("persisting cluster assignments: %w", err)
	}
	c.advance(req, res)
	c.logger.Info("clustering committed",
		zap.Int("assigned", res.Stats.Assigned),
		zap.Int("clusters", len(res.Clusters)),
		zap.Int("noise", res.Stats.Noise))

	if err := c.sync.PropagateFaces(ctx, committed); err != nil {
		c.logger.Error("propagating cluster assignments", zap.Error(err))
	}
	return res, nil
}

// appendChange records an assignment only when it differs from the row.
func appendChange(
	changes []database.FaceAssignment, face database.FaceInstance, personID *uuid.UUID, cluster string,
) []database.FaceAssignment {
	samePerson := (face.PersonID == nil && personID == nil) ||
		(face.PersonID != nil && personID != nil && *face.PersonID == *personID)
	if samePerson && face.ClusterID == cluster {
		return changes
	}
	return append(changes, database.FaceAssignment{
		FaceID:           face.ID,
		ExpectedRevision: face.Revision,
		PersonID:         personID,
		ClusterID:        cluster,
	})
}

// loadCandidates returns the requested faces, or the next window of
// unassigned faces. Windows move forward through the backlog by face id and
// wrap to the start once a short window reaches its end, so faces that stay
// noise do not keep later faces out.
func (c *Clusterer) loadCandidates(
	ctx context.Context, req Request, limit int, res *Result,
) ([]database.FaceInstance, error) {
	if len(req.FaceIDs) == 0 {
		after := req.AfterID
		if after == nil {
			c.mu.Lock()
			after = c.cursor
			c.mu.Unlock()
		}
		faces, err := c.store.ListFaces(ctx, database.FaceFilter{Unassigned: true, AfterID: after, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("listing unassigned faces: %w", err)
		}
		if len(faces) == limit {
			last := faces[len(faces)-1].ID
			res.NextAfterID = &last
		}
		return faces, nil
	}

	faces, err := c.store.GetFaces(ctx, req.FaceIDs)
	if err != nil {
		return nil, fmt.Errorf("loading candidate faces: %w", err)
	}
	out := faces[:0]
	for _, f := range faces {
		if f.Assigned() {
			res.Stats.AlreadyOwned++
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// advance moves the batch cursor past a committed backlog window.
func (c *Clusterer) advance(req Request, res *Result) {
	if len(req.FaceIDs) > 0 {
		return
	}
	c.mu.Lock()
	c.cursor = res.NextAfterID
	c.mu.Unlock()
}

func (c *Clusterer) embed(ctx context.Context, faces []database.FaceInstance, stats *Stats) ([]candidate, error) {
	pointIDs := make([]string, len(faces))
	for i := range faces {
		pointIDs[i] = faces[i].PointID
	}
	vectors, err := c.retriever.GetMany(ctx, pointIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieving candidate embeddings: %w", err)
	}

	out := make([]candidate, 0, len(faces))
	for _, f := range faces {
		v, ok := vectors[f.PointID]
		if !ok {
			stats.NoEmbedding++
			continue
		}
		out = append(out, candidate{face: f, vector: facematch.L2Normalize(v)})
	}
	return out, nil
}

// loadIdentities computes one robust centroid per person from assigned faces.
func (c *Clusterer) loadIdentities(ctx context.Context, trimFraction float64) ([]identity, error) {
	byPerson := make(map[uuid.UUID][]string)
	var after *uuid.UUID
	const page = 1000
	for {
		faces, err := c.store.ListFaces(ctx, database.FaceFilter{Assigned: true, AfterID: after, Limit: page})
		if err != nil {
			return nil, fmt.Errorf("listing assigned faces: %w", err)
		}
		for _, f := range faces {
			byPerson[*f.PersonID] = append(byPerson[*f.PersonID], f.PointID)
		}
		if len(faces) < page {
			break
		}
		last := faces[len(faces)-1].ID
		after = &last
	}
	if len(byPerson) == 0 {
		return nil, nil
	}

	var all []string
	for _, ids := range byPerson {
		all = append(all, ids...)
	}
	vectors, err := c.retriever.GetMany(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("retrieving identity embeddings: %w", err)
	}

	out := make([]identity, 0, len(byPerson))
	for personID, ids := range byPerson {
		var vs [][]float32
		for _, id := range ids {
			if v, ok := vectors[id]; ok {
				vs = append(vs, v)
			}
		}
		if len(vs) == 0 {
			continue
		}
		rc := facematch.ComputeRobustCentroid(vs, trimFraction)
		out = append(out, identity{personID: personID, vector: rc.Vector, faces: len(vs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].personID.String() < out[j].personID.String() })
	return out, nil
}

// assignKnown matches candidates against the identities, checking for
// cancellation between chunks. It returns the candidates left unassigned.
func (c *Clusterer) assignKnown(
	ctx context.Context, candidates []candidate, identities []identity, opts Options, res *Result,
) ([]candidate, error) {
	if len(identities) == 0 {
		return candidates, nil
	}
	var remaining []candidate
	for start := 0; start < len(candidates); start += opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+opts.ChunkSize, len(candidates))
		for _, cand := range candidates[start:end] {
			best, ok := bestIdentity(cand.vector, identities, opts.AssignThreshold)
			if !ok {
				remaining = append(remaining, cand)
				continue
			}
			res.Assigned[cand.face.ID] = best.personID
			res.Stats.Assigned++
		}
	}
	return remaining, nil
}

// bestIdentity returns the most similar identity at or above threshold.
// Ties go to the identity with more source faces, then to the lower id.
func bestIdentity(v []float32, identities []identity, threshold float64) (identity, bool) {
	var best identity
	bestScore := -2.0
	found := false
	for _, id := range identities {
		score := database.CosineSimilarity(v, id.vector)
		if score < threshold {
			continue
		}
		switch {
		case !found || score > bestScore+tieEpsilon:
		case score >= bestScore-tieEpsilon && id.faces > best.faces:
		default:
			continue
		}
		best, bestScore, found = id, score, true
	}
	return best, found
}

// group density-clusters the remaining candidates and returns each one's
// cluster id ("" for noise).
func (c *Clusterer) group(remaining []candidate, opts Options, res *Result) []string {
	out := make([]string, len(remaining))
	if len(remaining) < opts.MinClusterSize {
		res.Insufficient = len(remaining) > 0 || res.Stats.Candidates == 0
		for _, cand := range remaining {
			res.Noise = append(res.Noise, cand.face.ID)
		}
		res.Stats.Noise = len(remaining)
		return out
	}

	vectors := make([][]float32, len(remaining))
	for i := range remaining {
		vectors[i] = remaining[i].vector
	}
	maxDist := 1 - opts.ClusterThreshold

	var labels []int
	switch opts.Algorithm {
	case AlgorithmThreshold:
		labels = agglomerative(vectors, maxDist, opts.MinClusterSize)
	default:
		labels = dbscan(vectors, maxDist, opts.MinClusterSize)
	}

	members := make(map[int][]int)
	for i, l := range labels {
		members[l] = append(members[l], i)
	}
	ids := clusterIDs(remaining, members, opts.MinClusterSize)
	for i, l := range labels {
		id, ok := ids[l]
		if !ok {
			res.Noise = append(res.Noise, remaining[i].face.ID)
			continue
		}
		out[i] = id
		res.Clusters[id] = append(res.Clusters[id], remaining[i].face.ID)
	}
	res.Stats.Noise = len(res.Noise)
	res.Stats.Clustered = len(remaining) - len(res.Noise)
	return out
}

// clusterIDs names every group of at least minSize members. A group keeps
// the cluster id held by a strict majority of its members, unless a larger
// group already kept it; other groups get a new id.
func clusterIDs(remaining []candidate, members map[int][]int, minSize int) map[int]string {
	var groups []int
	for l, idx := range members {
		if l != noise && len(idx) >= minSize {
			groups = append(groups, l)
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := members[groups[i]], members[groups[j]]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return groups[i] < groups[j]
	})

	ids := make(map[int]string, len(groups))
	taken := make(map[string]bool)
	for _, l := range groups {
		counts := make(map[string]int)
		for _, i := range members[l] {
			if id := remaining[i].face.ClusterID; id != "" {
				counts[id]++
			}
		}
		id := ""
		for prev, n := range counts {
			if 2*n > len(members[l]) && !taken[prev] {
				id = prev
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		taken[id] = true
		ids[l] = id
	}
	return ids
}
