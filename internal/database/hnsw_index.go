package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/vmihailenco/msgpack/v5"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	PointCount int       `json:"point_count"`
	Dim        int       `json:"dim"`
	BuildTime  time.Time `json:"build_time"`
	Version    int       `json:"version"`
}

const hnswMetadataVersion = 2

// hnswPoint is a live point. Key is its current node in the graph; nodes
// left behind by replaced or deleted points are skipped on search.
type hnswPoint struct {
	Key     uint64    `msgpack:"k"`
	Vector  []float32 `msgpack:"v"`
	Payload Payload   `msgpack:"p"`
}

type hnswSnapshot struct {
	NextKey uint64                `msgpack:"next_key"`
	Dim     int                   `msgpack:"dim"`
	Points  map[string]*hnswPoint `msgpack:"points"`
}

// HNSWIndex is an in-process EmbeddingIndex backed by an HNSW graph.
type HNSWIndex struct {
	graph   *hnsw.Graph[uint64]
	points  map[string]*hnswPoint
	keyToID map[uint64]string
	nextKey uint64
	dim     int
	mu      sync.RWMutex
}

var _ EmbeddingIndex = (*HNSWIndex)(nil)

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		points:  make(map[string]*hnswPoint),
		keyToID: make(map[uint64]string),
	}
}

func newHNSWGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromPoints replaces the index contents with points and compacts the graph.
func (h *HNSWIndex) BuildFromPoints(points []Point) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.points = make(map[string]*hnswPoint, len(points))
	h.keyToID = make(map[uint64]string, len(points))
	h.nextKey = 0
	h.dim = 0

	for i := range points {
		if err := h.addLocked(points[i]); err != nil {
			return &IndexError{Op: OpUpsert, Err: err}
		}
	}
	return nil
}

// Rebuild compacts the graph, dropping nodes of replaced and deleted points.
func (h *HNSWIndex) Rebuild() {
	h.mu.Lock()
	defer h.mu.Unlock()

	live := make([]Point, 0, len(h.points))
	for id, p := range h.points {
		live = append(live, Point{ID: id, Vector: p.Vector, Payload: p.Payload})
	}
	h.graph = nil
	h.points = make(map[string]*hnswPoint, len(live))
	h.keyToID = make(map[uint64]string, len(live))
	for _, p := range live {
		_ = h.addLocked(p) // dims already validated
	}
}

func (h *HNSWIndex) addLocked(p Point) error {
	if p.ID == "" {
		return errors.New("point id is required")
	}
	if len(p.Vector) == 0 {
		return fmt.Errorf("point %s: empty vector", p.ID)
	}
	if h.dim != 0 && len(p.Vector) != h.dim {
		return fmt.Errorf("point %s: dimension %d, index has %d", p.ID, len(p.Vector), h.dim)
	}
	if h.graph == nil {
		h.graph = newHNSWGraph()
	}
	h.dim = len(p.Vector)

	if old, ok := h.points[p.ID]; ok {
		delete(h.keyToID, old.Key)
	}

	h.nextKey++
	key := h.nextKey
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)

	h.graph.Add(hnsw.MakeNode(key, vec))
	h.points[p.ID] = &hnswPoint{Key: key, Vector: vec, Payload: clonePayload(p.Payload)}
	h.keyToID[key] = p.ID
	return nil
}

// Upsert inserts or replaces points.
func (h *HNSWIndex) Upsert(_ context.Context, points []Point) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range points {
		if err := h.addLocked(points[i]); err != nil {
			return &IndexError{Op: OpUpsert, Err: err}
		}
	}
	return nil
}

// Search finds the nearest live points matching filter.
// Candidates are over-fetched from the graph and widened until enough pass
// the payload filter or the whole graph has been searched.
func (h *HNSWIndex) Search(
	_ context.Context, vector []float32, filter SearchFilter, limit int, scoreThreshold float64,
) ([]ScoredPoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 {
		return nil, &IndexError{Op: OpSearch, Err: errors.New("limit must be positive")}
	}
	if h.graph == nil || len(h.points) == 0 {
		return nil, nil
	}
	if len(vector) != h.dim {
		return nil, &IndexError{Op: OpSearch, Err: fmt.Errorf("query dimension %d, index has %d", len(vector), h.dim)}
	}

	total := h.graph.Len()
	searchK := max(limit*HNSWSearchMultiplier, HNSWMinSearchK)

	var results []ScoredPoint
	for {
		searchK = min(searchK, total)
		results = h.collect(h.graph.Search(vector, searchK), vector, filter, scoreThreshold)
		if len(results) >= limit || searchK >= total {
			break
		}
		searchK *= 2
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (h *HNSWIndex) collect(
	nodes []hnsw.Node[uint64], query []float32, filter SearchFilter, scoreThreshold float64,
) []ScoredPoint {
	out := make([]ScoredPoint, 0, len(nodes))
	for _, n := range nodes {
		id, ok := h.keyToID[n.Key]
		if !ok {
			continue
		}
		p := h.points[id]
		if !filter.Matches(p.Payload) {
			continue
		}
		score := CosineSimilarity(query, p.Vector)
		if score < scoreThreshold {
			continue
		}
		out = append(out, ScoredPoint{ID: id, Score: score, Payload: clonePayload(p.Payload)})
	}
	return out
}

// Retrieve returns the points that exist among ids.
func (h *HNSWIndex) Retrieve(_ context.Context, ids []string) ([]Point, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Point, 0, len(ids))
	for _, id := range ids {
		if p, ok := h.points[id]; ok {
			out = append(out, h.export(id, p))
		}
	}
	return out, nil
}

// Get returns one point, or ErrNotFound.
func (h *HNSWIndex) Get(_ context.Context, id string) (*Point, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p, ok := h.points[id]
	if !ok {
		return nil, &NotFoundError{Entity: "point", ID: id}
	}
	pt := h.export(id, p)
	return &pt, nil
}

func (h *HNSWIndex) export(id string, p *hnswPoint) Point {
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	return Point{ID: id, Vector: vec, Payload: clonePayload(p.Payload)}
}

// SetPayloadFields merges fields into existing points; unknown ids are skipped.
func (h *HNSWIndex) SetPayloadFields(_ context.Context, ids []string, fields Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		p, ok := h.points[id]
		if !ok {
			continue
		}
		if p.Payload == nil {
			p.Payload = make(Payload, len(fields))
		}
		for k, v := range fields {
			p.Payload[k] = v
		}
	}
	return nil
}

// DeletePayloadFields removes keys from existing points; unknown ids are skipped.
func (h *HNSWIndex) DeletePayloadFields(_ context.Context, ids []string, keys []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		p, ok := h.points[id]
		if !ok {
			continue
		}
		for _, k := range keys {
			delete(p.Payload, k)
		}
	}
	return nil
}

// Delete removes points from search results. Their graph nodes stay until Rebuild.
func (h *HNSWIndex) Delete(_ context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		if p, ok := h.points[id]; ok {
			delete(h.keyToID, p.Key)
			delete(h.points, id)
		}
	}
	return nil
}

// Count returns the number of live points.
func (h *HNSWIndex) Count(_ context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.points), nil
}

// Save persists the graph, the point snapshot (.points) and metadata (.meta).
func (h *HNSWIndex) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if path == "" {
		return nil
	}

	if h.graph == nil || len(h.points) == 0 {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".points")
		_ = os.Remove(path + ".meta")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := h.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close HNSW index file: %w", err)
	}

	snap, err := msgpack.Marshal(hnswSnapshot{NextKey: h.nextKey, Dim: h.dim, Points: h.points})
	if err != nil {
		return fmt.Errorf("failed to encode points: %w", err)
	}
	if err := os.WriteFile(path+".points", snap, 0600); err != nil {
		return fmt.Errorf("failed to write points file: %w", err)
	}

	meta, err := json.Marshal(HNSWIndexMetadata{
		PointCount: len(h.points),
		Dim:        h.dim,
		BuildTime:  time.Now(),
		Version:    hnswMetadataVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", meta, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// Load restores an index written by Save. A missing file leaves the index empty.
func (h *HNSWIndex) Load(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	meta, err := LoadHNSWMetadata(path)
	if err != nil {
		return err
	}
	if meta.Version != hnswMetadataVersion {
		return fmt.Errorf("HNSW index version %d, want %d", meta.Version, hnswMetadataVersion)
	}

	saved, err := hnsw.LoadSavedGraph[uint64](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	data, err := os.ReadFile(path + ".points") //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read points file: %w", err)
	}
	var snap hnswSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode points: %w", err)
	}

	h.graph = saved.Graph
	h.graph.Distance = hnsw.CosineDistance
	h.points = snap.Points
	if h.points == nil {
		h.points = make(map[string]*hnswPoint)
	}
	h.keyToID = make(map[uint64]string, len(h.points))
	for id, p := range h.points {
		h.keyToID[p.Key] = id
	}
	h.nextKey = snap.NextKey
	h.dim = snap.Dim
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
