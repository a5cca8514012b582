// Package retriever coalesces per-face embedding lookups into bulk index requests.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/metrics"
)

// DefaultBatchSize is used when a Retriever is built with a non-positive batch size.
const DefaultBatchSize = 256

// Retriever reads points from an EmbeddingIndex in chunks.
type Retriever struct {
	index     database.EmbeddingIndex
	batchSize int
	logger    *zap.Logger
}

// New creates a Retriever over index.
func New(index database.EmbeddingIndex, batchSize int, logger *zap.Logger) *Retriever {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{index: index, batchSize: batchSize, logger: logger}
}

// GetMany returns the vectors of the points that exist among ids.
func (r *Retriever) GetMany(ctx context.Context, ids []string) (map[string][]float32, error) {
	points, err := r.GetPoints(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(points))
	for id, p := range points {
		out[id] = p.Vector
	}
	return out, nil
}

// GetPoints returns the points that exist among ids, keyed by id. Missing ids
// are omitted. A chunk whose bulk request fails is retried one id at a time;
// the call fails only if one of those single reads fails.
func (r *Retriever) GetPoints(ctx context.Context, ids []string) (map[string]database.Point, error) {
	unique := dedupe(ids)
	out := make(map[string]database.Point, len(unique))

	for start := 0; start < len(unique); start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+r.batchSize, len(unique))
		chunk := unique[start:end]

		points, err := r.index.Retrieve(ctx, chunk)
		if err == nil {
			want := make(map[string]bool, len(chunk))
			for _, id := range chunk {
				want[id] = true
			}
			for _, p := range points {
				if want[p.ID] {
					out[p.ID] = p
				}
			}
			continue
		}

		metrics.IndexErrors.WithLabelValues(database.OpRetrieve).Inc()
		r.logger.Warn("bulk retrieve failed, falling back to single reads",
			zap.Int("chunk_size", len(chunk)), zap.Error(err))

		if err := r.getEach(ctx, chunk, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Retriever) getEach(ctx context.Context, ids []string, out map[string]database.Point) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := r.index.Get(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			metrics.IndexErrors.WithLabelValues(database.OpGet).Inc()
			return fmt.Errorf("retrieving point %s: %w", id, err)
		}
		out[p.ID] = *p
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
