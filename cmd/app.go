package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/rueidis"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-engine/internal/centroid"
	"github.com/kozaktomas/face-engine/internal/clustering"
	"github.com/kozaktomas/face-engine/internal/config"
	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/database/postgres"
	"github.com/kozaktomas/face-engine/internal/database/redisindex"
	"github.com/kozaktomas/face-engine/internal/facesync"
	"github.com/kozaktomas/face-engine/internal/logger"
	"github.com/kozaktomas/face-engine/internal/retriever"
	"github.com/kozaktomas/face-engine/internal/suggestion"
	"github.com/kozaktomas/face-engine/internal/web/handlers"
)

// Collection names shared by both index backends.
const (
	facesCollection     = "faces"
	centroidsCollection = "centroids"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	pool  *postgres.Pool
	store *postgres.Store

	faces     database.EmbeddingIndex
	centroids database.EmbeddingIndex

	// set for the hnsw backend, saved on close
	hnswFaces     *database.HNSWIndex
	hnswCentroids *database.HNSWIndex
	// set for the redis backend
	redis         rueidis.Client
	redisFaces    *redisindex.Index
	redisCentroid *redisindex.Index

	retriever  *retriever.Retriever
	syncer     *facesync.Syncer
	clusterer  *clustering.Clusterer
	centroidMg *centroid.Manager
	suggester  *suggestion.Engine
}

// newApp loads configuration, opens the store and the index and builds every
// engine component. The caller must call close.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	level := cfg.Log.Level
	if v, err := cmd.Flags().GetString("log-level"); err == nil && v != "" {
		level = v
	}
	log, err := logger.NewLogger(cfg.Log.Env, level)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log}

	a.pool, err = postgres.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	a.store = postgres.NewStore(a.pool)

	if err := a.openIndex(ctx); err != nil {
		_ = a.pool.Close()
		return nil, err
	}

	eng := cfg.Engine
	a.retriever = retriever.New(a.faces, eng.RetrieveBatchSize, log.Named("retriever"))
	a.syncer = facesync.New(a.store, a.faces, a.centroids, a.retriever, log.Named("sync"))
	a.clusterer = clustering.New(a.store, a.retriever, a.syncer, clustering.Options{
		Algorithm:        clustering.Algorithm(eng.Clustering.Algorithm),
		AssignThreshold:  eng.Clustering.AssignThreshold,
		ClusterThreshold: eng.Clustering.ClusterThreshold,
		MinClusterSize:   eng.Clustering.MinClusterSize,
		TrimFraction:     eng.Centroid.TrimFraction,
		ChunkSize:        eng.Clustering.ChunkSize,
		BatchLimit:       eng.Clustering.BatchLimit,
	}, log.Named("clustering"))

	a.centroidMg, err = centroid.New(a.store, a.retriever, a.centroids, a.syncer, centroid.Options{
		ModelVersion:     eng.ModelVersion,
		AlgorithmVersion: eng.AlgorithmVersion,
		MinFaces:         eng.Centroid.MinFaces,
		TrimFraction:     eng.Centroid.TrimFraction,
	}, log.Named("centroid"))
	if err != nil {
		a.close()
		return nil, err
	}

	a.suggester = suggestion.New(a.store, a.faces, a.retriever, a.syncer, suggestion.Options{
		ModelVersion:     eng.ModelVersion,
		AlgorithmVersion: eng.AlgorithmVersion,
		Defaults: suggestion.SearchParams{
			UseCentroid:    eng.Suggestion.UseCentroid,
			Aggregation:    suggestion.Aggregation(eng.Suggestion.Aggregation),
			MinConfidence:  eng.Suggestion.MinConfidence,
			Limit:          eng.Suggestion.Limit,
			PerVectorLimit: eng.Suggestion.PerVectorLimit,
		},
	}, log.Named("suggestion"))

	return a, nil
}

func (a *app) openIndex(ctx context.Context) error {
	switch a.cfg.Index.Backend {
	case config.BackendRedis:
		client, err := redisindex.NewClient(redisindex.Config{
			Addrs:    a.cfg.Redis.Addrs,
			Username: a.cfg.Redis.Username,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		a.redis = client
		a.redisFaces = redisindex.New(client, a.cfg.Redis.IndexPrefix+facesCollection, a.cfg.Index.Dim)
		a.redisCentroid = redisindex.New(client, a.cfg.Redis.IndexPrefix+centroidsCollection, a.cfg.Index.Dim)
		for _, idx := range []*redisindex.Index{a.redisFaces, a.redisCentroid} {
			if err := idx.EnsureSchema(ctx); err != nil {
				client.Close()
				return fmt.Errorf("preparing redis index %s: %w", idx.Name(), err)
			}
		}
		a.faces, a.centroids = a.redisFaces, a.redisCentroid

	default:
		a.hnswFaces = database.NewHNSWIndex()
		a.hnswCentroids = database.NewHNSWIndex()
		if dir := a.cfg.Index.HNSWPath; dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("creating HNSW directory: %w", err)
			}
			if err := a.hnswFaces.Load(a.hnswFile(facesCollection)); err != nil {
				return fmt.Errorf("loading face index: %w", err)
			}
			if err := a.hnswCentroids.Load(a.hnswFile(centroidsCollection)); err != nil {
				return fmt.Errorf("loading centroid index: %w", err)
			}
		}
		a.faces, a.centroids = a.hnswFaces, a.hnswCentroids
	}
	return nil
}

func (a *app) hnswFile(collection string) string {
	return filepath.Join(a.cfg.Index.HNSWPath, collection+".hnsw")
}

// saveIndex persists the HNSW snapshots. It is a no-op for redis or when no
// path is configured.
func (a *app) saveIndex() error {
	if a.hnswFaces == nil || a.cfg.Index.HNSWPath == "" {
		return nil
	}
	if err := a.hnswFaces.Save(a.hnswFile(facesCollection)); err != nil {
		return fmt.Errorf("saving face index: %w", err)
	}
	if err := a.hnswCentroids.Save(a.hnswFile(centroidsCollection)); err != nil {
		return fmt.Errorf("saving centroid index: %w", err)
	}
	return nil
}

// checks returns the dependencies probed by /healthz.
func (a *app) checks() map[string]handlers.Checker {
	out := map[string]handlers.Checker{"postgres": a.pool}
	if a.redisFaces != nil {
		out["redis"] = a.redisFaces
	}
	return out
}

func (a *app) close() {
	if err := a.saveIndex(); err != nil {
		a.logger.Error("saving index", zap.Error(err))
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		_ = a.pool.Close()
	}
	_ = a.logger.Sync()
}
