// Package redisindex implements database.EmbeddingIndex on Redis 8 / Valkey
// search: one hash per point, an HNSW cosine vector field and TAG fields for
// the payload.
package redisindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/kozaktomas/face-engine/internal/database"
)

// Config holds connection parameters.
type Config struct {
	Addrs    []string
	Username string
	Password string
	DB       int
}

// NewClient connects to Redis. One client is shared by every collection.
func NewClient(cfg Config) (rueidis.Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
		AlwaysRESP2:  true, // FT.SEARCH replies are parsed as RESP2 arrays
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return client, nil
}

// Index is one collection (faces or centroids).
type Index struct {
	client rueidis.Client
	name   string
	prefix string
	dim    int
}

var _ database.EmbeddingIndex = (*Index)(nil)

// New creates a collection named name storing dim-dimensional vectors under
// keys "<name>:<point id>".
func New(client rueidis.Client, name string, dim int) *Index {
	return &Index{client: client, name: name, prefix: name + ":", dim: dim}
}

// Name returns the FT index name.
func (x *Index) Name() string { return x.name }

// Ping checks connectivity.
func (x *Index) Ping(ctx context.Context) error {
	if err := x.client.Do(ctx, x.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// WaitForReady polls Ping until the server responds or timeout expires.
func (x *Index) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for redis: %w", ctx.Err())
		case <-ticker.C:
			if err := x.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

func (x *Index) key(id string) string { return x.prefix + id }

func (x *Index) idOf(key string) string { return strings.TrimPrefix(key, x.prefix) }

func fail(op string, err error) error {
	return &database.IndexError{Op: op, Err: err}
}

// isRedisErr reports whether err is a server error mentioning substr.
func isRedisErr(err error, substr string) bool {
	re, ok := rueidis.IsRedisErr(err)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(re.Error()), substr)
}
