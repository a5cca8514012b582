package config

import (
	"errors"
	"testing"

	"github.com/kozaktomas/face-engine/internal/database"
)

func TestDefaultEngineIsValid(t *testing.T) {
	e := DefaultEngine()
	if err := e.Validate(); err != nil {
		t.Fatalf("embedded defaults invalid: %v", err)
	}
	if e.Clustering.MinClusterSize != 5 {
		t.Errorf("MinClusterSize = %d, want 5", e.Clustering.MinClusterSize)
	}
	if e.Suggestion.Aggregation != "max" {
		t.Errorf("Aggregation = %q, want max", e.Suggestion.Aggregation)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/faces")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.MaxOpenConns != 25 || cfg.Database.MaxIdleConns != 5 {
		t.Errorf("pool defaults = %d/%d", cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	}
	if cfg.Index.Backend != BackendHNSW {
		t.Errorf("Backend = %q", cfg.Index.Backend)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Jobs.Workers != 2 {
		t.Errorf("Workers = %d", cfg.Jobs.Workers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INDEX_BACKEND", "REDIS")
	t.Setenv("REDIS_ADDRS", "redis-a:6379, redis-b:6379,")
	t.Setenv("EMBEDDING_DIM", "128")
	t.Setenv("ASSIGN_THRESHOLD", "0.72")
	t.Setenv("MIN_CLUSTER_SIZE", "7")
	t.Setenv("SUGGEST_USE_CENTROID", "true")
	t.Setenv("JOB_WORKERS", "-3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Index.Backend != BackendRedis {
		t.Errorf("Backend = %q", cfg.Index.Backend)
	}
	if len(cfg.Redis.Addrs) != 2 || cfg.Redis.Addrs[1] != "redis-b:6379" {
		t.Errorf("Addrs = %v", cfg.Redis.Addrs)
	}
	if cfg.Index.Dim != 128 {
		t.Errorf("Dim = %d", cfg.Index.Dim)
	}
	if cfg.Engine.Clustering.AssignThreshold != 0.72 {
		t.Errorf("AssignThreshold = %v", cfg.Engine.Clustering.AssignThreshold)
	}
	if cfg.Engine.Clustering.MinClusterSize != 7 {
		t.Errorf("MinClusterSize = %d", cfg.Engine.Clustering.MinClusterSize)
	}
	if !cfg.Engine.Suggestion.UseCentroid {
		t.Error("UseCentroid not applied")
	}
	// non-positive ints fall back to the default
	if cfg.Jobs.Workers != 2 {
		t.Errorf("Workers = %d", cfg.Jobs.Workers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{"threshold above one", "ASSIGN_THRESHOLD", "1.5", "clustering.assign_threshold"},
		{"zero confidence", "SUGGEST_MIN_CONFIDENCE", "0", "suggestion.min_confidence"},
		{"trim fraction one", "CENTROID_TRIM_FRACTION", "1", "centroid.trim_fraction"},
		{"unknown backend", "INDEX_BACKEND", "faiss", "INDEX_BACKEND"},
		{"redis without addrs", "INDEX_BACKEND", "redis", "REDIS_ADDRS"},
		{"unknown aggregation", "SUGGEST_AGGREGATION", "median", "suggestion.aggregation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if !errors.Is(err, database.ErrValidationFailed) {
				t.Fatalf("err = %v, want validation failure", err)
			}
			var ve *database.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("field = %v, want %s", ve, tt.field)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_FLOAT", "0.25")
	t.Setenv("X_BOOL", "nope")
	if envInt("X_INT", 4) != 4 {
		t.Error("malformed int should use default")
	}
	if envFloat("X_FLOAT", 1) != 0.25 {
		t.Error("float not parsed")
	}
	if !envBool("X_BOOL", true) {
		t.Error("malformed bool should use default")
	}
	if envString("X_UNSET", "d") != "d" {
		t.Error("unset string should use default")
	}
	if envList("X_UNSET") != nil {
		t.Error("unset list should be nil")
	}
}
