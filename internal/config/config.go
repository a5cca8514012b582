package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-engine/internal/database"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Database DatabaseConfig
	Index    IndexConfig
	Redis    RedisConfig
	Log      LogConfig
	HTTP     HTTPConfig
	Jobs     JobsConfig
	Engine   EngineConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

// Index backends.
const (
	BackendHNSW  = "hnsw"
	BackendRedis = "redis"
)

type IndexConfig struct {
	Backend  string // hnsw or redis
	HNSWPath string // snapshot directory for the hnsw backend; empty keeps it in memory
	Dim      int
}

type RedisConfig struct {
	Addrs       []string
	Username    string
	Password    string
	DB          int
	IndexPrefix string // index names become <prefix>faces and <prefix>centroids
}

type LogConfig struct {
	Env   string
	Level string
}

type HTTPConfig struct {
	Addr  string
	Token string // bearer token for /api/v1; empty leaves the API open
}

type JobsConfig struct {
	Workers int
}

// EngineConfig holds the thresholds shared by clustering, centroid builds
// and suggestion generation.
type EngineConfig struct {
	ModelVersion      string           `yaml:"model_version"`
	AlgorithmVersion  string           `yaml:"algorithm_version"`
	Clustering        ClusteringConfig `yaml:"clustering"`
	Centroid          CentroidConfig   `yaml:"centroid"`
	Suggestion        SuggestionConfig `yaml:"suggestion"`
	RetrieveBatchSize int              `yaml:"retrieve_batch_size"`
}

type ClusteringConfig struct {
	Algorithm        string  `yaml:"algorithm"`
	AssignThreshold  float64 `yaml:"assign_threshold"`
	ClusterThreshold float64 `yaml:"cluster_threshold"`
	MinClusterSize   int     `yaml:"min_cluster_size"`
	ChunkSize        int     `yaml:"chunk_size"`
	BatchLimit       int     `yaml:"batch_limit"`
}

type CentroidConfig struct {
	MinFaces     int     `yaml:"min_faces"`
	TrimFraction float64 `yaml:"trim_fraction"`
}

type SuggestionConfig struct {
	Aggregation    string  `yaml:"aggregation"`
	MinConfidence  float64 `yaml:"min_confidence"`
	Limit          int     `yaml:"limit"`
	PerVectorLimit int     `yaml:"per_vector_limit"`
	UseCentroid    bool    `yaml:"use_centroid"`
}

// DefaultEngine returns the embedded engine defaults.
func DefaultEngine() EngineConfig {
	var e EngineConfig
	if err := yaml.Unmarshal(defaultsYAML, &e); err != nil {
		// embedded at build time, a parse failure is a programming error
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return e
}

// Validate rejects thresholds outside their meaningful ranges.
func (e *EngineConfig) Validate() error {
	if e.ModelVersion == "" {
		return &database.ValidationError{Field: "model_version", Reason: "must not be empty"}
	}
	if e.AlgorithmVersion == "" {
		return &database.ValidationError{Field: "algorithm_version", Reason: "must not be empty"}
	}
	switch e.Clustering.Algorithm {
	case "dbscan", "threshold":
	default:
		return &database.ValidationError{
			Field: "clustering.algorithm", Reason: fmt.Sprintf("unknown algorithm %q", e.Clustering.Algorithm),
		}
	}
	for field, v := range map[string]float64{
		"clustering.assign_threshold":  e.Clustering.AssignThreshold,
		"clustering.cluster_threshold": e.Clustering.ClusterThreshold,
		"suggestion.min_confidence":    e.Suggestion.MinConfidence,
	} {
		if v <= 0 || v > 1 {
			return &database.ValidationError{Field: field, Reason: fmt.Sprintf("%g not in (0, 1]", v)}
		}
	}
	if e.Clustering.MinClusterSize < 2 {
		return &database.ValidationError{Field: "clustering.min_cluster_size", Reason: "must be at least 2"}
	}
	if e.Centroid.MinFaces < 1 {
		return &database.ValidationError{Field: "centroid.min_faces", Reason: "must be at least 1"}
	}
	if e.Centroid.TrimFraction < 0 || e.Centroid.TrimFraction >= 1 {
		return &database.ValidationError{Field: "centroid.trim_fraction", Reason: "must be in [0, 1)"}
	}
	switch e.Suggestion.Aggregation {
	case "max", "weighted_mean":
	default:
		return &database.ValidationError{
			Field: "suggestion.aggregation", Reason: fmt.Sprintf("unknown aggregation %q", e.Suggestion.Aggregation),
		}
	}
	if e.Suggestion.Limit < 1 {
		return &database.ValidationError{Field: "suggestion.limit", Reason: "must be at least 1"}
	}
	if e.RetrieveBatchSize < 1 {
		return &database.ValidationError{Field: "retrieve_batch_size", Reason: "must be at least 1"}
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	switch c.Index.Backend {
	case BackendHNSW:
	case BackendRedis:
		if len(c.Redis.Addrs) == 0 {
			return &database.ValidationError{Field: "REDIS_ADDRS", Reason: "required for the redis backend"}
		}
	default:
		return &database.ValidationError{Field: "INDEX_BACKEND", Reason: fmt.Sprintf("unknown backend %q", c.Index.Backend)}
	}
	if c.Index.Dim < 1 {
		return &database.ValidationError{Field: "EMBEDDING_DIM", Reason: "must be positive"}
	}
	if c.Jobs.Workers < 1 {
		return &database.ValidationError{Field: "JOB_WORKERS", Reason: "must be positive"}
	}
	return c.Engine.Validate()
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat returns the parsed float, or defaultVal when unset or malformed.
// Range checks are left to Validate so that bad values are reported.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads the configuration from the environment over the embedded defaults.
func Load() (*Config, error) {
	eng := DefaultEngine()
	eng.ModelVersion = envString("MODEL_VERSION", eng.ModelVersion)
	eng.AlgorithmVersion = envString("ALGORITHM_VERSION", eng.AlgorithmVersion)
	eng.Clustering.Algorithm = envString("CLUSTER_ALGORITHM", eng.Clustering.Algorithm)
	eng.Clustering.AssignThreshold = envFloat("ASSIGN_THRESHOLD", eng.Clustering.AssignThreshold)
	eng.Clustering.ClusterThreshold = envFloat("CLUSTER_THRESHOLD", eng.Clustering.ClusterThreshold)
	eng.Clustering.MinClusterSize = envInt("MIN_CLUSTER_SIZE", eng.Clustering.MinClusterSize)
	eng.Clustering.ChunkSize = envInt("CLUSTER_CHUNK_SIZE", eng.Clustering.ChunkSize)
	eng.Centroid.MinFaces = envInt("CENTROID_MIN_FACES", eng.Centroid.MinFaces)
	eng.Centroid.TrimFraction = envFloat("CENTROID_TRIM_FRACTION", eng.Centroid.TrimFraction)
	eng.Suggestion.MinConfidence = envFloat("SUGGEST_MIN_CONFIDENCE", eng.Suggestion.MinConfidence)
	eng.Suggestion.Limit = envInt("SUGGEST_LIMIT", eng.Suggestion.Limit)
	eng.Suggestion.Aggregation = envString("SUGGEST_AGGREGATION", eng.Suggestion.Aggregation)
	eng.Suggestion.UseCentroid = envBool("SUGGEST_USE_CENTROID", eng.Suggestion.UseCentroid)
	eng.RetrieveBatchSize = envInt("RETRIEVE_BATCH_SIZE", eng.RetrieveBatchSize)

	cfg := &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Index: IndexConfig{
			Backend:  strings.ToLower(envString("INDEX_BACKEND", BackendHNSW)),
			HNSWPath: os.Getenv("HNSW_INDEX_PATH"),
			Dim:      envInt("EMBEDDING_DIM", 512),
		},
		Redis: RedisConfig{
			Addrs:       envList("REDIS_ADDRS"),
			Username:    os.Getenv("REDIS_USERNAME"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          envInt("REDIS_DB", 0),
			IndexPrefix: envString("REDIS_INDEX_PREFIX", "face-engine:"),
		},
		Log: LogConfig{
			Env:   envString("LOG_ENV", "dev"),
			Level: os.Getenv("LOG_LEVEL"),
		},
		HTTP: HTTPConfig{
			Addr:  envString("HTTP_ADDR", ":8080"),
			Token: os.Getenv("HTTP_TOKEN"),
		},
		Jobs: JobsConfig{
			Workers: envInt("JOB_WORKERS", 2),
		},
		Engine: eng,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
