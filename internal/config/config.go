package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var modelsYAML []byte

// Store backends understood by the CLI.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Adapter strategies.
const (
	StrategyHTTP = "http"
	StrategyONNX = "onnx"
)

const defaultModel = "buffalo_l"

type Config struct {
	Face        FaceConfig
	Embedding   EmbeddingConfig
	ONNX        ONNXConfig
	Store       StoreConfig
	Database    DatabaseConfig
	Contacts    ContactsConfig
	Recognition RecognitionConfig
	Sync        SyncConfig
	LogLevel    string
	Models      ModelsConfig
}

type FaceConfig struct {
	Model               string   // profile name from models.yaml
	SimilarityThreshold *float64 // nil means "use the profile value"
	MinDetScore         *float64 // nil means "use the profile value"
	ContrastFallback    bool
}

type EmbeddingConfig struct {
	URL          string // defaults to http://localhost:8000
	MaxImageSide int    // frames are downscaled to this before upload
}

type ONNXConfig struct {
	LibraryPath  string // onnxruntime shared library
	DetectorPath string // YOLO face detector model
	EmbedderPath string // ArcFace embedding model
	PoolSize     int
}

type StoreConfig struct {
	Backend          string
	SQLitePath       string
	HNSWIndexPath    string // snapshot path for the memory backend / postgres acceleration
	HNSWAcceleration bool   // serve postgres queries from an in-memory HNSW index
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type ContactsConfig struct {
	DatabaseURL string // postgres://, mysql:// or sqlite:// DSN of the contact database
}

type RecognitionConfig struct {
	QueryConcurrency int
}

type SyncConfig struct {
	BatchSize int
	RateLimit float64 // contact photos per second, 0 = unlimited
}

type ModelsConfig struct {
	Models map[string]ModelProfile `yaml:"models"`
}

// ModelProfile declares the properties of one embedding model. Thresholds are
// starting points and are expected to be recalibrated per deployment.
type ModelProfile struct {
	Strategy            string  `yaml:"strategy"`
	Dim                 int     `yaml:"dim"`
	MinDetScore         float64 `yaml:"min_det_score"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	Description         string  `yaml:"description"`
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

// envFloat reads an environment variable as a float. Invalid values yield the default.
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

// envFloatPtr reads an environment variable as a float64. Unset or invalid
// values yield nil so that an explicit 0 stays distinguishable.
func envFloatPtr(key string) *float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return nil
	}
	return &f
}

// envBool reads an environment variable as a bool. Invalid values yield the default.
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

func Load() *Config {
	var models ModelsConfig
	if err := yaml.Unmarshal(modelsYAML, &models); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded models.yaml: " + err.Error())
	}

	return &Config{
		Face: FaceConfig{
			Model:               envString("FACE_MODEL", defaultModel),
			SimilarityThreshold: envFloatPtr("FACE_SIMILARITY_THRESHOLD"),
			MinDetScore:         envFloatPtr("FACE_MIN_DET_SCORE"),
			ContrastFallback:    envBool("FACE_CONTRAST_FALLBACK", true),
		},
		Embedding: EmbeddingConfig{
			URL:          os.Getenv("EMBEDDING_URL"),
			MaxImageSide: envInt("EMBEDDING_MAX_IMAGE_SIDE", 1920),
		},
		ONNX: ONNXConfig{
			LibraryPath:  os.Getenv("ONNX_LIBRARY_PATH"),
			DetectorPath: os.Getenv("ONNX_DETECTOR_PATH"),
			EmbedderPath: os.Getenv("ONNX_EMBEDDER_PATH"),
			PoolSize:     envInt("ONNX_POOL_SIZE", 4),
		},
		Store: StoreConfig{
			Backend:          strings.ToLower(envString("STORE_BACKEND", BackendPostgres)),
			SQLitePath:       envString("SQLITE_PATH", "recall.db"),
			HNSWIndexPath:    os.Getenv("HNSW_INDEX_PATH"),
			HNSWAcceleration: envBool("STORE_HNSW_ACCELERATION", false),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Contacts: ContactsConfig{
			DatabaseURL: os.Getenv("CONTACTS_DATABASE_URL"),
		},
		Recognition: RecognitionConfig{
			QueryConcurrency: envInt("RECOGNITION_QUERY_CONCURRENCY", 4),
		},
		Sync: SyncConfig{
			BatchSize: envInt("SYNC_BATCH_SIZE", 32),
			RateLimit: envFloat("SYNC_RATE_LIMIT", 0),
		},
		LogLevel: envString("LOG_LEVEL", "info"),
		Models:   models,
	}
}

// ResolvedProfile is a model profile with environment overrides applied.
type ResolvedProfile struct {
	Name string
	ModelProfile
}

// Profile returns the configured model profile with threshold overrides applied.
func (c *Config) Profile() (ResolvedProfile, error) {
	p, ok := c.Models.Models[c.Face.Model]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("unknown face model %q (known: %s)",
			c.Face.Model, strings.Join(c.Models.Names(), ", "))
	}
	if p.Dim <= 0 {
		return ResolvedProfile{}, fmt.Errorf("face model %q declares invalid dimension %d", c.Face.Model, p.Dim)
	}
	if c.Face.SimilarityThreshold != nil {
		p.SimilarityThreshold = *c.Face.SimilarityThreshold
	}
	if c.Face.MinDetScore != nil {
		p.MinDetScore = *c.Face.MinDetScore
	}
	return ResolvedProfile{Name: c.Face.Model, ModelProfile: p}, nil
}

// Names returns the profile names in sorted order.
func (m ModelsConfig) Names() []string {
	names := make([]string, 0, len(m.Models))
	for name := range m.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
