// Package config holds the engine's tunable configuration, loaded from a
// YAML file with environment-variable overrides, mirroring the nested
// struct-per-concern layout used throughout this codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Paths       PathsConfig       `yaml:"paths" json:"paths"`
	Fusion      FusionConfig      `yaml:"fusion" json:"fusion"`
	Vector      VectorConfig      `yaml:"vector" json:"vector"`
	Text        TextConfig        `yaml:"text" json:"text"`
	Embedding   EmbeddingConfig   `yaml:"embedding" json:"embedding"`
	Document    DocumentConfig    `yaml:"document" json:"document"`
	Memory      MemoryConfig      `yaml:"memory" json:"memory"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Server      ServerConfig      `yaml:"server" json:"server"`
}

// PathsConfig locates the engine's on-disk state.
type PathsConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// FusionConfig tunes the fusion retriever (C8).
type FusionConfig struct {
	VectorWeight    float64       `yaml:"vector_weight" json:"vector_weight"`
	TextWeight      float64       `yaml:"text_weight" json:"text_weight"`
	GraphWeight     float64       `yaml:"graph_weight" json:"graph_weight"`
	SubQueryTimeout time.Duration `yaml:"sub_query_timeout" json:"sub_query_timeout"`
	CacheCapacity   int           `yaml:"cache_capacity" json:"cache_capacity"`
	CacheTTL        time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	DefaultTopK     int           `yaml:"default_top_k" json:"default_top_k"`
	MaxTopK         int           `yaml:"max_top_k" json:"max_top_k"`
	GraphHops       int           `yaml:"graph_hops" json:"graph_hops"`
}

// VectorConfig tunes the ANN index (C3).
type VectorConfig struct {
	Dimensions        int     `yaml:"dimensions" json:"dimensions"`
	MaxNeighbors       int     `yaml:"max_neighbors" json:"max_neighbors"`
	SampleSize         int     `yaml:"sample_size" json:"sample_size"`
	ExactScanThreshold int     `yaml:"exact_scan_threshold" json:"exact_scan_threshold"`
	StalenessRatio     float64 `yaml:"staleness_ratio" json:"staleness_ratio"`
}

// TextConfig tunes the BM25 index (C4).
type TextConfig struct {
	K1             float64 `yaml:"k1" json:"k1"`
	B              float64 `yaml:"b" json:"b"`
	MinTokenLength int     `yaml:"min_token_length" json:"min_token_length"`
}

// EmbeddingConfig selects and tunes the embedder (C2).
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
}

// DocumentConfig tunes the document pipeline (C6).
type DocumentConfig struct {
	ChunkMinChars int   `yaml:"chunk_min_chars" json:"chunk_min_chars"`
	ChunkMaxChars int   `yaml:"chunk_max_chars" json:"chunk_max_chars"`
	OverlapRatio  float64 `yaml:"overlap_ratio" json:"overlap_ratio"`
	MaxSizeBytes  int64 `yaml:"max_size_bytes" json:"max_size_bytes"`
	MaxPages      int   `yaml:"max_pages" json:"max_pages"`
	ParseTimeout  time.Duration `yaml:"parse_timeout" json:"parse_timeout"`
}

// MemoryConfig tunes memory-store lifecycle behavior (C7/C9).
type MemoryConfig struct {
	STMCapacity          int           `yaml:"stm_capacity" json:"stm_capacity"`
	STMTTL               time.Duration `yaml:"stm_ttl" json:"stm_ttl"`
	LTMDecayInterval      time.Duration `yaml:"ltm_decay_interval" json:"ltm_decay_interval"`
	LTMDecayRate          float64       `yaml:"ltm_decay_rate" json:"ltm_decay_rate"`
	ConsolidationThreshold int          `yaml:"consolidation_threshold" json:"consolidation_threshold"`
	ConsolidationInterval time.Duration `yaml:"consolidation_interval" json:"consolidation_interval"`
}

// PerformanceConfig bounds engine-wide concurrency.
type PerformanceConfig struct {
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	IndexWorkers          int `yaml:"index_workers" json:"index_workers"`
}

// ServerConfig configures the thin protocol adapter.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	Address   string `yaml:"address" json:"address"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// Default returns the engine's baked-in defaults, matching the documented
// constants: BM25 k1=1.2/b=0.75, fusion weights wV=0.5/wT=0.3/wG=0.2,
// embedding dimension 384.
func Default() Config {
	return Config{
		Paths: PathsConfig{DataDir: defaultDataDir()},
		Fusion: FusionConfig{
			VectorWeight:    0.5,
			TextWeight:      0.3,
			GraphWeight:     0.2,
			SubQueryTimeout: 2 * time.Second,
			CacheCapacity:   512,
			CacheTTL:        30 * time.Second,
			DefaultTopK:     10,
			MaxTopK:         100,
			GraphHops:       2,
		},
		Vector: VectorConfig{
			Dimensions:         384,
			MaxNeighbors:       16,
			SampleSize:         64,
			ExactScanThreshold: 1000,
			StalenessRatio:     0.2,
		},
		Text: TextConfig{
			K1:             1.2,
			B:              0.75,
			MinTokenLength: 2,
		},
		Embedding: EmbeddingConfig{
			Provider:   "static",
			Dimensions: 384,
			CacheSize:  2048,
			BatchSize:  32,
		},
		Document: DocumentConfig{
			ChunkMinChars: 512,
			ChunkMaxChars: 1024,
			OverlapRatio:  0.125,
			MaxSizeBytes:  25 * 1024 * 1024,
			MaxPages:      500,
			ParseTimeout:  30 * time.Second,
		},
		Memory: MemoryConfig{
			STMCapacity:            200,
			STMTTL:                 24 * time.Hour,
			LTMDecayInterval:       time.Hour,
			LTMDecayRate:           0.01,
			ConsolidationThreshold: 5,
			ConsolidationInterval:  6 * time.Hour,
		},
		Performance: PerformanceConfig{
			MaxConcurrentRequests: 64,
			IndexWorkers:          4,
		},
		Server: ServerConfig{
			Transport: "stdio",
			Address:   "127.0.0.1:7533",
			LogLevel:  "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hybridmemory"
	}
	return home + "/.hybridmemory"
}

// Load reads a YAML config file layered onto Default(), then applies
// HYBRIDMEM_-prefixed environment overrides for the fields operators most
// often need to tweak without editing the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyEnvOverrides(&cfg)
				return cfg, nil
			}
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HYBRIDMEM_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("HYBRIDMEM_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("HYBRIDMEM_EMBEDDING_ENDPOINT"); v != "" {
		cfg.Embedding.Endpoint = v
	}
	if v := os.Getenv("HYBRIDMEM_MAX_CONCURRENT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Performance.MaxConcurrentRequests = n
		}
	}
}

// Validate checks internal consistency of the configuration.
func (c Config) Validate() error {
	sum := c.Fusion.VectorWeight + c.Fusion.TextWeight + c.Fusion.GraphWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("fusion weights must sum to 1.0, got %.3f", sum)
	}
	if c.Vector.Dimensions != c.Embedding.Dimensions {
		return fmt.Errorf("vector dimensions (%d) must match embedding dimensions (%d)",
			c.Vector.Dimensions, c.Embedding.Dimensions)
	}
	if c.Document.ChunkMinChars <= 0 || c.Document.ChunkMaxChars < c.Document.ChunkMinChars {
		return fmt.Errorf("invalid chunk size bounds: min=%d max=%d", c.Document.ChunkMinChars, c.Document.ChunkMaxChars)
	}
	return nil
}
