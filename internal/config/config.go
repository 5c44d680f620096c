package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultStoreThreshold       = 0.3
	DefaultDupThreshold         = 0.85
	DefaultAutonomyThreshold    = 0.7
	DefaultProtectedThreshold   = 0.8
	DefaultAutoArchiveThreshold = 0.2
	DefaultIdleThresholdDays    = 30
	DefaultRetentionDays        = 30
	DefaultMinConfidence        = 0.5
	DefaultMaxFacts             = 16
	DefaultFactParallelism      = 8
	DefaultTopK                 = 10
	DefaultLexicalWeight        = 0.4
	DefaultVectorWeight         = 0.6
	DefaultMMRLambda            = 0.3
	DefaultClusterSimilarity    = 0.85
	DefaultHighWatermark        = 0.9
	DefaultLowWatermark         = 0.7
	DefaultCapacity             = 10000
	DefaultCacheTTL             = 5 * time.Minute
	DefaultAddQueueDepth        = 128
	DefaultSweepSchedule        = "@hourly"
	DefaultReasonerModel        = "claude-sonnet-4-5-20250929"
	DefaultEmbedModel           = "text-embedding-3-small"
	DefaultEmbedDimensions      = 1536
	DefaultMaxTokens            = 4096
)

type Config struct {
	DBPath    string          `json:"dbPath,omitempty"`
	Reasoner  ProviderConfig  `json:"reasoner"`
	Embedder  ProviderConfig  `json:"embedder"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Compress  CompressConfig  `json:"compress"`
	Manager   ManagerConfig   `json:"manager"`
}

type ProviderConfig struct {
	Type       string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey     string `json:"apiKey,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty"`
	Model      string `json:"model,omitempty"`
	MaxTokens  int    `json:"maxTokens,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type PipelineConfig struct {
	StoreThreshold     float64 `json:"storeThreshold"`
	DupThreshold       float64 `json:"dupThreshold"`
	AutonomyThreshold  float64 `json:"autonomyThreshold"`
	ProtectedThreshold float64 `json:"protectedThreshold"`
	MinConfidence      float64 `json:"minConfidence"`
	MaxFacts           int     `json:"maxFacts"`
	FactParallelism    int     `json:"factParallelism"`
}

type RetrievalConfig struct {
	TopK          int     `json:"topK"`
	LexicalWeight float64 `json:"lexicalWeight"`
	VectorWeight  float64 `json:"vectorWeight"`
	MMRLambda     float64 `json:"mmrLambda"`

	// MinSimilarity drops vector hits below this folded-cosine floor.
	// Zero keeps every hit.
	MinSimilarity float64 `json:"minSimilarity,omitempty"`
}

type LifecycleConfig struct {
	IdleThresholdDays    int     `json:"idleThresholdDays"`
	AutoArchiveThreshold float64 `json:"autoArchiveThreshold"`
	RetentionDays        int     `json:"retentionDays"`
	SweepSchedule        string  `json:"sweepSchedule,omitempty"`
	PolicyPath           string  `json:"policyPath,omitempty"`
}

type CompressConfig struct {
	ProtectedThreshold float64 `json:"protectedThreshold"`
	ClusterSimilarity  float64 `json:"clusterSimilarity"`
	HighWatermark      float64 `json:"highWatermark"`
	LowWatermark       float64 `json:"lowWatermark"`
	Capacity           int     `json:"capacity"`
}

type ManagerConfig struct {
	CacheTTL      time.Duration `json:"-"`
	CacheTTLRaw   string        `json:"cacheTtl,omitempty"`
	AddQueueDepth int           `json:"addQueueDepth"`
}

func DefaultConfig() *Config {
	return &Config{
		DBPath: filepath.Join(ConfigDir(), "engram.db"),
		Reasoner: ProviderConfig{
			Model:     DefaultReasonerModel,
			MaxTokens: DefaultMaxTokens,
		},
		Embedder: ProviderConfig{
			Model:      DefaultEmbedModel,
			Dimensions: DefaultEmbedDimensions,
		},
		Pipeline: PipelineConfig{
			StoreThreshold:     DefaultStoreThreshold,
			DupThreshold:       DefaultDupThreshold,
			AutonomyThreshold:  DefaultAutonomyThreshold,
			ProtectedThreshold: DefaultProtectedThreshold,
			MinConfidence:      DefaultMinConfidence,
			MaxFacts:           DefaultMaxFacts,
			FactParallelism:    DefaultFactParallelism,
		},
		Retrieval: RetrievalConfig{
			TopK:          DefaultTopK,
			LexicalWeight: DefaultLexicalWeight,
			VectorWeight:  DefaultVectorWeight,
			MMRLambda:     DefaultMMRLambda,
		},
		Lifecycle: LifecycleConfig{
			IdleThresholdDays:    DefaultIdleThresholdDays,
			AutoArchiveThreshold: DefaultAutoArchiveThreshold,
			RetentionDays:        DefaultRetentionDays,
			SweepSchedule:        DefaultSweepSchedule,
		},
		Compress: CompressConfig{
			ProtectedThreshold: DefaultProtectedThreshold,
			ClusterSimilarity:  DefaultClusterSimilarity,
			HighWatermark:      DefaultHighWatermark,
			LowWatermark:       DefaultLowWatermark,
			Capacity:           DefaultCapacity,
		},
		Manager: ManagerConfig{
			CacheTTL:      DefaultCacheTTL,
			AddQueueDepth: DefaultAddQueueDepth,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".engram")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("ENGRAM_API_KEY"); key != "" {
		cfg.Reasoner.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Reasoner.APIKey == "" {
		cfg.Reasoner.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.Reasoner.APIKey == "" {
			cfg.Reasoner.APIKey = key
			if cfg.Reasoner.Type == "" {
				cfg.Reasoner.Type = "openai"
			}
		}
		if cfg.Embedder.APIKey == "" {
			cfg.Embedder.APIKey = key
		}
	}
	if url := os.Getenv("ENGRAM_BASE_URL"); url != "" {
		cfg.Reasoner.BaseURL = url
	}
	if model := os.Getenv("ENGRAM_MODEL"); model != "" {
		cfg.Reasoner.Model = model
	}
	if key := os.Getenv("ENGRAM_EMBED_API_KEY"); key != "" {
		cfg.Embedder.APIKey = key
	}
	if url := os.Getenv("ENGRAM_EMBED_BASE_URL"); url != "" {
		cfg.Embedder.BaseURL = url
	}
	if model := os.Getenv("ENGRAM_EMBED_MODEL"); model != "" {
		cfg.Embedder.Model = model
	}
	if dbPath := os.Getenv("ENGRAM_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if v := os.Getenv("ENGRAM_STORE_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.StoreThreshold = parsed
		}
	}
	if v := os.Getenv("ENGRAM_DUP_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.DupThreshold = parsed
		}
	}
	if v := os.Getenv("ENGRAM_AUTONOMY_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pipeline.AutonomyThreshold = parsed
		}
	}
	if v := os.Getenv("ENGRAM_CAPACITY"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Compress.Capacity = parsed
		}
	}
	if v := os.Getenv("ENGRAM_SWEEP_SCHEDULE"); v != "" {
		cfg.Lifecycle.SweepSchedule = v
	}
	if v := os.Getenv("ENGRAM_POLICY_PATH"); v != "" {
		cfg.Lifecycle.PolicyPath = v
	}
	if v := os.Getenv("ENGRAM_CACHE_TTL"); v != "" {
		cfg.Manager.CacheTTLRaw = v
	}

	if cfg.Manager.CacheTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Manager.CacheTTLRaw)
		if err != nil {
			return nil, fmt.Errorf("parse cacheTtl: %w", err)
		}
		cfg.Manager.CacheTTL = d
	}
	if cfg.Manager.CacheTTL <= 0 {
		cfg.Manager.CacheTTL = DefaultCacheTTL
	}
	if cfg.Manager.AddQueueDepth <= 0 {
		cfg.Manager.AddQueueDepth = DefaultAddQueueDepth
	}
	if cfg.Pipeline.FactParallelism <= 0 {
		cfg.Pipeline.FactParallelism = DefaultFactParallelism
	}
	if cfg.Pipeline.MaxFacts <= 0 {
		cfg.Pipeline.MaxFacts = DefaultMaxFacts
	}
	if cfg.Pipeline.ProtectedThreshold <= 0 {
		cfg.Pipeline.ProtectedThreshold = DefaultProtectedThreshold
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = DefaultTopK
	}
	if cfg.Compress.Capacity <= 0 {
		cfg.Compress.Capacity = DefaultCapacity
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
