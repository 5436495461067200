// Package config provides cache configuration with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognized by FromEnv.
const (
	EnvDir                 = "AI_CACHE_DIR"
	EnvTTL                 = "AI_CACHE_TTL"
	EnvMaxSize             = "AI_CACHE_MAX_SIZE"
	EnvEnabled             = "AI_CACHE_ENABLED"
	EnvPriority            = "AI_CACHE_PRIORITY"
	EnvSimilarity          = "AI_CACHE_SIMILARITY"
	EnvSimilarityThreshold = "AI_CACHE_SIMILARITY_THRESHOLD"
	EnvBatchSize           = "AI_CACHE_BATCH_SIZE"
)

// Config represents the complete cache configuration.
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Priority   PriorityConfig   `yaml:"priority"`
	Similarity SimilarityConfig `yaml:"similarity"`
	HotTier    HotTierConfig    `yaml:"hot_tier"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CacheConfig contains the entry store settings.
type CacheConfig struct {
	Dir       string        `yaml:"dir"`
	TTL       time.Duration `yaml:"ttl"`
	MaxSizeMB int64         `yaml:"max_size_mb"`
	Enabled   bool          `yaml:"enabled"`
}

// PriorityConfig contains eviction scoring settings.
type PriorityConfig struct {
	Enabled          bool          `yaml:"enabled"`
	EvictionCooldown time.Duration `yaml:"eviction_cooldown"`
	ReclaimFactor    float64       `yaml:"reclaim_factor"`    // fraction of budget to reclaim down to
	ProtectThreshold float64       `yaml:"protect_threshold"` // scores above this survive reclaim
}

// SimilarityConfig contains the semantic fallback tier settings.
type SimilarityConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Threshold         float64       `yaml:"threshold"`
	ShortcutThreshold float64       `yaml:"shortcut_threshold"` // matches above this memoize into the exact-hash map
	BatchSize         int           `yaml:"batch_size"`
	SaveEvery         int           `yaml:"save_every"` // persist the index every N mutations
	SearchMemoTTL     time.Duration `yaml:"search_memo_ttl"`
}

// HotTierConfig contains the in-process (or Redis) hot cache settings.
type HotTierConfig struct {
	Backend      string        `yaml:"backend"` // memory, redis, none
	MaxEntries   int           `yaml:"max_entries"`
	TTL          time.Duration `yaml:"ttl"` // zero means half the store TTL
	MaxItemBytes int           `yaml:"max_item_bytes"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig defines the optional Redis hot-tier backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EmbeddingConfig contains embedding backend settings. An empty endpoint
// means the deterministic fallback strategy is used from the start.
type EmbeddingConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Dimension         int           `yaml:"dimension"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	MemoSize          int           `yaml:"memo_size"`
	Workers           int           `yaml:"workers"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeAttempts     int           `yaml:"probe_attempts"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:       defaultCacheDir(),
			TTL:       24 * time.Hour,
			MaxSizeMB: 500,
			Enabled:   true,
		},
		Priority: PriorityConfig{
			Enabled:          true,
			EvictionCooldown: 10 * time.Minute,
			ReclaimFactor:    0.90,
			ProtectThreshold: 7.0,
		},
		Similarity: SimilarityConfig{
			Enabled:           true,
			Threshold:         0.85,
			ShortcutThreshold: 0.95,
			BatchSize:         50,
			SaveEvery:         10,
			SearchMemoTTL:     30 * time.Second,
		},
		HotTier: HotTierConfig{
			Backend:      "memory",
			MaxEntries:   100,
			TTL:          0,
			MaxItemBytes: 256 * 1024,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "answercache",
			},
		},
		Embedding: EmbeddingConfig{
			Model:             "all-MiniLM-L6-v2",
			Dimension:         384,
			Timeout:           10 * time.Second,
			RequestsPerMinute: 300,
			BurstSize:         16,
			MemoSize:          256,
			Workers:           2,
			ProbeInterval:     5 * time.Second,
			ProbeAttempts:     3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ai_cache"
	}
	return filepath.Join(home, ".ai_cache")
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// FromEnv returns the default configuration overridden by the AI_CACHE_*
// environment variables. Malformed numeric values are reported rather than
// silently ignored.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv(EnvDir); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv(EnvTTL); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvTTL, err)
		}
		cfg.Cache.TTL = time.Duration(secs) * time.Second
	}
	if v := os.Getenv(EnvMaxSize); v != "" {
		mb, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvMaxSize, err)
		}
		cfg.Cache.MaxSizeMB = mb
	}
	if v := os.Getenv(EnvEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvEnabled, err)
		}
		cfg.Cache.Enabled = b
	}
	if v := os.Getenv(EnvPriority); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvPriority, err)
		}
		cfg.Priority.Enabled = b
	}
	if v := os.Getenv(EnvSimilarity); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvSimilarity, err)
		}
		cfg.Similarity.Enabled = b
	}
	if v := os.Getenv(EnvSimilarityThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvSimilarityThreshold, err)
		}
		cfg.Similarity.Threshold = f
	}
	if v := os.Getenv(EnvBatchSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvBatchSize, err)
		}
		cfg.Similarity.BatchSize = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Cache.MaxSizeMB <= 0 {
		return fmt.Errorf("cache.max_size_mb must be positive, got %d", c.Cache.MaxSizeMB)
	}

	if c.Priority.EvictionCooldown < 0 {
		return fmt.Errorf("priority.eviction_cooldown cannot be negative")
	}
	if c.Priority.ReclaimFactor <= 0 || c.Priority.ReclaimFactor > 1 {
		return fmt.Errorf("priority.reclaim_factor must be in (0, 1], got %g", c.Priority.ReclaimFactor)
	}
	if c.Priority.ProtectThreshold < 0 {
		return fmt.Errorf("priority.protect_threshold cannot be negative")
	}

	if c.Similarity.Threshold < 0 || c.Similarity.Threshold > 1 {
		return fmt.Errorf("similarity.threshold must be in [0, 1], got %g", c.Similarity.Threshold)
	}
	if c.Similarity.ShortcutThreshold < 0 || c.Similarity.ShortcutThreshold > 1 {
		return fmt.Errorf("similarity.shortcut_threshold must be in [0, 1], got %g", c.Similarity.ShortcutThreshold)
	}
	if c.Similarity.BatchSize <= 0 {
		return fmt.Errorf("similarity.batch_size must be positive, got %d", c.Similarity.BatchSize)
	}
	if c.Similarity.SaveEvery <= 0 {
		return fmt.Errorf("similarity.save_every must be positive, got %d", c.Similarity.SaveEvery)
	}

	switch c.HotTier.Backend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("hot_tier.backend must be one of memory, redis, none; got %q", c.HotTier.Backend)
	}
	if c.HotTier.Backend == "memory" && c.HotTier.MaxEntries <= 0 {
		return fmt.Errorf("hot_tier.max_entries must be positive, got %d", c.HotTier.MaxEntries)
	}
	if c.HotTier.Backend == "redis" && c.HotTier.Redis.Addr == "" {
		return fmt.Errorf("hot_tier.redis.addr is required for the redis backend")
	}
	if c.HotTier.TTL < 0 {
		return fmt.Errorf("hot_tier.ttl cannot be negative")
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.Workers <= 0 {
		return fmt.Errorf("embedding.workers must be positive, got %d", c.Embedding.Workers)
	}
	if c.Embedding.MemoSize <= 0 {
		return fmt.Errorf("embedding.memo_size must be positive, got %d", c.Embedding.MemoSize)
	}
	if c.Embedding.RequestsPerMinute < 0 {
		return fmt.Errorf("embedding.requests_per_minute cannot be negative")
	}

	return nil
}

// MaxSizeBytes converts the configured budget to bytes.
func (c *CacheConfig) MaxSizeBytes() int64 {
	return c.MaxSizeMB * 1024 * 1024
}

// EffectiveTTL returns the hot tier TTL, defaulting to half the store TTL.
func (h *HotTierConfig) EffectiveTTL(storeTTL time.Duration) time.Duration {
	if h.TTL > 0 {
		return h.TTL
	}
	return storeTTL / 2
}
