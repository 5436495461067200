package answercache

import (
	"log/slog"
	"time"

	"github.com/blueberrycongee/answercache/internal/config"
	"github.com/blueberrycongee/answercache/internal/hotcache"
)

// managerConfig collects everything New needs. The cache tunables live in
// internal/config so the YAML file, the environment, and the options share
// one schema.
type managerConfig struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  func() time.Time

	hot        hotcache.Cache  // custom hot tier, overrides cfg.HotTier
	hotSet     bool
	configMgr  *config.Manager // optional hot-reload source
	watchStart bool
}

// Option configures the Manager.
type Option func(*managerConfig)

func defaultManagerConfig() *managerConfig {
	return &managerConfig{
		cfg:    config.DefaultConfig(),
		logger: slog.Default(),
		clock:  time.Now,
	}
}

// WithConfig replaces the entire configuration, typically one produced by
// config.LoadFromFile or config.FromEnv. Later options still apply on top.
func WithConfig(cfg *config.Config) Option {
	return func(m *managerConfig) {
		if cfg != nil {
			m.cfg = cfg
		}
	}
}

// WithDir sets the cache directory.
func WithDir(dir string) Option {
	return func(m *managerConfig) { m.cfg.Cache.Dir = dir }
}

// WithTTL sets the entry time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(m *managerConfig) { m.cfg.Cache.TTL = ttl }
}

// WithMaxSizeMB sets the disk budget in megabytes.
func WithMaxSizeMB(mb int64) Option {
	return func(m *managerConfig) { m.cfg.Cache.MaxSizeMB = mb }
}

// WithEnabled turns the whole cache on or off. A disabled manager answers
// every lookup with a cheap miss.
func WithEnabled(enabled bool) Option {
	return func(m *managerConfig) { m.cfg.Cache.Enabled = enabled }
}

// WithPriorityMode toggles score-protected eviction.
func WithPriorityMode(enabled bool) Option {
	return func(m *managerConfig) { m.cfg.Priority.Enabled = enabled }
}

// WithEvictionPolicy overrides the eviction knobs: the budget-check
// cooldown, the reclaim target as a fraction of the budget, and the score
// above which entries survive reclaim.
func WithEvictionPolicy(cooldown time.Duration, reclaimFactor, protectThreshold float64) Option {
	return func(m *managerConfig) {
		m.cfg.Priority.EvictionCooldown = cooldown
		m.cfg.Priority.ReclaimFactor = reclaimFactor
		m.cfg.Priority.ProtectThreshold = protectThreshold
	}
}

// WithSimilarityMode toggles the semantic fallback tier.
func WithSimilarityMode(enabled bool) Option {
	return func(m *managerConfig) { m.cfg.Similarity.Enabled = enabled }
}

// WithSimilarityThreshold sets the minimum similarity for a fallback match.
func WithSimilarityThreshold(threshold float64) Option {
	return func(m *managerConfig) { m.cfg.Similarity.Threshold = threshold }
}

// WithEmbeddingBatchSize sets the similarity scan chunk size.
func WithEmbeddingBatchSize(n int) Option {
	return func(m *managerConfig) { m.cfg.Similarity.BatchSize = n }
}

// WithEmbeddingEndpoint points the embedding service at an OpenAI-compatible
// /embeddings endpoint. Without one, the deterministic hash fallback is used
// and similarity matching only catches verbatim duplicate queries.
func WithEmbeddingEndpoint(endpoint, apiKey string) Option {
	return func(m *managerConfig) {
		m.cfg.Embedding.Endpoint = endpoint
		m.cfg.Embedding.APIKey = apiKey
	}
}

// WithHotTier injects a custom hot tier implementation.
func WithHotTier(c hotcache.Cache) Option {
	return func(m *managerConfig) {
		m.hot = c
		m.hotSet = true
	}
}

// WithoutHotTier disables the hot tier; every lookup goes to disk.
func WithoutHotTier() Option {
	return func(m *managerConfig) {
		m.hot = hotcache.Disabled{}
		m.hotSet = true
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *managerConfig) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfigManager attaches a hot-reloading configuration manager. The
// cache re-reads the enable flags and the similarity threshold after every
// reload; structural settings (directory, backends) stay fixed for the
// manager's lifetime.
func WithConfigManager(cm *config.Manager) Option {
	return func(m *managerConfig) {
		m.configMgr = cm
		m.cfg = cm.Get()
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *managerConfig) {
		if clock != nil {
			m.clock = clock
		}
	}
}
