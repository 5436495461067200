package answercache

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/answercache/internal/config"
	"github.com/blueberrycongee/answercache/internal/embedding"
	"github.com/blueberrycongee/answercache/internal/hotcache"
	redishot "github.com/blueberrycongee/answercache/internal/hotcache/redis"
	"github.com/blueberrycongee/answercache/internal/metrics"
	"github.com/blueberrycongee/answercache/internal/similarity"
	"github.com/blueberrycongee/answercache/internal/store"
	"github.com/blueberrycongee/answercache/pkg/cacheerrors"
	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// EmbeddingIndexFile is the similarity sidecar filename inside the cache dir.
const EmbeddingIndexFile = "embedding_cache.json"

// ownerFile records which manager instance owns the cache directory. The
// design assumes a single process owns it; the file documents who that is.
const ownerFile = ".owner"

// Manager is the cache façade. Lookups walk hot tier, entry store, then the
// similarity index; every tier failure degrades to a miss. Construct once
// with New and share by reference.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	id     string
	store  *store.Store
	hot    hotcache.Cache
	embed  *embedding.Service
	index  *similarity.Index
	logger *slog.Logger

	// runtime-tunable via config hot reload
	enabled    atomic.Bool
	simEnabled atomic.Bool
	threshold  atomic.Uint64 // float64 bits

	active bool // constructed with tiers; false for a disabled manager
	closed atomic.Bool

	memoryHits    atomic.Int64
	exactHits     atomic.Int64
	simHits       atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	invalidations atomic.Int64
}

// New builds a Manager from the options. Configuration problems are fatal
// here and nowhere else.
func New(opts ...Option) (*Manager, error) {
	mc := defaultManagerConfig()
	for _, opt := range opts {
		opt(mc)
	}
	cfg := mc.cfg
	if err := cfg.Validate(); err != nil {
		return nil, cacheerrors.NewConfigError("config", err.Error())
	}

	m := &Manager{
		id:     uuid.New().String(),
		logger: mc.logger,
	}
	m.logger = m.logger.With("cache_instance", m.id)

	if !cfg.Cache.Enabled {
		// Disabled manager: no directory access, every operation a no-op.
		m.hot = hotcache.Disabled{}
		m.logger.Info("answer cache disabled")
		return m, nil
	}

	st, err := store.New(store.Config{
		Dir:         cfg.Cache.Dir,
		TTL:         cfg.Cache.TTL,
		BudgetBytes: cfg.Cache.MaxSizeBytes(),
		Priority: store.PriorityConfig{
			Enabled:          cfg.Priority.Enabled,
			Cooldown:         cfg.Priority.EvictionCooldown,
			ReclaimFactor:    cfg.Priority.ReclaimFactor,
			ProtectThreshold: cfg.Priority.ProtectThreshold,
		},
		Clock: mc.clock,
	}, m.logger)
	if err != nil {
		return nil, err
	}
	m.store = st

	if err := os.WriteFile(filepath.Join(cfg.Cache.Dir, ownerFile), []byte(m.id+"\n"), 0o644); err != nil {
		m.logger.Warn("failed to write cache owner file", "error", err)
	}

	m.embed = embedding.NewService(embedding.ServiceConfig{
		Endpoint:          cfg.Embedding.Endpoint,
		APIKey:            cfg.Embedding.APIKey,
		Model:             cfg.Embedding.Model,
		Dimension:         cfg.Embedding.Dimension,
		Timeout:           cfg.Embedding.Timeout,
		RequestsPerMinute: cfg.Embedding.RequestsPerMinute,
		BurstSize:         cfg.Embedding.BurstSize,
		MemoSize:          cfg.Embedding.MemoSize,
		Workers:           cfg.Embedding.Workers,
		ProbeInterval:     cfg.Embedding.ProbeInterval,
		ProbeAttempts:     cfg.Embedding.ProbeAttempts,
	}, m.logger)

	idx, err := similarity.NewIndex(similarity.Config{
		Path:              filepath.Join(cfg.Cache.Dir, EmbeddingIndexFile),
		ShortcutThreshold: cfg.Similarity.ShortcutThreshold,
		BatchSize:         cfg.Similarity.BatchSize,
		SaveEvery:         cfg.Similarity.SaveEvery,
		SearchMemoTTL:     cfg.Similarity.SearchMemoTTL,
	}, m.embed, m.logger)
	if err != nil {
		m.embed.Close()
		_ = st.Close()
		return nil, err
	}
	m.index = idx

	// Referential integrity: a slot leaving the store takes its embedding
	// record with it.
	st.OnRemove(idx.Remove)

	if mc.hotSet {
		m.hot = mc.hot
	} else {
		m.hot, err = newHotTier(cfg, m.logger)
		if err != nil {
			m.embed.Close()
			_ = idx.Close()
			_ = st.Close()
			return nil, err
		}
	}

	m.active = true
	m.enabled.Store(true)
	m.simEnabled.Store(cfg.Similarity.Enabled)
	m.setThreshold(cfg.Similarity.Threshold)

	if mc.configMgr != nil {
		mc.configMgr.Subscribe(m.applyReload)
	}

	m.logger.Info("answer cache initialized",
		"dir", cfg.Cache.Dir,
		"ttl", cfg.Cache.TTL,
		"max_size_mb", cfg.Cache.MaxSizeMB,
		"priority", cfg.Priority.Enabled,
		"similarity", cfg.Similarity.Enabled,
		"hot_tier", cfg.HotTier.Backend,
		"embedding_model", m.embed.Model(),
	)
	return m, nil
}

// NewFromEnv builds a Manager from the AI_CACHE_* environment variables,
// with any options applied on top.
func NewFromEnv(opts ...Option) (*Manager, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, cacheerrors.NewConfigError("env", err.Error())
	}
	return New(append([]Option{WithConfig(cfg)}, opts...)...)
}

func newHotTier(cfg *config.Config, logger *slog.Logger) (hotcache.Cache, error) {
	switch cfg.HotTier.Backend {
	case "none":
		return hotcache.Disabled{}, nil
	case "redis":
		rc := redishot.DefaultConfig()
		rc.Addr = cfg.HotTier.Redis.Addr
		rc.Password = cfg.HotTier.Redis.Password
		rc.DB = cfg.HotTier.Redis.DB
		if cfg.HotTier.Redis.KeyPrefix != "" {
			rc.KeyPrefix = cfg.HotTier.Redis.KeyPrefix
		}
		rc.TTL = cfg.HotTier.EffectiveTTL(cfg.Cache.TTL)
		return redishot.New(rc, logger)
	default:
		return hotcache.NewMemory(hotcache.MemoryConfig{
			MaxEntries:   cfg.HotTier.MaxEntries,
			TTL:          cfg.HotTier.EffectiveTTL(cfg.Cache.TTL),
			MaxItemBytes: cfg.HotTier.MaxItemBytes,
		}), nil
	}
}

// Get resolves a descriptor through the tiers. It never returns an error:
// every failure on the way down reads as a miss.
func (m *Manager) Get(ctx context.Context, d descriptor.Descriptor) (*Result, bool) {
	if !m.ready() {
		return nil, false
	}
	fp := d.Fingerprint()

	if payload, ok := m.hot.Get(ctx, fp); ok {
		m.memoryHits.Add(1)
		metrics.CacheHits.WithLabelValues(metrics.TierMemory).Inc()
		return &Result{Fingerprint: fp, Payload: payload, Source: SourceMemory}, true
	}

	if entry, ok := m.store.Get(ctx, fp); ok {
		m.hot.Set(ctx, fp, entry.Payload)
		m.exactHits.Add(1)
		metrics.CacheHits.WithLabelValues(metrics.TierExact).Inc()
		return &Result{
			Fingerprint: fp,
			Payload:     entry.Payload,
			Source:      SourceExact,
			CreatedAt:   entry.CreatedAt,
		}, true
	}

	if res, ok := m.similarityLookup(ctx, fp, d); ok {
		return res, true
	}

	m.misses.Add(1)
	metrics.CacheMisses.Inc()
	return nil, false
}

// similarityLookup is tier three: match the descriptor's free text against
// the index and serve the matched fingerprint's stored payload. The store
// stays the source of truth; a match it cannot resolve is pruned and read
// as a miss.
func (m *Manager) similarityLookup(ctx context.Context, fp descriptor.Fingerprint, d descriptor.Descriptor) (*Result, bool) {
	if !m.simEnabled.Load() {
		return nil, false
	}
	text, ok := d.QueryText()
	if !ok || text == "" {
		return nil, false
	}

	match, ok := m.index.Find(ctx, text, m.Threshold())
	if !ok {
		return nil, false
	}

	entry, ok := m.store.Get(ctx, match.Fingerprint)
	if !ok {
		m.logger.Warn("pruning inconsistent similarity record",
			"matched_fingerprint", match.Fingerprint.String(),
			"error", cacheerrors.ErrIndexInconsistent,
		)
		m.index.Remove(match.Fingerprint)
		return nil, false
	}

	// Backfill under the requested fingerprint so the next identical
	// descriptor is a memory hit.
	m.hot.Set(ctx, fp, entry.Payload)
	m.simHits.Add(1)
	metrics.CacheHits.WithLabelValues(metrics.TierSimilarity).Inc()

	return &Result{
		Fingerprint:        fp,
		Payload:            entry.Payload,
		Source:             SourceSimilarity,
		CreatedAt:          entry.CreatedAt,
		Similarity:         match.Similarity,
		MatchedFingerprint: match.Fingerprint,
		MatchedQuery:       queryFromKeyData(entry.KeyData),
	}, true
}

// Set stores the payload for the descriptor, populating every tier.
func (m *Manager) Set(ctx context.Context, d descriptor.Descriptor, payload json.RawMessage) error {
	if !m.ready() {
		return nil
	}
	fp := d.Fingerprint()

	keyData, err := json.Marshal(d)
	if err != nil {
		return cacheerrors.NewSerializationError("set", err)
	}
	if err := m.store.Set(ctx, fp, keyData, payload); err != nil {
		return err
	}
	m.hot.Set(ctx, fp, payload)

	if m.simEnabled.Load() {
		if text, ok := d.QueryText(); ok && text != "" {
			m.index.Add(ctx, fp, text)
		}
	}

	m.sets.Add(1)
	metrics.CacheSets.Inc()
	return nil
}

// Invalidate removes the descriptor from every tier. It reports whether
// anything was removed and is safe to call repeatedly.
func (m *Manager) Invalidate(ctx context.Context, d descriptor.Descriptor) bool {
	if !m.ready() {
		return false
	}
	fp := d.Fingerprint()

	m.hot.Delete(ctx, fp)
	removed := m.store.Invalidate(ctx, fp) // removal hook prunes the index

	if removed {
		m.invalidations.Add(1)
		metrics.CacheInvalidations.Inc()
	}
	return removed
}

// Stats returns a snapshot of counters and the recomputed store footprint.
func (m *Manager) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:           m.exactHits.Load(),
		MemoryHits:     m.memoryHits.Load(),
		SimilarityHits: m.simHits.Load(),
		Misses:         m.misses.Load(),
		Sets:           m.sets.Load(),
		Invalidations:  m.invalidations.Load(),
	}
	if m.active && !m.closed.Load() {
		u := m.store.Usage(ctx)
		s.Entries = u.Entries
		s.SizeBytes = u.SizeBytes
		s.Evictions = m.store.Evictions()
		s.HotTierEntries = m.hot.Len(ctx)
		s.IndexSize = m.index.Size()
		s.EmbeddingMemo = m.embed.MemoLen()
		s.FallbackActive = m.embed.UsingFallback()
		metrics.HotTierEntries.Set(float64(s.HotTierEntries))
	}
	s.computeHitRatio()
	return s
}

// Sweep deletes expired entries from disk and returns how many went.
func (m *Manager) Sweep(ctx context.Context) int {
	if !m.ready() {
		return 0
	}
	return m.store.Sweep(ctx)
}

// CheckBudget runs the cooldown-gated budget check immediately.
func (m *Manager) CheckBudget(ctx context.Context) {
	if m.ready() {
		m.store.CheckBudget(ctx)
	}
}

// Clear empties every tier and both sidecar indexes.
func (m *Manager) Clear(ctx context.Context) error {
	if !m.ready() {
		return nil
	}
	m.hot.Flush(ctx)
	if err := m.index.Clear(); err != nil {
		return err
	}
	return m.store.Clear(ctx)
}

// Threshold returns the current similarity threshold.
func (m *Manager) Threshold() float64 {
	return math.Float64frombits(m.threshold.Load())
}

func (m *Manager) setThreshold(v float64) {
	m.threshold.Store(math.Float64bits(v))
}

// ID returns the manager's instance identifier, as written to the cache
// directory's owner file.
func (m *Manager) ID() string { return m.id }

// Enabled reports whether lookups are currently served.
func (m *Manager) Enabled() bool { return m.ready() }

func (m *Manager) ready() bool {
	return m.active && m.enabled.Load() && !m.closed.Load()
}

// applyReload retunes the runtime knobs after a config hot reload.
func (m *Manager) applyReload(cfg *config.Config) {
	m.enabled.Store(cfg.Cache.Enabled)
	m.simEnabled.Store(cfg.Similarity.Enabled)
	m.setThreshold(cfg.Similarity.Threshold)
	m.logger.Info("cache tunables reloaded",
		"enabled", cfg.Cache.Enabled,
		"similarity", cfg.Similarity.Enabled,
		"threshold", cfg.Similarity.Threshold,
	)
}

// Close flushes the sidecar indexes and releases every tier. Operations on
// a closed manager are no-op misses.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if m.hot != nil {
		if err := m.hot.Close(); err != nil {
			firstErr = err
		}
	}
	if m.index != nil {
		if err := m.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.embed != nil {
		m.embed.Close()
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// queryFromKeyData pulls the free-text query out of a stored descriptor's
// canonical key data, for similarity hit metadata.
func queryFromKeyData(keyData json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(keyData, &fields); err != nil {
		return ""
	}
	raw, ok := fields[descriptor.QueryField]
	if !ok {
		return ""
	}
	var q string
	if err := json.Unmarshal(raw, &q); err != nil {
		return ""
	}
	return q
}
