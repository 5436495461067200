// Package metrics provides Prometheus metrics for the answer cache.
// It tracks hits per tier, misses, writes, evictions, embedding calls, and
// store usage. Exposition is left to the embedding application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "answercache"
)

// Tier label values for CacheHits.
const (
	TierMemory     = "memory"
	TierExact      = "exact"
	TierSimilarity = "similarity"
)

// Backend label values for EmbedCalls.
const (
	BackendRemote   = "remote"
	BackendFallback = "fallback"
)

// =============================================================================
// Lookup Metrics
// =============================================================================

var (
	// CacheHits counts cache hits by serving tier.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total cache hits by tier",
		},
		[]string{"tier"},
	)

	// CacheMisses counts lookups no tier could answer.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total cache misses",
		},
	)

	// CacheSets counts stored responses.
	CacheSets = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sets_total",
			Help:      "Total responses written to the cache",
		},
	)

	// CacheInvalidations counts explicit removals.
	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Total explicit cache invalidations",
		},
	)
)

// =============================================================================
// Eviction Metrics
// =============================================================================

var (
	// Evictions counts entries removed by budget reclaim.
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total entries evicted to reclaim disk budget",
		},
	)

	// EvictionBytesReclaimed counts bytes freed by reclaim runs.
	EvictionBytesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eviction_bytes_reclaimed_total",
			Help:      "Total bytes freed by eviction",
		},
	)
)

// =============================================================================
// Embedding Metrics
// =============================================================================

var (
	// EmbedCalls counts embedding computations by backend strategy.
	EmbedCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_calls_total",
			Help:      "Total embedding computations by backend",
		},
		[]string{"backend"},
	)

	// EmbedFailures counts embedding computations that returned no vector.
	EmbedFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_failures_total",
			Help:      "Total failed embedding computations by backend",
		},
		[]string{"backend"},
	)

	// SimilaritySearchDuration tracks full index scan latency.
	SimilaritySearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "similarity_search_duration_seconds",
			Help:      "Similarity search duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)
)

// =============================================================================
// Store Metrics
// =============================================================================

var (
	// StoreEntries tracks the number of persisted cache slots.
	StoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Current number of persisted cache entries",
		},
	)

	// StoreSizeBytes tracks the persisted cache size.
	StoreSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "size_bytes",
			Help:      "Current persisted cache size in bytes",
		},
	)

	// HotTierEntries tracks the hot tier entry count.
	HotTierEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hot_tier_entries",
			Help:      "Current number of hot tier entries",
		},
	)

	// StoreOpDuration tracks entry store operation latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Entry store operation duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"op"}, // "get", "set", "invalidate", "sweep", "usage"
	)
)
