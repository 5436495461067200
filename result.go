package answercache

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// Source names the tier that served a hit.
type Source string

// Serving tiers.
const (
	SourceMemory     Source = "memory"
	SourceExact      Source = "exact"
	SourceSimilarity Source = "similarity"
)

// Result is a successful cache lookup.
type Result struct {
	// Fingerprint is the identity of the requested descriptor.
	Fingerprint descriptor.Fingerprint `json:"fingerprint"`

	// Payload is the stored response, exactly as it was set.
	Payload json.RawMessage `json:"payload"`

	// Source is the tier that answered.
	Source Source `json:"source"`

	// CreatedAt is when the underlying entry was stored. Zero for memory
	// hits, which do not touch the entry store.
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Similarity metadata, present only on similarity hits. The payload
	// then belongs to MatchedFingerprint's entry, served for the requested
	// descriptor; MatchedQuery is the stored query text that matched.
	Similarity         float64                `json:"similarity,omitempty"`
	MatchedFingerprint descriptor.Fingerprint `json:"matched_fingerprint,omitempty"`
	MatchedQuery       string                 `json:"matched_query,omitempty"`
}

// Stats is a point-in-time snapshot of the cache counters and footprint.
type Stats struct {
	Hits           int64 `json:"hits"` // exact-tier hits
	MemoryHits     int64 `json:"memory_hits"`
	SimilarityHits int64 `json:"similarity_hits"`
	Misses         int64 `json:"misses"`
	Sets           int64 `json:"sets"`
	Invalidations  int64 `json:"invalidations"`
	Evictions      int64 `json:"evictions"`

	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`

	HotTierEntries int `json:"hot_tier_entries"`
	IndexSize      int `json:"index_size"`
	EmbeddingMemo  int `json:"embedding_memo"`

	// FallbackActive reports whether embeddings come from the deterministic
	// hash strategy rather than a real model.
	FallbackActive bool `json:"fallback_active"`

	// HitRatio counts every tier's hits against total lookups.
	HitRatio float64 `json:"hit_ratio"`
}

func (s *Stats) computeHitRatio() {
	hits := s.Hits + s.MemoryHits + s.SimilarityHits
	total := hits + s.Misses
	if total > 0 {
		s.HitRatio = float64(hits) / float64(total)
	}
}
