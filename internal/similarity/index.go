// Package similarity maintains the vector index backing paraphrase lookups.
//
// Each record pairs a cache fingerprint with the embedding of the query
// text that produced it. Lookups scan the records in batches with
// precomputed norms; an exact-text-hash shortcut map answers repeated
// queries without touching the vectors at all.
package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/answercache/internal/metrics"
	"github.com/blueberrycongee/answercache/pkg/cacheerrors"
	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// Embedder produces a vector for a query text. A zero vector marks a text
// that could not be embedded; it never matches anything.
type Embedder interface {
	Embed(ctx context.Context, text string) []float64
}

// Match is a successful similarity lookup.
type Match struct {
	Fingerprint descriptor.Fingerprint
	Similarity  float64
}

// Config holds the index tuning knobs.
type Config struct {
	// Path is the persisted index location (embedding_cache.json).
	Path string

	// ShortcutThreshold: matches scoring above it are memoized into the
	// exact-hash map so the next identical query skips the scan.
	ShortcutThreshold float64

	// BatchSize is the chunk size for the similarity scan.
	BatchSize int

	// SaveEvery persists the index after this many mutations.
	SaveEvery int

	// SearchMemoTTL throttles repeated scans for a text that just missed.
	// Zero disables the memo.
	SearchMemoTTL time.Duration
}

type record struct {
	fp   descriptor.Fingerprint
	vec  []float64
	norm float64
}

// Index is the fingerprint-to-vector map with batched cosine search.
// Records keep insertion order, which makes tie-breaks deterministic: the
// first record to reach a score wins it.
type Index struct {
	mu        sync.RWMutex
	embedder  Embedder
	records   []record
	pos       map[descriptor.Fingerprint]int
	shortcuts map[string]descriptor.Fingerprint

	path              string
	shortcutThreshold float64
	batchSize         int
	saveEvery         int
	dirty             int

	searchMemo *gocache.Cache
	logger     *slog.Logger
}

type persistedIndex struct {
	Embeddings  map[string][]float64 `json:"embeddings"`
	QueryHashes map[string]string    `json:"query_hashes"`
}

// NewIndex builds the index and loads any persisted state from cfg.Path.
// A missing or corrupt file starts the index empty.
func NewIndex(cfg Config, embedder Embedder, logger *slog.Logger) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShortcutThreshold <= 0 || cfg.ShortcutThreshold > 1 {
		cfg.ShortcutThreshold = 0.95
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SaveEvery <= 0 {
		cfg.SaveEvery = 10
	}

	idx := &Index{
		embedder:          embedder,
		pos:               make(map[descriptor.Fingerprint]int),
		shortcuts:         make(map[string]descriptor.Fingerprint),
		path:              cfg.Path,
		shortcutThreshold: cfg.ShortcutThreshold,
		batchSize:         cfg.BatchSize,
		saveEvery:         cfg.SaveEvery,
		logger:            logger,
	}
	if cfg.SearchMemoTTL > 0 {
		idx.searchMemo = gocache.New(cfg.SearchMemoTTL, cfg.SearchMemoTTL*2)
	}

	idx.load()
	return idx, nil
}

// load restores persisted records. Records are ordered by fingerprint so a
// restart yields the same tie-break order every time.
func (idx *Index) load() {
	if idx.path == "" {
		return
	}
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if !os.IsNotExist(err) {
			idx.logger.Warn("failed to read similarity index, starting empty",
				"path", idx.path,
				"error", err,
			)
		}
		return
	}

	var p persistedIndex
	if err := json.Unmarshal(data, &p); err != nil {
		idx.logger.Warn("corrupt similarity index, starting empty",
			"path", idx.path,
			"error", err,
		)
		return
	}

	fps := make([]string, 0, len(p.Embeddings))
	for fp := range p.Embeddings {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	for _, fp := range fps {
		vec := p.Embeddings[fp]
		idx.pos[descriptor.Fingerprint(fp)] = len(idx.records)
		idx.records = append(idx.records, record{
			fp:   descriptor.Fingerprint(fp),
			vec:  vec,
			norm: l2norm(vec),
		})
	}
	// Keep only shortcuts whose target still exists.
	for hash, fp := range p.QueryHashes {
		if _, ok := idx.pos[descriptor.Fingerprint(fp)]; ok {
			idx.shortcuts[hash] = descriptor.Fingerprint(fp)
		}
	}

	idx.logger.Debug("similarity index loaded",
		"records", len(idx.records),
		"shortcuts", len(idx.shortcuts),
	)
}

// Find looks for a cached fingerprint whose query text is similar to text,
// requiring similarity strictly above threshold.
func (idx *Index) Find(ctx context.Context, text string, threshold float64) (Match, bool) {
	if text == "" {
		return Match{}, false
	}
	hash := textHash(text)

	idx.mu.RLock()
	if fp, ok := idx.shortcuts[hash]; ok {
		if _, live := idx.pos[fp]; live {
			idx.mu.RUnlock()
			return Match{Fingerprint: fp, Similarity: 1.0}, true
		}
	}
	empty := len(idx.records) == 0
	idx.mu.RUnlock()

	if empty {
		return Match{}, false
	}
	if idx.searchMemo != nil {
		if _, missed := idx.searchMemo.Get(hash); missed {
			return Match{}, false
		}
	}

	query := idx.embedder.Embed(ctx, text)
	queryNorm := l2norm(query)
	if queryNorm == 0 {
		// Embedding failed; do not memoize, the next attempt may succeed.
		return Match{}, false
	}

	start := time.Now()
	best, ok := idx.scan(query, queryNorm, threshold)
	metrics.SimilaritySearchDuration.Observe(time.Since(start).Seconds())

	if !ok {
		if idx.searchMemo != nil {
			idx.searchMemo.Set(hash, true, gocache.DefaultExpiration)
		}
		return Match{}, false
	}

	if best.Similarity > idx.shortcutThreshold {
		idx.mu.Lock()
		idx.shortcuts[hash] = best.Fingerprint
		idx.dirty++
		idx.maybeSaveLocked()
		idx.mu.Unlock()
	}
	return best, true
}

// scan runs the batched cosine pass over all records.
func (idx *Index) scan(query []float64, queryNorm float64, threshold float64) (Match, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var (
		bestFP  descriptor.Fingerprint
		bestSim float64
		found   bool
	)

	for lo := 0; lo < len(idx.records); lo += idx.batchSize {
		hi := lo + idx.batchSize
		if hi > len(idx.records) {
			hi = len(idx.records)
		}
		for i := lo; i < hi; i++ {
			rec := &idx.records[i]
			sim := cosine(query, queryNorm, rec.vec, rec.norm)
			if sim > threshold && sim > bestSim {
				bestSim = sim
				bestFP = rec.fp
				found = true
			}
		}
	}

	return Match{Fingerprint: bestFP, Similarity: bestSim}, found
}

// Add registers (or replaces) the vector for a fingerprint. The text's
// exact hash is recorded as a shortcut so the identical query hits without
// a scan.
func (idx *Index) Add(ctx context.Context, fp descriptor.Fingerprint, text string) {
	if text == "" {
		return
	}
	vec := idx.embedder.Embed(ctx, text)
	norm := l2norm(vec)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if i, ok := idx.pos[fp]; ok {
		idx.records[i].vec = vec
		idx.records[i].norm = norm
	} else {
		idx.pos[fp] = len(idx.records)
		idx.records = append(idx.records, record{fp: fp, vec: vec, norm: norm})
	}
	idx.shortcuts[textHash(text)] = fp

	// New content can turn recent misses into hits.
	if idx.searchMemo != nil {
		idx.searchMemo.Flush()
	}

	idx.dirty++
	idx.maybeSaveLocked()
}

// Remove drops the fingerprint's vector and every shortcut pointing at it.
func (idx *Index) Remove(fp descriptor.Fingerprint) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	i, ok := idx.pos[fp]
	if !ok {
		return
	}
	idx.records = append(idx.records[:i], idx.records[i+1:]...)
	delete(idx.pos, fp)
	for j := i; j < len(idx.records); j++ {
		idx.pos[idx.records[j].fp] = j
	}
	for hash, target := range idx.shortcuts {
		if target == fp {
			delete(idx.shortcuts, hash)
		}
	}

	idx.dirty++
	idx.maybeSaveLocked()
}

// Has reports whether the fingerprint is indexed.
func (idx *Index) Has(fp descriptor.Fingerprint) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.pos[fp]
	return ok
}

// Size returns the number of indexed vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// ShortcutLen returns the number of exact-hash shortcuts.
func (idx *Index) ShortcutLen() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.shortcuts)
}

// Clear drops every record and shortcut and removes the persisted file.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.records = nil
	idx.pos = make(map[descriptor.Fingerprint]int)
	idx.shortcuts = make(map[string]descriptor.Fingerprint)
	idx.dirty = 0
	if idx.searchMemo != nil {
		idx.searchMemo.Flush()
	}

	if idx.path == "" {
		return nil
	}
	if err := os.Remove(idx.path); err != nil && !os.IsNotExist(err) {
		return cacheerrors.NewIndexError("clear", err)
	}
	return nil
}

// Save persists the index immediately.
func (idx *Index) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.saveLocked()
}

// Close persists any unsaved mutations.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dirty == 0 {
		return nil
	}
	return idx.saveLocked()
}

func (idx *Index) maybeSaveLocked() {
	if idx.dirty < idx.saveEvery {
		return
	}
	if err := idx.saveLocked(); err != nil {
		idx.logger.Warn("failed to persist similarity index", "error", err)
	}
}

func (idx *Index) saveLocked() error {
	if idx.path == "" {
		idx.dirty = 0
		return nil
	}

	p := persistedIndex{
		Embeddings:  make(map[string][]float64, len(idx.records)),
		QueryHashes: make(map[string]string, len(idx.shortcuts)),
	}
	for _, rec := range idx.records {
		p.Embeddings[string(rec.fp)] = rec.vec
	}
	for hash, fp := range idx.shortcuts {
		p.QueryHashes[hash] = string(fp)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return cacheerrors.NewSerializationError("save_index", err)
	}

	if err := ensureDir(idx.path); err != nil {
		return cacheerrors.NewIndexError("save", err)
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cacheerrors.NewIndexError("save", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return cacheerrors.NewIndexError("save", err)
	}

	idx.dirty = 0
	return nil
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func l2norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// cosine computes the clamped cosine similarity using precomputed norms.
// Mismatched dimensions and zero norms score 0, so they can never win.
func cosine(a []float64, normA float64, b []float64, normB float64) float64 {
	if len(a) != len(b) || normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	sim := dot / (normA * normB)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// ensure the persisted file's directory exists before first save.
func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
