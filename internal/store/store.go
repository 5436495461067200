// Package store persists cache entries as one JSON slot per fingerprint.
//
// The store is the source of truth for every other tier: the hot cache and
// the similarity index are rebuilt or pruned against it. A single mutex
// serializes every read-modify-write touching the directory and the priority
// index file, including writes for different fingerprints. Cache operations
// are cheap next to the queries they memoize, so the simple lock wins over
// finer-grained schemes.
package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/answercache/internal/metrics"
	"github.com/blueberrycongee/answercache/pkg/cacheerrors"
	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// PriorityIndexFile is the priority sidecar filename inside the cache dir.
const PriorityIndexFile = "priority_index.json"

// Config holds the entry store construction parameters.
type Config struct {
	// Dir is the cache directory. Created if missing; must be writable.
	Dir string

	// TTL is the maximum entry age. Expired entries read as misses and are
	// only deleted by Sweep or eviction.
	TTL time.Duration

	// BudgetBytes caps the directory size. Zero disables eviction.
	BudgetBytes int64

	// Priority enables score-protected eviction and the priority index.
	Priority PriorityConfig

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Entry is one resolved cache slot.
type Entry struct {
	Fingerprint descriptor.Fingerprint
	KeyData     json.RawMessage
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// slot is the persisted form: {"timestamp", "key_data", "data"}.
type slot struct {
	Timestamp float64         `json:"timestamp"`
	KeyData   json.RawMessage `json:"key_data"`
	Data      json.RawMessage `json:"data"`
}

// Usage is the recomputed store footprint.
type Usage struct {
	Entries   int
	SizeBytes int64
}

// Store is the disk-backed entry store with lazy TTL and budget eviction.
type Store struct {
	mu      sync.Mutex
	dir     string
	ttl     time.Duration
	budget  int64
	evictor *Evictor
	now     func() time.Time
	logger  *slog.Logger

	// onRemove fires for every slot that leaves the store (invalidation,
	// eviction, sweep), under the store lock. Used to keep the similarity
	// index referentially consistent.
	onRemove func(descriptor.Fingerprint)

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates the store, making the directory and verifying it is writable.
// Construction is the only place a configuration problem is fatal.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, cacheerrors.NewConfigError("dir", "cache directory is required")
	}
	if cfg.TTL <= 0 {
		return nil, cacheerrors.NewConfigError("ttl", "ttl must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, cacheerrors.NewConfigError("dir", "cannot create cache directory: "+err.Error())
	}
	probe := filepath.Join(cfg.Dir, ".writable")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return nil, cacheerrors.NewConfigError("dir", "cache directory is not writable: "+err.Error())
	}
	_ = os.Remove(probe)

	s := &Store{
		dir:    cfg.Dir,
		ttl:    cfg.TTL,
		budget: cfg.BudgetBytes,
		now:    cfg.Clock,
		logger: logger,
	}
	s.evictor = NewEvictor(cfg.Priority, cfg.TTL, filepath.Join(cfg.Dir, PriorityIndexFile), logger)
	return s, nil
}

// OnRemove registers the slot removal hook. Register before first use; the
// field is not locked separately.
func (s *Store) OnRemove(fn func(descriptor.Fingerprint)) { s.onRemove = fn }

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Get resolves a fingerprint. A missing slot, a corrupt slot, or an expired
// one all read as a miss; read failures never propagate to the caller.
func (s *Store) Get(ctx context.Context, fp descriptor.Fingerprint) (*Entry, bool) {
	start := s.now()
	defer func() {
		metrics.StoreOpDuration.WithLabelValues("get").Observe(s.now().Sub(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.slotPath(fp))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("cache slot read failed, treating as miss",
				"fingerprint", fp.String(),
				"error", err,
			)
		}
		s.misses.Add(1)
		return nil, false
	}

	var sl slot
	if err := json.Unmarshal(data, &sl); err != nil {
		s.logger.Warn("corrupt cache slot, treating as miss",
			"fingerprint", fp.String(),
			"error", err,
		)
		s.misses.Add(1)
		return nil, false
	}

	created := timeFromEpoch(sl.Timestamp)
	if s.now().Sub(created) > s.ttl {
		// Stale. Left on disk for Sweep or eviction to collect.
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	s.evictor.Touch(fp, s.now())
	return &Entry{
		Fingerprint: fp,
		KeyData:     sl.KeyData,
		Payload:     sl.Data,
		CreatedAt:   created,
	}, true
}

// Set writes the slot, replacing any prior value for the fingerprint. An
// opportunistic budget check runs first so a full cache makes room before
// growing.
func (s *Store) Set(ctx context.Context, fp descriptor.Fingerprint, keyData, payload json.RawMessage) error {
	start := s.now()
	defer func() {
		metrics.StoreOpDuration.WithLabelValues("set").Observe(s.now().Sub(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkBudgetLocked()

	data, err := json.Marshal(slot{
		Timestamp: epochSeconds(s.now()),
		KeyData:   keyData,
		Data:      payload,
	})
	if err != nil {
		return cacheerrors.NewSerializationError("set", err)
	}

	if err := s.writeSlotLocked(fp, data); err != nil {
		s.logger.Error("cache slot write failed",
			"fingerprint", fp.String(),
			"error", err,
		)
		return cacheerrors.NewStoreError("set", fp.String(), err)
	}
	return nil
}

// Invalidate removes the slot and its priority record. It reports whether
// anything existed; a second call for the same fingerprint returns false.
func (s *Store) Invalidate(ctx context.Context, fp descriptor.Fingerprint) bool {
	start := s.now()
	defer func() {
		metrics.StoreOpDuration.WithLabelValues("invalidate").Observe(s.now().Sub(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.slotPath(fp))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("cache slot delete failed",
				"fingerprint", fp.String(),
				"error", err,
			)
		}
		return false
	}

	s.evictor.Forget(fp)
	s.notifyRemoveLocked(fp)
	return true
}

// Usage recomputes the entry count and byte size by enumerating the
// directory. Slot sizes change out of band, so no running counter is kept.
func (s *Store) Usage(ctx context.Context) Usage {
	start := s.now()
	defer func() {
		metrics.StoreOpDuration.WithLabelValues("usage").Observe(s.now().Sub(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usageLocked()

	metrics.StoreEntries.Set(float64(u.Entries))
	metrics.StoreSizeBytes.Set(float64(u.SizeBytes))
	return u
}

// Sweep deletes every expired slot and returns how many were removed.
// Nothing schedules this automatically; the hot path relies on lazy expiry.
func (s *Store) Sweep(ctx context.Context) int {
	start := s.now()
	defer func() {
		metrics.StoreOpDuration.WithLabelValues("sweep").Observe(s.now().Sub(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, f := range s.slotFilesLocked() {
		data, err := os.ReadFile(filepath.Join(s.dir, f.name))
		if err != nil {
			continue
		}
		var sl slot
		if err := json.Unmarshal(data, &sl); err == nil &&
			s.now().Sub(timeFromEpoch(sl.Timestamp)) <= s.ttl {
			continue
		}
		// Expired or unreadable; either way the slot is dead weight.
		fp := fingerprintFromName(f.name)
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			s.logger.Warn("sweep failed to remove slot", "slot", f.name, "error", err)
			continue
		}
		s.evictor.Forget(fp)
		s.notifyRemoveLocked(fp)
		removed++
	}

	if removed > 0 {
		s.logger.Info("swept expired cache entries", "removed", removed)
	}
	return removed
}

// Clear removes every slot and the priority index. The removal hook does not
// fire per slot; callers reset dependent tiers wholesale.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range s.slotFilesLocked() {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.evictor.Reset()

	if firstErr != nil {
		return cacheerrors.NewStoreError("clear", "", firstErr)
	}
	return nil
}

// Hits returns the exact-tier hit count.
func (s *Store) Hits() int64 { return s.hits.Load() }

// Misses returns the exact-tier miss count.
func (s *Store) Misses() int64 { return s.misses.Load() }

// Evictions returns the number of entries removed by budget reclaim.
func (s *Store) Evictions() int64 { return s.evictor.Evictions() }

// Score exposes the current priority score for a fingerprint.
func (s *Store) Score(fp descriptor.Fingerprint) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictor.Score(fp, s.now())
}

// Touch records an access without reading the slot. The similarity tier
// uses it when a match resolves through another fingerprint's slot.
func (s *Store) Touch(fp descriptor.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictor.Touch(fp, s.now())
}

// CheckBudget runs the cooldown-gated budget check immediately. Set calls
// it opportunistically; the CLI exposes it for explicit maintenance.
func (s *Store) CheckBudget(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkBudgetLocked()
}

// Close persists any pending priority state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictor.Save()
}

func (s *Store) checkBudgetLocked() {
	if s.budget <= 0 || !s.evictor.ShouldCheck(s.now()) {
		return
	}
	u := s.usageLocked()
	if u.SizeBytes <= s.budget {
		return
	}
	target := s.evictor.Target(s.budget)
	s.reclaimLocked(target)
}

// reclaimLocked deletes entries oldest-modified-first until the directory
// fits the target, skipping score-protected entries. Ending over target
// because only protected entries remain is accepted, not an error.
func (s *Store) reclaimLocked(target int64) {
	files := s.slotFilesLocked()
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	var size int64
	for _, f := range files {
		size += f.size
	}

	now := s.now()
	evicted := 0
	var freed int64
	for _, f := range files {
		if size <= target {
			break
		}
		fp := fingerprintFromName(f.name)
		if s.evictor.Protected(fp, now) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			s.logger.Warn("eviction failed to remove slot", "slot", f.name, "error", err)
			continue
		}
		s.evictor.Forget(fp)
		s.notifyRemoveLocked(fp)
		size -= f.size
		freed += f.size
		evicted++
	}

	s.evictor.RecordReclaim(evicted, freed)
	if size > target {
		s.logger.Info("reclaim stopped above target, remaining entries are protected",
			"size_bytes", size,
			"target_bytes", target,
		)
	}
	if evicted > 0 {
		s.logger.Info("reclaimed cache space",
			"evicted", evicted,
			"freed_bytes", freed,
			"size_bytes", size,
		)
	}
}

func (s *Store) writeSlotLocked(fp descriptor.Fingerprint, data []byte) error {
	path := s.slotPath(fp)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) notifyRemoveLocked(fp descriptor.Fingerprint) {
	if s.onRemove != nil {
		s.onRemove(fp)
	}
}

func (s *Store) slotPath(fp descriptor.Fingerprint) string {
	return filepath.Join(s.dir, fp.String()+".json")
}

type slotFile struct {
	name    string
	size    int64
	modTime time.Time
}

// slotFilesLocked lists entry slots, excluding the sidecar index files.
func (s *Store) slotFilesLocked() []slotFile {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("cache directory enumeration failed", "error", err)
		return nil
	}

	files := make([]slotFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isSlotName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, slotFile{name: e.Name(), size: info.Size(), modTime: info.ModTime()})
	}
	return files
}

func (s *Store) usageLocked() Usage {
	var u Usage
	for _, f := range s.slotFilesLocked() {
		u.Entries++
		u.SizeBytes += f.size
	}
	return u
}

// isSlotName matches "<64-hex>.json" and nothing else, so the sidecar
// indexes never count as entries.
func isSlotName(name string) bool {
	const suffix = ".json"
	if len(name) != 64+len(suffix) || name[64:] != suffix {
		return false
	}
	return descriptor.Fingerprint(name[:64]).Valid()
}

func fingerprintFromName(name string) descriptor.Fingerprint {
	return descriptor.Fingerprint(name[:64])
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromEpoch(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second)))
}
