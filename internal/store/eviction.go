package store

import (
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/answercache/internal/metrics"
	"github.com/blueberrycongee/answercache/pkg/cacheerrors"
	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// PriorityConfig tunes the eviction policy. The defaults are empirical
// knobs, not derived values; deployments tighten or loosen them freely.
type PriorityConfig struct {
	// Enabled turns on score-protected eviction and access tracking.
	Enabled bool

	// Cooldown is the minimum interval between budget checks.
	Cooldown time.Duration

	// ReclaimFactor is the fraction of the budget to reclaim down to.
	ReclaimFactor float64

	// ProtectThreshold: entries scoring above it survive reclaim.
	ProtectThreshold float64
}

// DefaultPriorityConfig returns the stock policy knobs.
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		Enabled:          true,
		Cooldown:         10 * time.Minute,
		ReclaimFactor:    0.90,
		ProtectThreshold: 7.0,
	}
}

// Evictor owns the eviction policy: per-entry priority scores, the budget
// check cooldown, and the persisted priority index. The Store calls it with
// its own lock held; the Evictor adds no locking of its own.
//
// The score combines dampened frequency with recency:
//
//	recency = clamp(1 - (now-last_access)/(2*ttl), 0, 1)
//	score   = 0.7*clamp(sqrt(access_count), 1, 10) + 0.3*recency
//
// sqrt keeps runaway counts from dominating; recency decays over twice the
// TTL window so a burst of old hits still fades.
type Evictor struct {
	cfg  PriorityConfig
	ttl  time.Duration
	path string

	accessCounts map[descriptor.Fingerprint]int64
	lastAccess   map[descriptor.Fingerprint]float64
	priorities   map[descriptor.Fingerprint]float64

	lastCheck time.Time
	dirty     bool
	evictions atomic.Int64
	logger    *slog.Logger
}

// persistedPriority is the priority_index.json layout.
type persistedPriority struct {
	AccessCounts map[string]int64   `json:"access_counts"`
	LastAccess   map[string]float64 `json:"last_access"`
	Priorities   map[string]float64 `json:"priorities"`
}

// NewEvictor builds the policy and loads any persisted priority index.
func NewEvictor(cfg PriorityConfig, ttl time.Duration, path string, logger *slog.Logger) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.ReclaimFactor <= 0 || cfg.ReclaimFactor > 1 {
		cfg.ReclaimFactor = 0.90
	}
	if cfg.ProtectThreshold <= 0 {
		cfg.ProtectThreshold = 7.0
	}

	e := &Evictor{
		cfg:          cfg,
		ttl:          ttl,
		path:         path,
		accessCounts: make(map[descriptor.Fingerprint]int64),
		lastAccess:   make(map[descriptor.Fingerprint]float64),
		priorities:   make(map[descriptor.Fingerprint]float64),
		logger:       logger,
	}
	if cfg.Enabled {
		e.load()
	}
	return e
}

// Touch records an access and recomputes the entry's score.
func (e *Evictor) Touch(fp descriptor.Fingerprint, now time.Time) {
	if !e.cfg.Enabled {
		return
	}
	e.accessCounts[fp]++
	e.lastAccess[fp] = epochSeconds(now)
	e.priorities[fp] = e.scoreAt(fp, now)
	e.dirty = true
	e.saveBestEffort()
}

// Score returns the entry's current priority score, recomputed for now.
// Untouched entries score zero.
func (e *Evictor) Score(fp descriptor.Fingerprint, now time.Time) float64 {
	if !e.cfg.Enabled {
		return 0
	}
	if _, ok := e.accessCounts[fp]; !ok {
		return 0
	}
	return e.scoreAt(fp, now)
}

func (e *Evictor) scoreAt(fp descriptor.Fingerprint, now time.Time) float64 {
	count := e.accessCounts[fp]
	age := epochSeconds(now) - e.lastAccess[fp]

	recency := 1 - age/(2*e.ttl.Seconds())
	recency = clamp(recency, 0, 1)

	freq := clamp(math.Sqrt(float64(count)), 1, 10)
	return 0.7*freq + 0.3*recency
}

// Protected reports whether the entry's score puts it above the reclaim
// cutoff. Always false with priority mode off.
func (e *Evictor) Protected(fp descriptor.Fingerprint, now time.Time) bool {
	if !e.cfg.Enabled {
		return false
	}
	return e.Score(fp, now) > e.cfg.ProtectThreshold
}

// Forget drops the entry's priority records.
func (e *Evictor) Forget(fp descriptor.Fingerprint) {
	if !e.cfg.Enabled {
		return
	}
	if _, ok := e.accessCounts[fp]; !ok {
		return
	}
	delete(e.accessCounts, fp)
	delete(e.lastAccess, fp)
	delete(e.priorities, fp)
	e.dirty = true
	e.saveBestEffort()
}

// ShouldCheck gates budget checks behind the cooldown and, when the window
// has elapsed, consumes it.
func (e *Evictor) ShouldCheck(now time.Time) bool {
	if !e.lastCheck.IsZero() && now.Sub(e.lastCheck) < e.cfg.Cooldown {
		return false
	}
	e.lastCheck = now
	return true
}

// Target converts the byte budget into the reclaim target.
func (e *Evictor) Target(budget int64) int64 {
	return int64(float64(budget) * e.cfg.ReclaimFactor)
}

// RecordReclaim accounts a finished reclaim run.
func (e *Evictor) RecordReclaim(evicted int, freedBytes int64) {
	if evicted <= 0 {
		return
	}
	e.evictions.Add(int64(evicted))
	metrics.Evictions.Add(float64(evicted))
	metrics.EvictionBytesReclaimed.Add(float64(freedBytes))
}

// Evictions returns the total entries removed by reclaim.
func (e *Evictor) Evictions() int64 { return e.evictions.Load() }

// Reset drops all priority state and the persisted index.
func (e *Evictor) Reset() {
	e.accessCounts = make(map[descriptor.Fingerprint]int64)
	e.lastAccess = make(map[descriptor.Fingerprint]float64)
	e.priorities = make(map[descriptor.Fingerprint]float64)
	e.dirty = false
	if e.path != "" {
		_ = os.Remove(e.path)
	}
}

// Save persists the priority index if it changed.
func (e *Evictor) Save() error {
	if !e.cfg.Enabled || !e.dirty || e.path == "" {
		return nil
	}

	p := persistedPriority{
		AccessCounts: make(map[string]int64, len(e.accessCounts)),
		LastAccess:   make(map[string]float64, len(e.lastAccess)),
		Priorities:   make(map[string]float64, len(e.priorities)),
	}
	for fp, c := range e.accessCounts {
		p.AccessCounts[string(fp)] = c
	}
	for fp, ts := range e.lastAccess {
		p.LastAccess[string(fp)] = ts
	}
	for fp, score := range e.priorities {
		p.Priorities[string(fp)] = score
	}

	data, err := json.Marshal(p)
	if err != nil {
		return cacheerrors.NewSerializationError("save_priority", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cacheerrors.NewIndexError("save_priority", err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		return cacheerrors.NewIndexError("save_priority", err)
	}
	e.dirty = false
	return nil
}

func (e *Evictor) saveBestEffort() {
	if err := e.Save(); err != nil {
		e.logger.Warn("failed to persist priority index", "error", err)
	}
}

// load restores the priority index. A missing or corrupt file starts fresh.
func (e *Evictor) load() {
	if e.path == "" {
		return
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("failed to read priority index, starting empty", "error", err)
		}
		return
	}

	var p persistedPriority
	if err := json.Unmarshal(data, &p); err != nil {
		e.logger.Warn("corrupt priority index, starting empty", "error", err)
		return
	}
	for fp, c := range p.AccessCounts {
		e.accessCounts[descriptor.Fingerprint(fp)] = c
	}
	for fp, ts := range p.LastAccess {
		e.lastAccess[descriptor.Fingerprint(fp)] = ts
	}
	for fp, score := range p.Priorities {
		e.priorities[descriptor.Fingerprint(fp)] = score
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
