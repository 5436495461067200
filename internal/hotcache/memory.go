package hotcache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// Memory is the in-process hot tier: a mutex-guarded map with a min-heap
// over expiration times. Capacity eviction pops the soonest-expiring entry,
// which with a uniform TTL approximates oldest-first.
type Memory struct {
	mu sync.RWMutex

	data map[descriptor.Fingerprint]*memoryEntry
	ttls map[descriptor.Fingerprint]int64 // fingerprint -> expiration (unix nano)

	expirationHeap expirationHeap

	maxEntries   int
	ttl          time.Duration
	maxItemBytes int
	janitor      *time.Ticker
	stopJanitor  chan struct{}

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

type memoryEntry struct {
	payload    []byte
	expiration int64
}

type expirationEntry struct {
	fp         descriptor.Fingerprint
	expiration int64
	index      int
}

// expirationHeap is a min-heap keyed on expiration time.
type expirationHeap []*expirationEntry

func (h expirationHeap) Len() int           { return len(h) }
func (h expirationHeap) Less(i, j int) bool { return h[i].expiration < h[j].expiration }
func (h expirationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expirationHeap) Push(x any) {
	entry, ok := x.(*expirationEntry)
	if !ok {
		return
	}
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *expirationHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[0 : n-1]
	return entry
}

// MemoryConfig holds the in-process tier settings.
type MemoryConfig struct {
	MaxEntries      int           // default 100
	TTL             time.Duration // default 30 minutes
	MaxItemBytes    int           // oversized payloads are skipped, default 256KB
	CleanupInterval time.Duration // janitor period, default 1 minute
}

// NewMemory creates the in-process tier and starts its janitor.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.MaxItemBytes <= 0 {
		cfg.MaxItemBytes = 256 * 1024
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	m := &Memory{
		data:         make(map[descriptor.Fingerprint]*memoryEntry),
		ttls:         make(map[descriptor.Fingerprint]int64),
		maxEntries:   cfg.MaxEntries,
		ttl:          cfg.TTL,
		maxItemBytes: cfg.MaxItemBytes,
		stopJanitor:  make(chan struct{}),
	}
	heap.Init(&m.expirationHeap)

	m.janitor = time.NewTicker(cfg.CleanupInterval)
	go m.janitorLoop()
	return m
}

func (m *Memory) janitorLoop() {
	for {
		select {
		case <-m.janitor.C:
			m.mu.Lock()
			m.evictExpiredLocked(time.Now().UnixNano())
			m.mu.Unlock()
		case <-m.stopJanitor:
			return
		}
	}
}

// evictExpiredLocked pops expired heap entries. Stale heap records whose
// fingerprint was overwritten since are skipped via the ttls map.
func (m *Memory) evictExpiredLocked(now int64) {
	for m.expirationHeap.Len() > 0 {
		entry := m.expirationHeap[0]
		if stored, ok := m.ttls[entry.fp]; !ok || stored != entry.expiration {
			heap.Pop(&m.expirationHeap)
			continue
		}
		if entry.expiration > now {
			break
		}
		heap.Pop(&m.expirationHeap)
		delete(m.data, entry.fp)
		delete(m.ttls, entry.fp)
	}
}

// evictForSpaceLocked makes room for one insert by dropping the
// soonest-expiring live entry.
func (m *Memory) evictForSpaceLocked() {
	for m.expirationHeap.Len() > 0 && len(m.data) >= m.maxEntries {
		entry := heap.Pop(&m.expirationHeap).(*expirationEntry)
		if stored, ok := m.ttls[entry.fp]; !ok || stored != entry.expiration {
			continue
		}
		delete(m.data, entry.fp)
		delete(m.ttls, entry.fp)
	}
}

// Get returns a copy of the payload. Expired entries are lazily deleted.
func (m *Memory) Get(_ context.Context, fp descriptor.Fingerprint) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.data[fp]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	if entry.expiration <= time.Now().UnixNano() {
		m.misses.Add(1)
		m.mu.Lock()
		delete(m.data, fp)
		delete(m.ttls, fp)
		m.mu.Unlock()
		return nil, false
	}

	m.hits.Add(1)
	out := make([]byte, len(entry.payload))
	copy(out, entry.payload)
	return out, true
}

// Set stores a copy of the payload. Oversized payloads are skipped silently;
// the exact tier still holds them.
func (m *Memory) Set(_ context.Context, fp descriptor.Fingerprint, payload []byte) {
	if len(payload) > m.maxItemBytes {
		return
	}

	expiration := time.Now().Add(m.ttl).UnixNano()
	cp := make([]byte, len(payload))
	copy(cp, payload)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[fp]; !exists && len(m.data) >= m.maxEntries {
		m.evictForSpaceLocked()
	}

	m.data[fp] = &memoryEntry{payload: cp, expiration: expiration}
	m.ttls[fp] = expiration
	heap.Push(&m.expirationHeap, &expirationEntry{fp: fp, expiration: expiration})
	m.sets.Add(1)
}

// Delete removes the fingerprint.
func (m *Memory) Delete(_ context.Context, fp descriptor.Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, fp)
	delete(m.ttls, fp)
}

// Flush removes every entry.
func (m *Memory) Flush(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[descriptor.Fingerprint]*memoryEntry)
	m.ttls = make(map[descriptor.Fingerprint]int64)
	m.expirationHeap = m.expirationHeap[:0]
	heap.Init(&m.expirationHeap)
}

// Len returns the entry count.
func (m *Memory) Len(_ context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Stats returns the tier counters.
func (m *Memory) Stats() Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    m.sets.Load(),
		HitRate: hitRate,
	}
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.janitor.Stop()
	close(m.stopJanitor)
	return nil
}
