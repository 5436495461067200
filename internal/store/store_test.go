package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// fakeClock is a settable clock shared with the store under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFP(s string) descriptor.Fingerprint {
	return descriptor.Text(s).Fingerprint()
}

func newTestStore(t *testing.T, mutate func(*Config)) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := Config{
		Dir:   t.TempDir(),
		TTL:   time.Hour,
		Clock: clock.Now,
		Priority: PriorityConfig{
			Enabled:          false,
			Cooldown:         0,
			ReclaimFactor:    0.90,
			ProtectThreshold: 7.0,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	return s, clock
}

func TestStore_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	fp := testFP("explain caching")

	payload := json.RawMessage(`{"answer":"memoize it"}`)
	keyData := json.RawMessage(`{"query":"explain caching"}`)
	require.NoError(t, s.Set(ctx, fp, keyData, payload))

	entry, ok := s.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, fp, entry.Fingerprint)
	assert.JSONEq(t, string(payload), string(entry.Payload))
	assert.JSONEq(t, string(keyData), string(entry.KeyData))
	assert.Equal(t, int64(1), s.Hits())
}

func TestStore_MissOnAbsent(t *testing.T) {
	s, _ := newTestStore(t, nil)

	_, ok := s.Get(context.Background(), testFP("never set"))
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Misses())
}

func TestStore_TTLExpiry(t *testing.T) {
	s, clock := newTestStore(t, func(c *Config) { c.TTL = time.Second })
	ctx := context.Background()
	fp := testFP("short lived")

	require.NoError(t, s.Set(ctx, fp, nil, json.RawMessage(`"v"`)))

	_, ok := s.Get(ctx, fp)
	require.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = s.Get(ctx, fp)
	assert.False(t, ok, "entry older than TTL must read as a miss")

	// Lazy expiry leaves the slot on disk.
	_, err := os.Stat(filepath.Join(s.Dir(), fp.String()+".json"))
	assert.NoError(t, err)
}

func TestStore_SetOverwrites(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	fp := testFP("versioned")

	require.NoError(t, s.Set(ctx, fp, nil, json.RawMessage(`"v1"`)))
	require.NoError(t, s.Set(ctx, fp, nil, json.RawMessage(`"v2"`)))

	entry, ok := s.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, `"v2"`, string(entry.Payload))

	u := s.Usage(ctx)
	assert.Equal(t, 1, u.Entries, "re-set must replace, not duplicate")
}

func TestStore_InvalidateIdempotent(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	fp := testFP("doomed")

	require.NoError(t, s.Set(ctx, fp, nil, json.RawMessage(`"v"`)))

	assert.True(t, s.Invalidate(ctx, fp))
	assert.False(t, s.Invalidate(ctx, fp), "second invalidate returns false")

	_, ok := s.Get(ctx, fp)
	assert.False(t, ok)
}

func TestStore_RemovalHookFires(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	fp := testFP("hooked")

	var removed []descriptor.Fingerprint
	s.OnRemove(func(fp descriptor.Fingerprint) { removed = append(removed, fp) })

	require.NoError(t, s.Set(ctx, fp, nil, json.RawMessage(`"v"`)))
	s.Invalidate(ctx, fp)

	require.Len(t, removed, 1)
	assert.Equal(t, fp, removed[0])
}

func TestStore_CorruptSlotIsMiss(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()
	fp := testFP("garbled")

	require.NoError(t, s.Set(ctx, fp, nil, json.RawMessage(`"v"`)))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), fp.String()+".json"), []byte("{not json"), 0o644))

	_, ok := s.Get(ctx, fp)
	assert.False(t, ok, "corrupt slot must degrade to a miss, not an error")
}

func TestStore_UsageExcludesSidecars(t *testing.T) {
	s, _ := newTestStore(t, func(c *Config) { c.Priority.Enabled = true })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, testFP("a"), nil, json.RawMessage(`"aaaa"`)))
	require.NoError(t, s.Set(ctx, testFP("b"), nil, json.RawMessage(`"bbbb"`)))
	s.Get(ctx, testFP("a")) // touch writes priority_index.json

	u := s.Usage(ctx)
	assert.Equal(t, 2, u.Entries)
	assert.Greater(t, u.SizeBytes, int64(0))
}

func TestStore_Sweep(t *testing.T) {
	s, clock := newTestStore(t, func(c *Config) { c.TTL = time.Minute })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, testFP("old"), nil, json.RawMessage(`"v"`)))
	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Set(ctx, testFP("fresh"), nil, json.RawMessage(`"v"`)))

	assert.Equal(t, 1, s.Sweep(ctx))
	assert.Equal(t, 0, s.Sweep(ctx), "second sweep finds nothing")

	_, ok := s.Get(ctx, testFP("fresh"))
	assert.True(t, ok)
}

func TestStore_Clear(t *testing.T) {
	s, _ := newTestStore(t, func(c *Config) { c.Priority.Enabled = true })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, testFP("a"), nil, json.RawMessage(`"v"`)))
	require.NoError(t, s.Set(ctx, testFP("b"), nil, json.RawMessage(`"v"`)))
	s.Get(ctx, testFP("a"))

	require.NoError(t, s.Clear(ctx))

	u := s.Usage(ctx)
	assert.Equal(t, 0, u.Entries)
	_, err := os.Stat(filepath.Join(s.Dir(), PriorityIndexFile))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_ReclaimUnderBudget(t *testing.T) {
	// Budget 1KB, entries ~100 bytes each, priority off: after a budget
	// check the directory must fit the 90% target.
	s, _ := newTestStore(t, func(c *Config) {
		c.BudgetBytes = 1024
	})
	ctx := context.Background()

	payload := json.RawMessage(`"` + strings.Repeat("x", 60) + `"`)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Set(ctx, testFP(fmt.Sprintf("entry-%02d", i)), nil, payload))
	}

	s.CheckBudget(ctx)

	u := s.Usage(ctx)
	budget := float64(1024)
	target := int64(budget * 0.90)
	assert.LessOrEqual(t, u.SizeBytes, target)
	assert.Greater(t, u.Entries, 0, "reclaim stops at the target, not at empty")
	assert.Greater(t, s.Evictions(), int64(0))
}

func TestStore_ReclaimProtectsHighPriority(t *testing.T) {
	s, clock := newTestStore(t, func(c *Config) {
		c.BudgetBytes = 1
		c.Priority.Enabled = true
		c.Priority.Cooldown = 10 * time.Minute
		c.Priority.ProtectThreshold = 2.0
	})
	ctx := context.Background()
	hot, cold := testFP("hot entry"), testFP("cold entry")

	// The first Set consumes the cooldown on an empty directory, so both
	// writes land before any reclaim can run.
	require.NoError(t, s.Set(ctx, hot, nil, json.RawMessage(`"hot"`)))
	require.NoError(t, s.Set(ctx, cold, nil, json.RawMessage(`"cold"`)))

	// 10 accesses: score = 0.7*sqrt(10) + 0.3*recency ≈ 2.5, above the cutoff.
	for i := 0; i < 10; i++ {
		_, ok := s.Get(ctx, hot)
		require.True(t, ok)
	}
	require.Greater(t, s.Score(hot), 2.0)
	require.Less(t, s.Score(cold), 2.0)

	clock.Advance(11 * time.Minute)
	s.CheckBudget(ctx)

	_, ok := s.Get(ctx, hot)
	assert.True(t, ok, "high-priority entry must survive reclaim")
	_, ok = s.Get(ctx, cold)
	assert.False(t, ok, "low-priority entry must be reclaimed")
}

func TestStore_CooldownGatesBudgetCheck(t *testing.T) {
	s, clock := newTestStore(t, func(c *Config) {
		c.BudgetBytes = 1
		c.Priority.Cooldown = 10 * time.Minute
	})
	ctx := context.Background()

	// First Set consumes the cooldown window on an empty directory.
	require.NoError(t, s.Set(ctx, testFP("first"), nil, json.RawMessage(`"v"`)))
	require.NoError(t, s.Set(ctx, testFP("second"), nil, json.RawMessage(`"v"`)))

	s.CheckBudget(ctx)
	assert.Equal(t, 2, s.Usage(ctx).Entries, "check inside cooldown must be a no-op")

	clock.Advance(11 * time.Minute)
	s.CheckBudget(ctx)
	assert.Less(t, s.Usage(ctx).Entries, 2, "check after cooldown must reclaim")
}

func TestStore_PriorityIndexPersists(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	cfg := Config{
		Dir:      dir,
		TTL:      time.Hour,
		Clock:    clock.Now,
		Priority: DefaultPriorityConfig(),
	}

	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	fp := testFP("durable")

	require.NoError(t, s.Set(ctx, fp, nil, json.RawMessage(`"v"`)))
	for i := 0; i < 5; i++ {
		s.Get(ctx, fp)
	}
	score := s.Score(fp)
	require.NoError(t, s.Close())

	reopened, err := New(cfg, testLogger())
	require.NoError(t, err)
	assert.InDelta(t, score, reopened.Score(fp), 0.05, "scores survive a restart")
}

func TestStore_UnwritableDirFailsConstruction(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err := New(Config{Dir: filepath.Join(dir, "cache"), TTL: time.Hour}, testLogger())
	require.Error(t, err)
}
