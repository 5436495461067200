package answercache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/answercache/internal/config"
)

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

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithDir(t.TempDir()),
		WithLogger(testLogger()),
	}
	m, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func answerFor(q string) Descriptor {
	return NewDescriptor(
		F("query", String(q)),
		F("model", String("gpt-4o")),
	)
}

func TestManager_RoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	d := answerFor("explain caching")
	payload := json.RawMessage(`{"answer":"memoize expensive answers"}`)

	require.NoError(t, m.Set(ctx, d, payload))

	res, ok := m.Get(ctx, d)
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(res.Payload))
	assert.Equal(t, d.Fingerprint(), res.Fingerprint)
	assert.Zero(t, res.Similarity, "exact hits carry no similarity metadata")
	assert.Empty(t, res.MatchedQuery)
}

func TestManager_SecondLookupIsMemoryHit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	d := answerFor("warm me up")

	require.NoError(t, m.Set(ctx, d, json.RawMessage(`"v"`)))

	// The set already populated the hot tier.
	res, ok := m.Get(ctx, d)
	require.True(t, ok)
	assert.Equal(t, SourceMemory, res.Source)

	stats := m.Stats(ctx)
	assert.Equal(t, int64(1), stats.MemoryHits)
}

func TestManager_ExactHitBackfillsHotTier(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	d := answerFor("disk first")

	require.NoError(t, m.Set(ctx, d, json.RawMessage(`"v"`)))
	m.hot.Flush(ctx)

	res, ok := m.Get(ctx, d)
	require.True(t, ok)
	assert.Equal(t, SourceExact, res.Source)

	res, ok = m.Get(ctx, d)
	require.True(t, ok)
	assert.Equal(t, SourceMemory, res.Source)
}

func TestManager_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t,
		WithTTL(time.Second),
		WithClock(clock.Now),
		WithoutHotTier(),
		WithSimilarityMode(false),
	)
	ctx := context.Background()
	d := answerFor("short lived")

	require.NoError(t, m.Set(ctx, d, json.RawMessage(`"v"`)))
	clock.Advance(2 * time.Second)

	_, ok := m.Get(ctx, d)
	assert.False(t, ok)
}

func TestManager_SimilarityHitOnSameQueryText(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Stored under {query, model}; looked up by query text only. Different
	// fingerprints, identical text: the exact-hash shortcut answers with
	// similarity 1.0.
	stored := answerFor("explain caching")
	require.NoError(t, m.Set(ctx, stored, json.RawMessage(`{"answer":"42"}`)))

	probe := TextDescriptor("explain caching")
	require.NotEqual(t, stored.Fingerprint(), probe.Fingerprint())

	res, ok := m.Get(ctx, probe)
	require.True(t, ok)
	assert.Equal(t, SourceSimilarity, res.Source)
	assert.Equal(t, 1.0, res.Similarity)
	assert.Equal(t, stored.Fingerprint(), res.MatchedFingerprint)
	assert.Equal(t, probe.Fingerprint(), res.Fingerprint)
	assert.Equal(t, "explain caching", res.MatchedQuery)
	assert.JSONEq(t, `{"answer":"42"}`, string(res.Payload))

	stats := m.Stats(ctx)
	assert.Equal(t, int64(1), stats.SimilarityHits)
}

func TestManager_ParaphraseBelowThresholdIsCleanMiss(t *testing.T) {
	// Hash-fallback vectors of different texts never reach 0.99, so the
	// paraphrase stays below threshold and must produce a plain miss.
	m := newTestManager(t, WithSimilarityThreshold(0.99))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, answerFor("explain caching"), json.RawMessage(`"v"`)))

	res, ok := m.Get(ctx, TextDescriptor("what is a cache good for"))
	assert.False(t, ok)
	assert.Nil(t, res)

	stats := m.Stats(ctx)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestManager_SimilarityDisabledSkipsIndex(t *testing.T) {
	m := newTestManager(t, WithSimilarityMode(false))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, answerFor("indexed nothing"), json.RawMessage(`"v"`)))

	_, ok := m.Get(ctx, TextDescriptor("indexed nothing"))
	assert.False(t, ok, "without similarity mode a different fingerprint cannot match")
}

func TestManager_FailsClosedOnInconsistentIndex(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, WithDir(dir), WithoutHotTier())
	ctx := context.Background()

	stored := answerFor("orphaned")
	require.NoError(t, m.Set(ctx, stored, json.RawMessage(`"v"`)))

	// Remove the slot behind the manager's back; the index still points at it.
	require.NoError(t, os.Remove(filepath.Join(dir, stored.Fingerprint().String()+".json")))

	res, ok := m.Get(ctx, TextDescriptor("orphaned"))
	assert.False(t, ok)
	assert.Nil(t, res)

	// The stale record is pruned, so the next lookup skips the dead shortcut.
	_, ok = m.Get(ctx, TextDescriptor("orphaned"))
	assert.False(t, ok)
}

func TestManager_InvalidateAllTiers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	d := answerFor("to be removed")

	require.NoError(t, m.Set(ctx, d, json.RawMessage(`"v"`)))

	assert.True(t, m.Invalidate(ctx, d))
	assert.False(t, m.Invalidate(ctx, d), "second invalidate returns false")

	_, ok := m.Get(ctx, d)
	assert.False(t, ok)

	// The embedding record went with the slot: same text under a new
	// fingerprint finds nothing.
	_, ok = m.Get(ctx, TextDescriptor("to be removed"))
	assert.False(t, ok)
}

func TestManager_DisabledIsNoOp(t *testing.T) {
	m := newTestManager(t, WithEnabled(false))
	ctx := context.Background()
	d := answerFor("ignored")

	require.NoError(t, m.Set(ctx, d, json.RawMessage(`"v"`)))
	_, ok := m.Get(ctx, d)
	assert.False(t, ok)
	assert.False(t, m.Invalidate(ctx, d))
	assert.Zero(t, m.Sweep(ctx))
	assert.NoError(t, m.Clear(ctx))

	stats := m.Stats(ctx)
	assert.Zero(t, stats.Sets)
	assert.Zero(t, stats.Entries)
}

func TestManager_Stats(t *testing.T) {
	// Threshold high enough that the unknown query cannot ride the hash
	// fallback into a similarity hit.
	m := newTestManager(t, WithSimilarityThreshold(0.99))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, answerFor("a"), json.RawMessage(`"v"`)))
	require.NoError(t, m.Set(ctx, answerFor("b"), json.RawMessage(`"v"`)))

	m.Get(ctx, answerFor("a"))        // memory hit
	m.Get(ctx, answerFor("unknown")) // miss

	stats := m.Stats(ctx)
	assert.Equal(t, int64(2), stats.Sets)
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 2, stats.Entries)
	assert.Greater(t, stats.SizeBytes, int64(0))
	assert.Equal(t, 2, stats.IndexSize)
	assert.True(t, stats.FallbackActive)
	assert.InDelta(t, 0.5, stats.HitRatio, 1e-9)
}

func TestManager_Sweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t,
		WithTTL(time.Minute),
		WithClock(clock.Now),
		WithoutHotTier(),
	)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, answerFor("stale"), json.RawMessage(`"v"`)))
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Set(ctx, answerFor("fresh"), json.RawMessage(`"v"`)))

	assert.Equal(t, 1, m.Sweep(ctx))
	assert.Equal(t, 1, m.Stats(ctx).Entries)
}

func TestManager_Clear(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, WithDir(dir))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, answerFor("a"), json.RawMessage(`"v"`)))
	require.NoError(t, m.Set(ctx, answerFor("b"), json.RawMessage(`"v"`)))

	require.NoError(t, m.Clear(ctx))

	stats := m.Stats(ctx)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.IndexSize)
	assert.Zero(t, stats.HotTierEntries)

	_, err := os.Stat(filepath.Join(dir, EmbeddingIndexFile))
	assert.True(t, os.IsNotExist(err))
}

func TestManager_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	d := answerFor("durable answer")
	payload := json.RawMessage(`{"answer":"still here"}`)
	ctx := context.Background()

	m1, err := New(WithDir(dir), WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, m1.Set(ctx, d, payload))
	require.NoError(t, m1.Close())

	m2, err := New(WithDir(dir), WithLogger(testLogger()))
	require.NoError(t, err)
	defer m2.Close()

	res, ok := m2.Get(ctx, d)
	require.True(t, ok)
	assert.JSONEq(t, string(payload), string(res.Payload))

	// The similarity index reloaded from disk too.
	res, ok = m2.Get(ctx, TextDescriptor("durable answer"))
	require.True(t, ok)
	assert.Equal(t, SourceSimilarity, res.Source)
}

func TestManager_ClosedIsNoOp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	d := answerFor("late")

	require.NoError(t, m.Set(ctx, d, json.RawMessage(`"v"`)))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "double close is safe")

	_, ok := m.Get(ctx, d)
	assert.False(t, ok)
	assert.NoError(t, m.Set(ctx, d, json.RawMessage(`"v2"`)))
}

func TestManager_OwnerFileWritten(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, WithDir(dir))

	data, err := os.ReadFile(filepath.Join(dir, ".owner"))
	require.NoError(t, err)
	assert.Equal(t, m.ID()+"\n", string(data))
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			queries := []string{"alpha", "beta", "gamma", "delta"}
			for j := 0; j < 20; j++ {
				q := queries[(n+j)%len(queries)]
				d := answerFor(q)
				_ = m.Set(ctx, d, json.RawMessage(`"v"`))
				m.Get(ctx, d)
			}
		}(i)
	}
	wg.Wait()

	stats := m.Stats(ctx)
	assert.Equal(t, 4, stats.Entries)
}

func TestNewFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvDir, dir)
	t.Setenv(config.EnvTTL, "60")
	t.Setenv(config.EnvSimilarityThreshold, "0.5")

	m, err := NewFromEnv(WithLogger(testLogger()))
	require.NoError(t, err)
	defer m.Close()

	assert.InDelta(t, 0.5, m.Threshold(), 1e-9)

	ctx := context.Background()
	d := answerFor("env configured")
	require.NoError(t, m.Set(ctx, d, json.RawMessage(`"v"`)))
	_, ok := m.Get(ctx, d)
	assert.True(t, ok)
}

func TestNewFromEnv_BadValue(t *testing.T) {
	t.Setenv(config.EnvTTL, "not-a-number")
	_, err := NewFromEnv(WithLogger(testLogger()))
	require.Error(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(WithDir(""), WithLogger(testLogger()))
	require.Error(t, err)
}

func TestManager_ConfigManagerSeedsTunables(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cache.yaml")
	yaml := `
cache:
  dir: ` + filepath.Join(dir, "cache") + `
  ttl: 1h
  max_size_mb: 10
  enabled: true
similarity:
  enabled: true
  threshold: 0.42
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))

	cm, err := config.NewManager(cfgPath, testLogger())
	require.NoError(t, err)
	defer cm.Close()

	m, err := New(WithConfigManager(cm), WithLogger(testLogger()))
	require.NoError(t, err)
	defer m.Close()

	assert.InDelta(t, 0.42, m.Threshold(), 1e-9)
}
