package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blueberrycongee/answercache/internal/metrics"
)

// ServiceConfig holds the Service construction parameters. A zero Endpoint
// selects the deterministic fallback from the start.
type ServiceConfig struct {
	Endpoint          string
	APIKey            string
	Model             string
	Dimension         int
	Timeout           time.Duration
	RequestsPerMinute int
	BurstSize         int
	MemoSize          int
	Workers           int
	ProbeInterval     time.Duration
	ProbeAttempts     int
}

// Service computes embeddings without ever failing the caller. It prefers
// the remote backend once its readiness probe succeeds, serves from the
// deterministic fallback in the meantime, and demotes to the fallback
// permanently the first time the remote backend proves unavailable.
type Service struct {
	primary  Backend
	fallback *Fallback
	memo     *lru.Cache[string, []float64]
	logger   *slog.Logger

	dimension int

	jobs   chan embedJob
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	remoteReady atomic.Bool
	demoted     atomic.Bool

	probeCancel context.CancelFunc
}

type embedJob struct {
	ctx  context.Context
	text string
	out  chan []float64
}

// NewService builds the embedding service and starts its workers. When the
// config names a remote endpoint, a background probe checks it until it
// answers or the attempts run out; lookups are served from the fallback
// while the probe is pending.
func NewService(cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 384
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 256
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = 3
	}

	memo, _ := lru.New[string, []float64](cfg.MemoSize) //nolint:errcheck // size is validated positive

	s := &Service{
		fallback:  NewFallback(cfg.Dimension),
		memo:      memo,
		logger:    logger,
		dimension: cfg.Dimension,
		jobs:      make(chan embedJob, cfg.Workers*4),
	}

	if cfg.Endpoint != "" {
		remote, err := NewRemote(RemoteConfig{
			Endpoint:          cfg.Endpoint,
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			Dimension:         cfg.Dimension,
			Timeout:           cfg.Timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
			BurstSize:         cfg.BurstSize,
		})
		if err != nil {
			logger.Warn("remote embedding backend rejected config, using fallback",
				"error", err,
			)
			s.demoted.Store(true)
		} else {
			s.primary = remote
			probeCtx, cancel := context.WithCancel(context.Background())
			s.probeCancel = cancel
			s.wg.Add(1)
			go s.probeLoop(probeCtx, remote, cfg.ProbeInterval, cfg.ProbeAttempts)
		}
	} else {
		s.demoted.Store(true)
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

// probeLoop pings the remote endpoint until it answers or attempts run out.
// The model behind the endpoint may still be loading when the cache starts.
func (s *Service) probeLoop(ctx context.Context, remote *Remote, interval time.Duration, attempts int) {
	defer s.wg.Done()

	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := remote.Ping(pingCtx)
		cancel()

		if err == nil {
			s.remoteReady.Store(true)
			s.logger.Info("remote embedding backend ready",
				"model", remote.Model(),
				"dimension", remote.Dimension(),
			)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Debug("remote embedding probe failed",
			"attempt", i+1,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}

	s.demote(nil)
}

// demote switches to the fallback strategy for the rest of the process
// lifetime.
func (s *Service) demote(cause error) {
	if s.demoted.CompareAndSwap(false, true) {
		s.logger.Warn("embedding backend unavailable, switching to hash fallback",
			"error", cause,
		)
	}
}

// Embed returns a vector for the text. It never fails: errors degrade to
// the fallback strategy and, as a last resort, to the zero vector. The
// returned slice is owned by the caller.
func (s *Service) Embed(ctx context.Context, text string) []float64 {
	key := textKey(text)
	if vec, ok := s.memo.Get(key); ok {
		return cloneVector(vec)
	}

	out := make(chan []float64, 1)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return make([]float64, s.dimension)
	}
	select {
	case s.jobs <- embedJob{ctx: ctx, text: text, out: out}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return make([]float64, s.dimension)
	}

	select {
	case vec := <-out:
		s.memo.Add(key, vec)
		return cloneVector(vec)
	case <-ctx.Done():
		return make([]float64, s.dimension)
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		job.out <- s.compute(job.ctx, job.text)
	}
}

func (s *Service) compute(ctx context.Context, text string) []float64 {
	if s.activeRemote() != nil {
		vec, err := s.primary.Embed(ctx, text)
		if err == nil && len(vec) > 0 {
			metrics.EmbedCalls.WithLabelValues(metrics.BackendRemote).Inc()
			return vec
		}
		metrics.EmbedFailures.WithLabelValues(metrics.BackendRemote).Inc()
		if ctx.Err() == nil {
			// A live endpoint that stops answering does not come back within
			// this process; stop paying the request latency on every lookup.
			s.demote(err)
		}
	}

	vec, err := s.fallback.Embed(ctx, text)
	if err != nil {
		metrics.EmbedFailures.WithLabelValues(metrics.BackendFallback).Inc()
		return make([]float64, s.dimension)
	}
	metrics.EmbedCalls.WithLabelValues(metrics.BackendFallback).Inc()
	return vec
}

func (s *Service) activeRemote() Backend {
	if s.primary == nil || s.demoted.Load() || !s.remoteReady.Load() {
		return nil
	}
	return s.primary
}

// UsingFallback reports whether lookups are currently served by the
// deterministic strategy.
func (s *Service) UsingFallback() bool {
	return s.activeRemote() == nil
}

// Dimension returns the vector size the service produces.
func (s *Service) Dimension() int { return s.dimension }

// MemoLen returns the number of memoized vectors.
func (s *Service) MemoLen() int { return s.memo.Len() }

// Model returns the active strategy's model name.
func (s *Service) Model() string {
	if b := s.activeRemote(); b != nil {
		return b.Model()
	}
	return s.fallback.Model()
}

// Close stops the probe and drains the worker pool. Pending Embed calls
// complete; new ones receive zero vectors.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	if s.probeCancel != nil {
		s.probeCancel()
	}
	s.wg.Wait()
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(v []float64) []float64 {
	cp := make([]float64, len(v))
	copy(cp, v)
	return cp
}
