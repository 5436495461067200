// Package redis provides a Redis-backed hot tier. It is useful when several
// worker processes share one cache directory owner and want a warm tier
// bigger than a single process heap. The disk store remains authoritative;
// every Redis failure reads as a miss.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/answercache/internal/hotcache"
	"github.com/blueberrycongee/answercache/pkg/descriptor"
)

// Config holds the Redis hot-tier settings.
type Config struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"` // default "answercache"
	TTL       time.Duration `yaml:"ttl"`        // default 30 minutes

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "answercache",
		TTL:          30 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// Cache implements hotcache.Cache on a single-node Redis.
type Cache struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errs   atomic.Int64
}

var _ hotcache.Cache = (*Cache)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Cache{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

func (c *Cache) key(fp descriptor.Fingerprint) string {
	if c.prefix == "" {
		return fp.String()
	}
	return c.prefix + ":" + fp.String()
}

// Get fetches the payload. Backend errors count and degrade to a miss.
func (c *Cache) Get(ctx context.Context, fp descriptor.Fingerprint) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.key(fp)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.errs.Add(1)
			c.logger.Warn("redis hot tier get failed", "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// Set writes the payload best-effort.
func (c *Cache) Set(ctx context.Context, fp descriptor.Fingerprint, payload []byte) {
	if err := c.client.Set(ctx, c.key(fp), payload, c.ttl).Err(); err != nil {
		c.errs.Add(1)
		c.logger.Warn("redis hot tier set failed", "error", err)
		return
	}
	c.sets.Add(1)
}

// Delete removes the fingerprint best-effort.
func (c *Cache) Delete(ctx context.Context, fp descriptor.Fingerprint) {
	if err := c.client.Del(ctx, c.key(fp)).Err(); err != nil {
		c.errs.Add(1)
		c.logger.Warn("redis hot tier delete failed", "error", err)
	}
}

// Flush removes every entry under the prefix with a SCAN loop, so shared
// databases are not flushed wholesale.
func (c *Cache) Flush(ctx context.Context) {
	pattern := c.prefix + ":*"
	if c.prefix == "" {
		pattern = "*"
	}

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.errs.Add(1)
		}
	}
	if err := iter.Err(); err != nil {
		c.errs.Add(1)
		c.logger.Warn("redis hot tier flush failed", "error", err)
	}
}

// Len counts keys under the prefix. Approximate on a busy instance.
func (c *Cache) Len(ctx context.Context) int {
	pattern := c.prefix + ":*"
	if c.prefix == "" {
		pattern = "*"
	}

	n := 0
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n
}

// Stats returns the tier counters.
func (c *Cache) Stats() hotcache.Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return hotcache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Errors:  c.errs.Load(),
		HitRate: hitRate,
	}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
