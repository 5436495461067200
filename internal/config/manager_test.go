package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerGet(t *testing.T) {
	path := writeConfigFile(t, `
cache:
  dir: /tmp/answercache
  ttl: 2h
`)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close() //nolint:errcheck

	cfg := mgr.Get()
	if cfg.Cache.Dir != "/tmp/answercache" {
		t.Errorf("dir = %q", cfg.Cache.Dir)
	}
	if cfg.Cache.TTL != 2*time.Hour {
		t.Errorf("ttl = %v, want 2h", cfg.Cache.TTL)
	}
	if mgr.Path() != path {
		t.Errorf("Path() = %q, want %q", mgr.Path(), path)
	}
}

func TestManagerNewFailsOnBadConfig(t *testing.T) {
	path := writeConfigFile(t, `
similarity:
  threshold: 9.9
`)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewManager(path, logger); err == nil {
		t.Fatal("NewManager() should fail validation")
	}
}

func TestManagerWatchReload(t *testing.T) {
	path := writeConfigFile(t, `
similarity:
  threshold: 0.8
`)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var notified atomic.Int32
	mgr.Subscribe(func(c *Config) {
		if c.Similarity.Threshold == 0.9 {
			notified.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`
similarity:
  threshold: 0.9
`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// The watcher debounces for 500ms before reloading.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if notified.Load() > 0 && mgr.Get().Similarity.Threshold == 0.9 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("config was not reloaded; threshold = %g", mgr.Get().Similarity.Threshold)
}

func TestManagerKeepsCurrentOnBadReload(t *testing.T) {
	path := writeConfigFile(t, `
similarity:
  threshold: 0.8
`)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`similarity: [broken`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// Give the watcher time to attempt the reload, then confirm the old
	// config is still being served.
	time.Sleep(1200 * time.Millisecond)
	if got := mgr.Get().Similarity.Threshold; got != 0.8 {
		t.Errorf("threshold = %g, want original 0.8", got)
	}
}
