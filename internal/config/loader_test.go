package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	loader := NewLoader("CACHELIFE_LOADERTEST")
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen.Port != 8080 {
		t.Fatalf("default port = %d", cfg.Server.Listen.Port)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("default backend = %q", cfg.Store.Backend)
	}
	if len(cfg.Warming.PopularOperations) == 0 {
		t.Fatal("default popular operations missing")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	contents := `
server:
  listen:
    port: 9090
monitor:
  hitRateMin: 80
warming:
  intervalSeconds: 120
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := NewLoader("CACHELIFE_LOADERTEST", path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen.Port != 9090 {
		t.Fatalf("file port not applied: %d", cfg.Server.Listen.Port)
	}
	if cfg.Monitor.HitRateMin != 80 {
		t.Fatalf("file hitRateMin not applied: %v", cfg.Monitor.HitRateMin)
	}
	if cfg.Warming.IntervalSeconds != 120 {
		t.Fatalf("file interval not applied: %d", cfg.Warming.IntervalSeconds)
	}
	// Untouched values keep their defaults.
	if cfg.Perf.TargetHitRate != 95 {
		t.Fatalf("default perf target lost: %v", cfg.Perf.TargetHitRate)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("monitor:\n  hitRateMin: 80\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CACHELIFE_ENVTEST_MONITOR__HITRATEMIN", "70")

	cfg, err := NewLoader("CACHELIFE_ENVTEST", path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.HitRateMin != 70 {
		t.Fatalf("env override not applied: %v", cfg.Monitor.HitRateMin)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := NewLoader("CACHELIFE_LOADERTEST", "/nonexistent/server.yaml").Load(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Listen.Port = 0 }},
		{"bad backend", func(c *Config) { c.Store.Backend = "memcached" }},
		{"valkey without address", func(c *Config) { c.Store.Backend = "valkey" }},
		{"warming interval too low", func(c *Config) { c.Warming.IntervalSeconds = 30 }},
		{"warming concurrency too high", func(c *Config) { c.Warming.MaxConcurrentWarmups = 11 }},
		{"target hit rate too low", func(c *Config) { c.Perf.TargetHitRate = 40 }},
		{"test duration too long", func(c *Config) { c.Perf.TestDurationSeconds = 3600 }},
		{"concurrent requests too high", func(c *Config) { c.Perf.ConcurrentRequests = 51 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Perf.TargetHitRate = 75
	if err := cfg.Validate(); err != nil {
		t.Fatalf("75 is inside the accepted range: %v", err)
	}
}
