package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/filemill/cachelife/internal/config"
	"github.com/filemill/cachelife/internal/invalidation"
	"github.com/filemill/cachelife/internal/keys"
	"github.com/filemill/cachelife/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStore(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) config.StoreConfig
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{TTLSeconds: 1}
			},
		},
		{
			name: "constructs valkey store",
			cfg: func(t *testing.T) config.StoreConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.StoreConfig{
					Backend:    "valkey",
					TTLSeconds: 1,
					Valkey:     config.ValkeyConfig{Address: server.Addr()},
				}
			},
		},
		{
			name: "falls back to memory on bad address",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{
					Backend:    "valkey",
					TTLSeconds: 1,
					Valkey:     config.ValkeyConfig{Address: "127.0.0.1:1"},
				}
			},
		},
		{
			name: "unknown backend defaults to memory",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{Backend: "memcached", TTLSeconds: 1}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := buildStore(newTestLogger(), tc.cfg(t))
			require.NotNil(t, st)

			ctx := context.Background()
			entry := store.Entry{Payload: []byte("x"), StoredAt: time.Now().UTC()}
			require.NoError(t, st.Set(ctx, "cache:pdf:merge:f1:none", entry, 0))
			_, ok, err := st.Get(ctx, "cache:pdf:merge:f1:none")
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, st.Close(ctx))
		})
	}
}

func TestWarmingConfigMapping(t *testing.T) {
	cfg := config.WarmingConfig{
		Enabled:              true,
		IntervalSeconds:      120,
		MaxConcurrentWarmups: 4,
		WarmupOnStartup:      true,
		PopularOperations: []config.PopularOpConfig{
			{Engine: "pdf", Operation: "merge", Priority: 10},
			{Engine: "spreadsheet", Operation: "sum", Priority: 1},
		},
	}

	mapped := warmingConfig(cfg)
	require.Equal(t, 2*time.Minute, mapped.Interval)
	require.Equal(t, 4, mapped.MaxConcurrentWarmups)
	// The unknown engine is dropped rather than failing startup.
	require.Len(t, mapped.PopularOperations, 1)
	require.Equal(t, keys.EnginePDF, mapped.PopularOperations[0].Engine)
}

func TestApplyRulesSkipsInvalidEntries(t *testing.T) {
	st := store.NewMemory(time.Minute)
	inval, err := invalidation.NewManager(st, newTestLogger(), nil)
	require.NoError(t, err)

	specs := []config.RuleSpec{
		{ID: "good", Name: "good", Strategy: "immediate", Pattern: "pdf:*", Enabled: true},
		{ID: "bad-strategy", Name: "bad", Strategy: "lazy", Pattern: "pdf:*"},
		{ID: "bad-schedule", Name: "bad", Strategy: "scheduled", Pattern: "pdf:*"},
	}
	applyRules(newTestLogger(), inval, specs)

	rules := inval.Rules()
	require.Len(t, rules, 1)
	require.Equal(t, "good", rules[0].ID)
}
