package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting
// env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator honoring the env-first contract before
// touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"store.ttlseconds":                     "store.ttlSeconds",
			"store.valkey.tls.cafile":              "store.valkey.tls.caFile",
			"monitor.sampleintervalseconds":        "monitor.sampleIntervalSeconds",
			"monitor.retentionhours":               "monitor.retentionHours",
			"monitor.alertcapacity":                "monitor.alertCapacity",
			"monitor.hitratemin":                   "monitor.hitRateMin",
			"monitor.responsetimemaxms":            "monitor.responseTimeMaxMs",
			"monitor.errorratemax":                 "monitor.errorRateMax",
			"invalidation.rulesfile":               "invalidation.rulesFile",
			"warming.intervalseconds":              "warming.intervalSeconds",
			"warming.maxconcurrentwarmups":         "warming.maxConcurrentWarmups",
			"warming.warmuponstartup":              "warming.warmupOnStartup",
			"perf.targethitrate":                   "perf.targetHitRate",
			"perf.targetresponsetimems":            "perf.targetResponseTimeMs",
			"perf.testdurationseconds":             "perf.testDurationSeconds",
			"perf.concurrentrequests":              "perf.concurrentRequests",
			"perf.warmuprequests":                  "perf.warmupRequests",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (MONITOR__HITRATEMIN -> monitor.hitratemin).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	popular := make([]map[string]any, 0, len(cfg.Warming.PopularOperations))
	for _, op := range cfg.Warming.PopularOperations {
		popular = append(popular, map[string]any{
			"engine":    op.Engine,
			"operation": op.Operation,
			"priority":  op.Priority,
			"params":    op.Params,
		})
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"store": map[string]any{
			"backend":    cfg.Store.Backend,
			"ttlSeconds": cfg.Store.TTLSeconds,
			"valkey": map[string]any{
				"address":  cfg.Store.Valkey.Address,
				"username": cfg.Store.Valkey.Username,
				"password": cfg.Store.Valkey.Password,
				"db":       cfg.Store.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Store.Valkey.TLS.Enabled,
					"caFile":  cfg.Store.Valkey.TLS.CAFile,
				},
			},
		},
		"monitor": map[string]any{
			"enabled":               cfg.Monitor.Enabled,
			"sampleIntervalSeconds": cfg.Monitor.SampleIntervalSeconds,
			"retentionHours":        cfg.Monitor.RetentionHours,
			"alertCapacity":         cfg.Monitor.AlertCapacity,
			"hitRateMin":            cfg.Monitor.HitRateMin,
			"responseTimeMaxMs":     cfg.Monitor.ResponseTimeMaxMs,
			"errorRateMax":          cfg.Monitor.ErrorRateMax,
		},
		"invalidation": map[string]any{
			"rulesFile": cfg.Invalidation.RulesFile,
		},
		"warming": map[string]any{
			"enabled":              cfg.Warming.Enabled,
			"intervalSeconds":      cfg.Warming.IntervalSeconds,
			"maxConcurrentWarmups": cfg.Warming.MaxConcurrentWarmups,
			"warmupOnStartup":      cfg.Warming.WarmupOnStartup,
			"popularOperations":    popular,
		},
		"perf": map[string]any{
			"targetHitRate":        cfg.Perf.TargetHitRate,
			"targetResponseTimeMs": cfg.Perf.TargetResponseTimeMs,
			"testDurationSeconds":  cfg.Perf.TestDurationSeconds,
			"concurrentRequests":   cfg.Perf.ConcurrentRequests,
			"warmupRequests":       cfg.Perf.WarmupRequests,
		},
	}
}
