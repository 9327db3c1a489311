package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/filemill/cachelife/internal/config"
	"github.com/filemill/cachelife/internal/fault"
	"github.com/filemill/cachelife/internal/health"
	"github.com/filemill/cachelife/internal/invalidation"
	"github.com/filemill/cachelife/internal/keys"
	"github.com/filemill/cachelife/internal/logging"
	"github.com/filemill/cachelife/internal/metrics"
	"github.com/filemill/cachelife/internal/monitor"
	"github.com/filemill/cachelife/internal/perf"
	"github.com/filemill/cachelife/internal/server"
	"github.com/filemill/cachelife/internal/store"
	"github.com/filemill/cachelife/internal/warming"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CACHELIFE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	st := buildStore(logger.With(slog.String("component", "store_factory")), cfg.Store)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := st.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	rec := metrics.NewRecorder(promRegistry)

	inval, err := invalidation.NewManager(st, logger, rec)
	if err != nil {
		logger.Error("unable to construct invalidation manager", slog.Any("error", err))
		os.Exit(1)
	}
	inval.Start(ctx)
	defer inval.Stop()

	mon, err := monitor.New(st, logger, rec, monitor.Options{
		SampleInterval: cfg.Monitor.SampleInterval(),
		Retention:      cfg.Monitor.Retention(),
		AlertCapacity:  cfg.Monitor.AlertCapacity,
		Thresholds: monitor.Thresholds{
			HitRateMin:      cfg.Monitor.HitRateMin,
			ResponseTimeMax: time.Duration(cfg.Monitor.ResponseTimeMaxMs) * time.Millisecond,
			ErrorRateMax:    cfg.Monitor.ErrorRateMax,
		},
	})
	if err != nil {
		logger.Error("unable to construct monitor", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Monitor.Enabled {
		mon.Start(ctx)
		defer mon.Stop()
	}

	warmer, err := warming.New(st, nil, logger, rec, warmingConfig(cfg.Warming))
	if err != nil {
		logger.Error("unable to construct warmer", slog.Any("error", err))
		os.Exit(1)
	}
	warmer.Start(ctx)
	defer warmer.Stop()

	optimizer, err := perf.New(st, warmer, inval, logger, rec)
	if err != nil {
		logger.Error("unable to construct optimizer", slog.Any("error", err))
		os.Exit(1)
	}

	var rulesWatcher *config.RulesWatcher
	if cfg.Invalidation.RulesFile != "" {
		watcher, err := config.WatchRules(ctx, cfg.Invalidation.RulesFile, func(specs []config.RuleSpec) {
			applyRules(logger, inval, specs)
		}, func(err error) {
			logger.Error("rules watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			rulesWatcher = watcher
			defer rulesWatcher.Stop()
		}
	}

	agg := health.New(st, mon, nil)
	admin := server.NewAdmin(logger, st, mon, inval, optimizer, warmer, agg, rec)

	srv, err := server.New(cfg, logger, admin.Handler())
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildStore selects the cache backend, falling back to memory when the
// shared tier is unreachable so the service still comes up.
func buildStore(logger *slog.Logger, cfg config.StoreConfig) store.Store {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache store", slog.Duration("ttl", ttl))
		return store.NewMemory(ttl)
	case "valkey", "redis":
		valkeyStore, err := store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		}, ttl)
		if err != nil {
			logger.Error("valkey store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return store.NewMemory(ttl)
		}
		logger.Info("using valkey cache store", slog.String("address", cfg.Valkey.Address))
		return valkeyStore
	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory(ttl)
	}
}

// warmingConfig maps the document form of the warming settings onto the
// warmer's runtime configuration.
func warmingConfig(cfg config.WarmingConfig) warming.Config {
	ops := make([]warming.Operation, 0, len(cfg.PopularOperations))
	for _, op := range cfg.PopularOperations {
		engine, err := keys.ParseEngine(op.Engine)
		if err != nil {
			continue
		}
		ops = append(ops, warming.Operation{
			Engine:    engine,
			Operation: op.Operation,
			Params:    op.Params,
			Priority:  op.Priority,
		})
	}
	return warming.Config{
		Enabled:              cfg.Enabled,
		Interval:             cfg.Interval(),
		MaxConcurrentWarmups: cfg.MaxConcurrentWarmups,
		WarmupOnStartup:      cfg.WarmupOnStartup,
		PopularOperations:    ops,
	}
}

// applyRules loads the document contents into the manager. Reloads are
// last-write-wins per rule id; invalid entries are logged and skipped.
func applyRules(logger *slog.Logger, inval *invalidation.Manager, specs []config.RuleSpec) {
	loaded := 0
	for _, spec := range specs {
		strategy, err := invalidation.ParseStrategy(spec.Strategy)
		if err != nil {
			logger.Warn("skipping rule with unknown strategy",
				slog.String("ruleId", spec.ID), slog.Any("error", err))
			continue
		}
		rule := invalidation.Rule{
			ID:        spec.ID,
			Name:      spec.Name,
			Strategy:  strategy,
			Pattern:   spec.Pattern,
			Condition: spec.Condition,
			Enabled:   spec.Enabled,
		}
		if spec.Schedule != nil {
			rule.Schedule = &invalidation.Schedule{
				Interval:     spec.Schedule.Interval(),
				MaxBatchSize: spec.Schedule.MaxBatchSize,
			}
		}
		if err := inval.AddRule(rule); err != nil {
			if fault.Is(err, fault.KindValidation) {
				logger.Warn("skipping invalid rule from document",
					slog.String("ruleId", spec.ID), slog.Any("error", err))
				continue
			}
			logger.Error("rule load failed", slog.String("ruleId", spec.ID), slog.Any("error", err))
			continue
		}
		loaded++
	}
	logger.Info("invalidation rules loaded", slog.Int("count", loaded))
}
