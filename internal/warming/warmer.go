// Package warming keeps popular cache entries hot. A warmer runs passes on a
// timer or on demand, issuing concurrent synthetic fetches for the current
// popularity ranking and writing the results into the store.
package warming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filemill/cachelife/internal/fault"
	"github.com/filemill/cachelife/internal/keys"
	"github.com/filemill/cachelife/internal/metrics"
	"github.com/filemill/cachelife/internal/store"
)

const (
	minInterval = time.Minute
	maxInterval = 24 * time.Hour
	minWarmups  = 1
	maxWarmups  = 10
	rankingCap  = 20
)

// Operation identifies one warmable request shape.
type Operation struct {
	Engine    keys.Engine    `json:"engine"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	Priority  int            `json:"priority"`
}

// Config controls the warming schedule.
type Config struct {
	Enabled              bool          `json:"enabled"`
	Interval             time.Duration `json:"interval"`
	MaxConcurrentWarmups int           `json:"maxConcurrentWarmups"`
	WarmupOnStartup      bool          `json:"warmupOnStartup"`
	PopularOperations    []Operation   `json:"popularOperations"`
}

// Validate enforces the configuration ranges.
func (c Config) Validate() error {
	if c.Interval < minInterval || c.Interval > maxInterval {
		return fault.Newf(fault.KindValidation,
			"warming interval %s outside [%s, %s]", c.Interval, minInterval, maxInterval)
	}
	if c.MaxConcurrentWarmups < minWarmups || c.MaxConcurrentWarmups > maxWarmups {
		return fault.Newf(fault.KindValidation,
			"maxConcurrentWarmups %d outside [%d, %d]", c.MaxConcurrentWarmups, minWarmups, maxWarmups)
	}
	return nil
}

// ConfigPatch carries a partial update; nil fields keep their current value.
type ConfigPatch struct {
	Enabled              *bool          `json:"enabled,omitempty"`
	Interval             *time.Duration `json:"interval,omitempty"`
	MaxConcurrentWarmups *int           `json:"maxConcurrentWarmups,omitempty"`
	WarmupOnStartup      *bool          `json:"warmupOnStartup,omitempty"`
	PopularOperations    []Operation    `json:"popularOperations,omitempty"`
}

// Stats summarises warming activity for status endpoints and the optimizer.
type Stats struct {
	PopularOperations []RankedOperation `json:"popularOperations"`
	LastWarmingRun    time.Time         `json:"lastWarmingRun"`
	TotalOperations   int64             `json:"totalOperations"`
}

// RankedOperation is one entry of the popularity ranking.
type RankedOperation struct {
	Engine      keys.Engine `json:"engine"`
	Operation   string      `json:"operation"`
	AccessCount int64       `json:"accessCount"`
	LastAccess  time.Time   `json:"lastAccess"`
}

// Fetcher produces the artifact for one warmable operation. Production wires
// this to the processing engines; tests substitute a stub.
type Fetcher func(ctx context.Context, op Operation) ([]byte, error)

// SyntheticFetcher fabricates a deterministic payload. It stands in when no
// processing backend is attached, which still exercises the full store path.
func SyntheticFetcher(_ context.Context, op Operation) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"engine":    op.Engine,
		"operation": op.Operation,
		"params":    op.Params,
		"warmed":    true,
	})
	if err != nil {
		return nil, fmt.Errorf("warming: encode payload: %w", err)
	}
	return payload, nil
}

type usageEntry struct {
	count int64
	last  time.Time
}

// Warmer owns the warming schedule and the usage ranking. At most one pass
// runs at a time; a second trigger while one is active gets a conflict.
type Warmer struct {
	store   store.Store
	fetch   Fetcher
	logger  *slog.Logger
	rec     *metrics.Recorder
	running atomic.Bool

	mu     sync.Mutex
	cfg    Config
	stats  Stats
	usage  map[string]usageEntry
	reload chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New builds a Warmer. Start must be called for scheduled passes to run.
func New(st store.Store, fetch Fetcher, logger *slog.Logger, rec *metrics.Recorder, cfg Config) (*Warmer, error) {
	if st == nil {
		return nil, fmt.Errorf("warming: store is required")
	}
	if fetch == nil {
		fetch = SyntheticFetcher
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Warmer{
		store:  st,
		fetch:  fetch,
		logger: logger.With(slog.String("component", "warmer")),
		rec:    rec,
		cfg:    cfg,
		usage:  make(map[string]usageEntry),
		reload: make(chan struct{}, 1),
	}, nil
}

// Start launches the scheduled loop. When configured, one pass runs
// immediately before the first tick.
func (w *Warmer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(runCtx)
}

func (w *Warmer) loop(ctx context.Context) {
	defer close(w.done)

	w.mu.Lock()
	enabled, startup, interval := w.cfg.Enabled, w.cfg.WarmupOnStartup, w.cfg.Interval
	w.mu.Unlock()

	if enabled && startup {
		if _, err := w.RunPass(ctx); err != nil && !fault.Is(err, fault.KindConflict) {
			w.logger.Error("startup warming failed", slog.Any("error", err))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reload:
			w.mu.Lock()
			interval = w.cfg.Interval
			w.mu.Unlock()
			ticker.Reset(interval)
		case <-ticker.C:
			w.mu.Lock()
			enabled = w.cfg.Enabled
			w.mu.Unlock()
			if !enabled {
				continue
			}
			// A due run is skipped, not queued, when a pass is in flight.
			if _, err := w.RunPass(ctx); err != nil {
				if fault.Is(err, fault.KindConflict) {
					w.logger.Debug("scheduled warming skipped, pass in progress")
					continue
				}
				w.logger.Error("scheduled warming failed", slog.Any("error", err))
			}
		}
	}
}

// Stop halts the scheduled loop and waits for it to exit. An in-flight pass
// finishes on its own context.
func (w *Warmer) Stop() {
	if w.cancel == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Config returns a copy of the active configuration.
func (w *Warmer) Config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg := w.cfg
	cfg.PopularOperations = append([]Operation(nil), w.cfg.PopularOperations...)
	return cfg
}

// UpdateConfig merges the provided fields into the configuration, validating
// the result before committing it. The schedule picks up interval changes on
// the next loop iteration.
func (w *Warmer) UpdateConfig(patch ConfigPatch) (Config, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.cfg
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.Interval != nil {
		next.Interval = *patch.Interval
	}
	if patch.MaxConcurrentWarmups != nil {
		next.MaxConcurrentWarmups = *patch.MaxConcurrentWarmups
	}
	if patch.WarmupOnStartup != nil {
		next.WarmupOnStartup = *patch.WarmupOnStartup
	}
	if patch.PopularOperations != nil {
		next.PopularOperations = append([]Operation(nil), patch.PopularOperations...)
	}
	if err := next.Validate(); err != nil {
		return w.cfg, err
	}
	w.cfg = next
	select {
	case w.reload <- struct{}{}:
	default:
	}
	w.logger.Info("warming config updated",
		slog.Bool("enabled", next.Enabled),
		slog.Duration("interval", next.Interval),
		slog.Int("maxConcurrentWarmups", next.MaxConcurrentWarmups))
	cfg := next
	cfg.PopularOperations = append([]Operation(nil), next.PopularOperations...)
	return cfg, nil
}

// TrackUsage records one access for the ranking. The processing layer calls
// this on every cache read so warming follows real demand.
func (w *Warmer) TrackUsage(engine keys.Engine, operation string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := string(engine) + ":" + operation
	e := w.usage[k]
	e.count++
	e.last = time.Now().UTC()
	w.usage[k] = e
}

// Ranking returns the popularity ranking, most accessed first, capped.
func (w *Warmer) Ranking() []RankedOperation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rankingLocked()
}

func (w *Warmer) rankingLocked() []RankedOperation {
	out := make([]RankedOperation, 0, len(w.usage))
	for k, e := range w.usage {
		var engine, op string
		for i := 0; i < len(k); i++ {
			if k[i] == ':' {
				engine, op = k[:i], k[i+1:]
				break
			}
		}
		out = append(out, RankedOperation{
			Engine:      keys.Engine(engine),
			Operation:   op,
			AccessCount: e.count,
			LastAccess:  e.last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccessCount != out[j].AccessCount {
			return out[i].AccessCount > out[j].AccessCount
		}
		return out[i].LastAccess.After(out[j].LastAccess)
	})
	if len(out) > rankingCap {
		out = out[:rankingCap]
	}
	return out
}

// Stats returns a copy of the warming statistics with the live ranking.
func (w *Warmer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.PopularOperations = w.rankingLocked()
	return s
}

// Running reports whether a warming pass is currently executing.
func (w *Warmer) Running() bool { return w.running.Load() }

// Trigger starts a manual pass over the configured popular operations.
func (w *Warmer) Trigger(ctx context.Context) (int, error) {
	return w.RunPass(ctx)
}

// TriggerOperations starts a manual pass over an explicit operation list.
func (w *Warmer) TriggerOperations(ctx context.Context, ops []Operation) (int, error) {
	if len(ops) == 0 {
		return 0, fault.New(fault.KindValidation, "no operations to warm")
	}
	return w.runPass(ctx, ops)
}

// RunPass executes one warming pass over the configured operations. It fails
// with a conflict while another pass is running.
func (w *Warmer) RunPass(ctx context.Context) (int, error) {
	w.mu.Lock()
	ops := append([]Operation(nil), w.cfg.PopularOperations...)
	w.mu.Unlock()
	return w.runPass(ctx, ops)
}

func (w *Warmer) runPass(ctx context.Context, ops []Operation) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		return 0, fault.New(fault.KindConflict, "warming pass already in progress")
	}
	defer w.running.Store(false)

	start := time.Now()
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Priority > ops[j].Priority })

	w.mu.Lock()
	limit := w.cfg.MaxConcurrentWarmups
	w.mu.Unlock()

	var (
		wg     sync.WaitGroup
		warmed atomic.Int64
		failed atomic.Int64
		sem    = make(chan struct{}, limit)
	)
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(op Operation) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.warmOne(ctx, op); err != nil {
				failed.Add(1)
				w.logger.Warn("warmup fetch failed",
					slog.String("engine", string(op.Engine)),
					slog.String("operation", op.Operation),
					slog.Any("error", err))
				return
			}
			warmed.Add(1)
		}(op)
	}
	wg.Wait()

	elapsed := time.Since(start)
	w.mu.Lock()
	w.stats.LastWarmingRun = time.Now().UTC()
	w.stats.TotalOperations += warmed.Load() + failed.Load()
	w.mu.Unlock()

	result := "ok"
	if failed.Load() > 0 {
		result = "partial"
	}
	w.rec.ObserveWarming(result, elapsed)
	w.logger.Info("warming pass completed",
		slog.Int64("warmed", warmed.Load()),
		slog.Int64("failed", failed.Load()),
		slog.Duration("duration", elapsed))
	return int(warmed.Load()), nil
}

// warmOne fetches and stores a single operation's artifact. Entries already
// present are left untouched so warming never clobbers fresher data.
func (w *Warmer) warmOne(ctx context.Context, op Operation) error {
	key := keys.Processing(op.Engine, op.Operation, "warmup", op.Params).String()
	if _, found, err := w.store.Get(ctx, key); err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "warming probe", err)
	} else if found {
		return nil
	}
	payload, err := w.fetch(ctx, op)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry := store.Entry{
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(w.store.DefaultTTL()),
	}
	if err := w.store.Set(ctx, key, entry, 0); err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "warming store", err)
	}
	return nil
}
