// Package perf drives synthetic load against the cache, compares observed
// metrics to targets, and feeds tuning adjustments back into the warmer, the
// invalidation schedule, and the store's TTL.
package perf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/filemill/cachelife/internal/fault"
	"github.com/filemill/cachelife/internal/invalidation"
	"github.com/filemill/cachelife/internal/keys"
	"github.com/filemill/cachelife/internal/metrics"
	"github.com/filemill/cachelife/internal/store"
	"github.com/filemill/cachelife/internal/warming"
)

// Config describes one performance test. All ranges are validated before a
// test starts; an out-of-range field rejects the whole test.
type Config struct {
	TargetHitRate      float64       `json:"targetHitRate"`
	TargetResponseTime time.Duration `json:"targetResponseTime"`
	TestDuration       time.Duration `json:"testDuration"`
	ConcurrentRequests int           `json:"concurrentRequests"`
	Engines            []keys.Engine `json:"engines"`
	Operations         []string      `json:"operations"`
	FileSizes          []int         `json:"fileSizes"`
	WarmupRequests     int           `json:"warmupRequests"`
}

// Validate enforces the per-field ranges.
func (c Config) Validate() error {
	if c.TargetHitRate < 50 || c.TargetHitRate > 100 {
		return fault.Newf(fault.KindValidation, "targetHitRate %.1f outside [50, 100]", c.TargetHitRate)
	}
	if c.TargetResponseTime < 10*time.Millisecond || c.TargetResponseTime > 5000*time.Millisecond {
		return fault.Newf(fault.KindValidation, "targetResponseTime %s outside [10ms, 5s]", c.TargetResponseTime)
	}
	if c.TestDuration < 30*time.Second || c.TestDuration > 30*time.Minute {
		return fault.Newf(fault.KindValidation, "testDuration %s outside [30s, 30m]", c.TestDuration)
	}
	if c.ConcurrentRequests < 1 || c.ConcurrentRequests > 50 {
		return fault.Newf(fault.KindValidation, "concurrentRequests %d outside [1, 50]", c.ConcurrentRequests)
	}
	if c.WarmupRequests < 0 {
		return fault.Newf(fault.KindValidation, "warmupRequests %d must not be negative", c.WarmupRequests)
	}
	for _, e := range c.Engines {
		if _, err := keys.ParseEngine(string(e)); err != nil {
			return fault.Wrap(fault.KindValidation, "engines", err)
		}
	}
	return nil
}

// withDefaults fills the request-shape fields a caller may omit.
func (c Config) withDefaults() Config {
	if len(c.Engines) == 0 {
		c.Engines = keys.Engines()
	}
	if len(c.Operations) == 0 {
		c.Operations = []string{"convert", "thumbnail", "compress"}
	}
	if len(c.FileSizes) == 0 {
		c.FileSizes = []int{1024, 65536, 1048576}
	}
	return c
}

// TargetsMet reports which of the two targets the observed metrics satisfied.
type TargetsMet struct {
	HitRate      bool `json:"hitRate"`
	ResponseTime bool `json:"responseTime"`
}

// Observed holds the measured metrics of one test.
type Observed struct {
	Requests        int           `json:"requests"`
	Hits            int           `json:"hits"`
	Misses          int           `json:"misses"`
	Errors          int           `json:"errors"`
	HitRate         float64       `json:"hitRate"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	P50ResponseTime time.Duration `json:"p50ResponseTime"`
	P95ResponseTime time.Duration `json:"p95ResponseTime"`
	P99ResponseTime time.Duration `json:"p99ResponseTime"`
}

// RecommendationKind names a tuning adjustment the optimizer can apply.
type RecommendationKind string

const (
	RecIncreaseTTL           RecommendationKind = "increase_ttl"
	RecIncreaseWarmupWorkers RecommendationKind = "increase_warming_concurrency"
	RecEnableWarming         RecommendationKind = "enable_warming"
	RecScheduleCleanup       RecommendationKind = "schedule_stale_cleanup"
)

// Recommendation is one derived tuning suggestion, ordered by impact.
type Recommendation struct {
	Kind        RecommendationKind `json:"kind"`
	Description string             `json:"description"`
}

// Result is the immutable outcome of one completed test.
type Result struct {
	TestID          string           `json:"testId"`
	StartedAt       time.Time        `json:"startedAt"`
	CompletedAt     time.Time        `json:"completedAt"`
	Config          Config           `json:"config"`
	Observed        Observed         `json:"observed"`
	TargetsMet      TargetsMet       `json:"targetsMet"`
	Recommendations []Recommendation `json:"recommendations"`
}

const resultsCap = 50

// Optimizer runs at most one test at a time and retains completed results
// until explicitly cleared.
type Optimizer struct {
	store   store.Store
	warmer  *warming.Warmer
	inval   *invalidation.Manager
	logger  *slog.Logger
	rec     *metrics.Recorder
	running atomic.Bool

	mu      sync.Mutex
	results []Result
	applied map[string]bool
}

// New builds an Optimizer. The warmer and invalidation manager receive the
// applied tuning adjustments; either may be nil in tests.
func New(st store.Store, warmer *warming.Warmer, inval *invalidation.Manager, logger *slog.Logger, rec *metrics.Recorder) (*Optimizer, error) {
	if st == nil {
		return nil, fmt.Errorf("perf: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		store:   st,
		warmer:  warmer,
		inval:   inval,
		logger:  logger.With(slog.String("component", "optimizer")),
		rec:     rec,
		applied: make(map[string]bool),
	}, nil
}

// Running reports whether a test is currently in flight.
func (o *Optimizer) Running() bool { return o.running.Load() }

// Start validates the config and launches the test asynchronously, returning
// its id. A second Start while one test is in flight fails with a conflict.
func (o *Optimizer) Start(ctx context.Context, cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if !o.running.CompareAndSwap(false, true) {
		return "", fault.New(fault.KindConflict, "performance test already running")
	}
	cfg = cfg.withDefaults()
	testID := uuid.NewString()
	go func() {
		defer o.running.Store(false)
		result := o.execute(ctx, testID, cfg)
		o.mu.Lock()
		o.results = append(o.results, result)
		if len(o.results) > resultsCap {
			o.results = append([]Result(nil), o.results[len(o.results)-resultsCap:]...)
		}
		o.mu.Unlock()
		outcome := "targets_met"
		if !result.TargetsMet.HitRate || !result.TargetsMet.ResponseTime {
			outcome = "targets_missed"
		}
		o.rec.ObservePerfTest(outcome)
		o.logger.Info("performance test completed",
			slog.String("testId", testID),
			slog.Float64("hitRate", result.Observed.HitRate),
			slog.Duration("p95", result.Observed.P95ResponseTime),
			slog.Bool("hitRateMet", result.TargetsMet.HitRate),
			slog.Bool("responseTimeMet", result.TargetsMet.ResponseTime))
	}()
	return testID, nil
}

// Run executes a test synchronously and returns its result. Tests and
// command-line tooling use it; the HTTP surface uses Start.
func (o *Optimizer) Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if !o.running.CompareAndSwap(false, true) {
		return Result{}, fault.New(fault.KindConflict, "performance test already running")
	}
	defer o.running.Store(false)
	cfg = cfg.withDefaults()
	result := o.execute(ctx, uuid.NewString(), cfg)
	o.mu.Lock()
	o.results = append(o.results, result)
	if len(o.results) > resultsCap {
		o.results = append([]Result(nil), o.results[len(o.results)-resultsCap:]...)
	}
	o.mu.Unlock()
	return result, nil
}

// request is one synthetic load unit drawn from the cartesian product of
// engines, operations, and file sizes.
type request struct {
	engine    keys.Engine
	operation string
	fileSize  int
}

func (o *Optimizer) execute(ctx context.Context, testID string, cfg Config) Result {
	started := time.Now().UTC()
	shapes := make([]request, 0, len(cfg.Engines)*len(cfg.Operations)*len(cfg.FileSizes))
	for _, e := range cfg.Engines {
		for _, op := range cfg.Operations {
			for _, size := range cfg.FileSizes {
				shapes = append(shapes, request{engine: e, operation: op, fileSize: size})
			}
		}
	}

	// Warmup populates the cache without touching the measurement.
	for i := 0; i < cfg.WarmupRequests && ctx.Err() == nil; i++ {
		o.issue(ctx, shapes[i%len(shapes)], nil)
	}

	deadline := time.Now().Add(cfg.TestDuration)
	loadCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []sample
		wg      sync.WaitGroup
	)
	for worker := 0; worker < cfg.ConcurrentRequests; worker++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			i := offset
			for loadCtx.Err() == nil {
				shape := shapes[i%len(shapes)]
				i += cfg.ConcurrentRequests
				begin := time.Now()
				hit, err := o.issue(loadCtx, shape, loadCtx.Done())
				if loadCtx.Err() != nil {
					return
				}
				s := sample{elapsed: time.Since(begin), hit: hit, failed: err != nil}
				mu.Lock()
				samples = append(samples, s)
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	obs := summarize(samples)
	targets := TargetsMet{
		HitRate:      obs.HitRate >= cfg.TargetHitRate,
		ResponseTime: obs.AvgResponseTime <= cfg.TargetResponseTime,
	}
	return Result{
		TestID:          testID,
		StartedAt:       started,
		CompletedAt:     time.Now().UTC(),
		Config:          cfg,
		Observed:        obs,
		TargetsMet:      targets,
		Recommendations: recommend(obs, targets),
	}
}

// issue performs one synthetic request: a read, with a write standing in for
// the recomputation a production miss would trigger.
func (o *Optimizer) issue(ctx context.Context, shape request, stop <-chan struct{}) (bool, error) {
	fileID := fmt.Sprintf("perf-%d", shape.fileSize)
	key := keys.Processing(shape.engine, shape.operation, fileID, map[string]any{
		"size": shape.fileSize,
	}).String()
	_, found, err := o.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}
	select {
	case <-stop:
		return false, ctx.Err()
	default:
	}
	payload, _ := json.Marshal(map[string]any{"size": shape.fileSize, "synthetic": true})
	now := time.Now().UTC()
	entry := store.Entry{Payload: payload, StoredAt: now, ExpiresAt: now.Add(o.store.DefaultTTL())}
	if err := o.store.Set(ctx, key, entry, 0); err != nil {
		return false, err
	}
	return false, nil
}

type sample struct {
	elapsed time.Duration
	hit     bool
	failed  bool
}

func summarize(samples []sample) Observed {
	obs := Observed{Requests: len(samples)}
	if len(samples) == 0 {
		return obs
	}
	durations := make([]time.Duration, 0, len(samples))
	var total time.Duration
	for _, s := range samples {
		switch {
		case s.failed:
			obs.Errors++
		case s.hit:
			obs.Hits++
		default:
			obs.Misses++
		}
		durations = append(durations, s.elapsed)
		total += s.elapsed
	}
	if counted := obs.Hits + obs.Misses; counted > 0 {
		obs.HitRate = float64(obs.Hits) / float64(counted) * 100
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	obs.AvgResponseTime = total / time.Duration(len(durations))
	obs.P50ResponseTime = percentile(durations, 50)
	obs.P95ResponseTime = percentile(durations, 95)
	obs.P99ResponseTime = percentile(durations, 99)
	return obs
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// recommend maps the observed bottleneck to an ordered list of adjustments.
// Low hit rate points at warming and TTL; high latency points at concurrency
// and store pressure.
func recommend(obs Observed, targets TargetsMet) []Recommendation {
	var recs []Recommendation
	if !targets.HitRate {
		recs = append(recs,
			Recommendation{
				Kind:        RecEnableWarming,
				Description: fmt.Sprintf("hit rate %.1f%% is below target, enable cache warming for popular operations", obs.HitRate),
			},
			Recommendation{
				Kind:        RecIncreaseTTL,
				Description: "raise the default TTL so warm entries survive between accesses",
			},
			Recommendation{
				Kind:        RecIncreaseWarmupWorkers,
				Description: "raise warming concurrency so passes cover the popular set faster",
			},
		)
	}
	if !targets.ResponseTime {
		recs = append(recs, Recommendation{
			Kind:        RecScheduleCleanup,
			Description: fmt.Sprintf("p95 latency %s is above target, schedule stale-entry cleanup to shrink the working set", obs.P95ResponseTime),
		})
	}
	return recs
}

// Results returns the retained results, oldest first.
func (o *Optimizer) Results() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Result(nil), o.results...)
}

// Latest returns the most recent result.
func (o *Optimizer) Latest() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.results) == 0 {
		return Result{}, false
	}
	return o.results[len(o.results)-1], true
}

// Result returns the retained result with the given id.
func (o *Optimizer) Result(testID string) (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.results {
		if r.TestID == testID {
			return r, true
		}
	}
	return Result{}, false
}

// ClearResults drops the retained results. It rejects with a conflict while a
// test is running so the in-flight result is not orphaned.
func (o *Optimizer) ClearResults() error {
	if o.running.Load() {
		return fault.New(fault.KindConflict, "cannot clear results while a test is running")
	}
	o.mu.Lock()
	o.results = nil
	o.applied = make(map[string]bool)
	o.mu.Unlock()
	return nil
}

// Apply pushes a result's recommendations into the warmer, the invalidation
// schedule, and the store TTL. When the result already met both targets it is
// a no-op unless force is set. Applying the same result twice is a no-op: the
// adjustments are recorded per test id, not accumulated.
func (o *Optimizer) Apply(testID string, force bool) (int, error) {
	result, ok := o.Result(testID)
	if !ok {
		return 0, fault.Newf(fault.KindNotFound, "unknown test id %q", testID)
	}
	if result.TargetsMet.HitRate && result.TargetsMet.ResponseTime && !force {
		return 0, nil
	}
	o.mu.Lock()
	if o.applied[testID] {
		o.mu.Unlock()
		return 0, nil
	}
	o.applied[testID] = true
	o.mu.Unlock()

	applied := 0
	for _, rec := range result.Recommendations {
		if err := o.applyOne(rec); err != nil {
			o.logger.Warn("optimization not applied",
				slog.String("kind", string(rec.Kind)),
				slog.Any("error", err))
			continue
		}
		applied++
		o.logger.Info("optimization applied",
			slog.String("testId", testID),
			slog.String("kind", string(rec.Kind)))
	}
	return applied, nil
}

func (o *Optimizer) applyOne(rec Recommendation) error {
	switch rec.Kind {
	case RecIncreaseTTL:
		o.store.SetDefaultTTL(o.store.DefaultTTL() * 2)
		return nil
	case RecEnableWarming:
		if o.warmer == nil {
			return fmt.Errorf("perf: no warmer attached")
		}
		enabled := true
		_, err := o.warmer.UpdateConfig(warming.ConfigPatch{Enabled: &enabled})
		return err
	case RecIncreaseWarmupWorkers:
		if o.warmer == nil {
			return fmt.Errorf("perf: no warmer attached")
		}
		next := o.warmer.Config().MaxConcurrentWarmups + 1
		if next > 10 {
			return nil
		}
		_, err := o.warmer.UpdateConfig(warming.ConfigPatch{MaxConcurrentWarmups: &next})
		return err
	case RecScheduleCleanup:
		if o.inval == nil {
			return fmt.Errorf("perf: no invalidation manager attached")
		}
		return o.inval.AddRule(invalidation.Rule{
			ID:       "perf-stale-cleanup",
			Name:     "Stale entry cleanup",
			Strategy: invalidation.StrategyScheduled,
			Pattern:  "cache:*",
			Schedule: &invalidation.Schedule{
				Interval:     5 * time.Minute,
				MaxBatchSize: 200,
			},
			Enabled: true,
		})
	default:
		return fmt.Errorf("perf: unknown recommendation %q", rec.Kind)
	}
}
