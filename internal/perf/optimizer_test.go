package perf

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/filemill/cachelife/internal/fault"
	"github.com/filemill/cachelife/internal/invalidation"
	"github.com/filemill/cachelife/internal/keys"
	"github.com/filemill/cachelife/internal/store"
	"github.com/filemill/cachelife/internal/warming"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validConfig() Config {
	return Config{
		TargetHitRate:      90,
		TargetResponseTime: 200 * time.Millisecond,
		TestDuration:       30 * time.Second,
		ConcurrentRequests: 5,
		WarmupRequests:     10,
	}
}

func newTestOptimizer(t *testing.T, st store.Store, w *warming.Warmer, inval *invalidation.Manager) *Optimizer {
	t.Helper()
	o, err := New(st, w, inval, testLogger(), nil)
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}
	return o
}

func TestConfigRangeEnforcement(t *testing.T) {
	cfg := validConfig()
	cfg.TargetHitRate = 40
	if err := cfg.Validate(); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("targetHitRate=40 should be rejected, got %v", err)
	}

	cfg = validConfig()
	cfg.TargetHitRate = 75
	if err := cfg.Validate(); err != nil {
		t.Fatalf("targetHitRate=75 should be accepted: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"response time too low", func(c *Config) { c.TargetResponseTime = 5 * time.Millisecond }},
		{"response time too high", func(c *Config) { c.TargetResponseTime = 6 * time.Second }},
		{"duration too short", func(c *Config) { c.TestDuration = 10 * time.Second }},
		{"duration too long", func(c *Config) { c.TestDuration = time.Hour }},
		{"zero concurrency", func(c *Config) { c.ConcurrentRequests = 0 }},
		{"excessive concurrency", func(c *Config) { c.ConcurrentRequests = 51 }},
		{"negative warmups", func(c *Config) { c.WarmupRequests = -1 }},
		{"unknown engine", func(c *Config) { c.Engines = []keys.Engine{"spreadsheet"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestStartExclusivity(t *testing.T) {
	o := newTestOptimizer(t, store.NewMemory(time.Minute), nil, nil)
	o.running.Store(true)
	defer o.running.Store(false)

	if _, err := o.Start(context.Background(), validConfig()); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}
	if err := o.ClearResults(); !fault.Is(err, fault.KindConflict) {
		t.Fatalf("clear should conflict while running, got %v", err)
	}
}

// alwaysMissStore drops every read so the synthetic load observes a cold
// cache for the whole test window.
type alwaysMissStore struct {
	store.Store
}

func (s alwaysMissStore) Get(ctx context.Context, key string) (store.Entry, bool, error) {
	return store.Entry{}, false, nil
}

func TestColdCacheMissesTargetsAndRecommendsWarming(t *testing.T) {
	o := newTestOptimizer(t, alwaysMissStore{store.NewMemory(time.Minute)}, nil, nil)

	cfg := validConfig().withDefaults()
	cfg.TestDuration = 100 * time.Millisecond
	cfg.WarmupRequests = 0
	result := o.execute(context.Background(), "test-1", cfg)

	if result.TargetsMet.HitRate {
		t.Fatal("cold cache should miss the hit-rate target")
	}
	if len(result.Recommendations) == 0 {
		t.Fatal("missed targets should yield recommendations")
	}
	foundWarming := false
	for _, rec := range result.Recommendations {
		if rec.Kind == RecEnableWarming || rec.Kind == RecIncreaseWarmupWorkers {
			foundWarming = true
		}
	}
	if !foundWarming {
		t.Fatalf("expected a warming-related recommendation, got %+v", result.Recommendations)
	}
	if result.Observed.Requests == 0 {
		t.Fatal("no synthetic load was measured")
	}
}

func TestWarmCacheMeetsHitRateTarget(t *testing.T) {
	st := store.NewMemory(time.Minute)
	o := newTestOptimizer(t, st, nil, nil)

	cfg := validConfig().withDefaults()
	cfg.TestDuration = 100 * time.Millisecond
	cfg.WarmupRequests = len(cfg.Engines) * len(cfg.Operations) * len(cfg.FileSizes)
	result := o.execute(context.Background(), "test-2", cfg)

	if !result.TargetsMet.HitRate {
		t.Fatalf("warmed cache should meet the hit-rate target, observed %.1f%%", result.Observed.HitRate)
	}
}

func TestResultsRetention(t *testing.T) {
	o := newTestOptimizer(t, store.NewMemory(time.Minute), nil, nil)
	for i := 0; i < resultsCap+5; i++ {
		o.mu.Lock()
		o.results = append(o.results, Result{TestID: "t"})
		if len(o.results) > resultsCap {
			o.results = append([]Result(nil), o.results[len(o.results)-resultsCap:]...)
		}
		o.mu.Unlock()
	}
	if got := len(o.Results()); got != resultsCap {
		t.Fatalf("results = %d, want %d", got, resultsCap)
	}

	if err := o.ClearResults(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(o.Results()) != 0 {
		t.Fatal("results not cleared")
	}
}

func TestApplyOptimizations(t *testing.T) {
	st := store.NewMemory(time.Minute)
	warmer, err := warming.New(st, nil, testLogger(), nil, warming.Config{
		Enabled:              false,
		Interval:             time.Hour,
		MaxConcurrentWarmups: 3,
	})
	if err != nil {
		t.Fatalf("warmer: %v", err)
	}
	inval, err := invalidation.NewManager(st, testLogger(), nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	o := newTestOptimizer(t, st, warmer, inval)

	baseTTL := st.DefaultTTL()
	result := Result{
		TestID:     "missed-1",
		TargetsMet: TargetsMet{HitRate: false, ResponseTime: false},
		Recommendations: []Recommendation{
			{Kind: RecEnableWarming},
			{Kind: RecIncreaseTTL},
			{Kind: RecIncreaseWarmupWorkers},
			{Kind: RecScheduleCleanup},
		},
	}
	o.mu.Lock()
	o.results = append(o.results, result)
	o.mu.Unlock()

	applied, err := o.Apply("missed-1", false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 4 {
		t.Fatalf("applied %d adjustments, want 4", applied)
	}
	if !warmer.Config().Enabled {
		t.Fatal("warming not enabled")
	}
	if warmer.Config().MaxConcurrentWarmups != 4 {
		t.Fatalf("warming concurrency = %d, want 4", warmer.Config().MaxConcurrentWarmups)
	}
	if st.DefaultTTL() != baseTTL*2 {
		t.Fatalf("ttl = %v, want doubled %v", st.DefaultTTL(), baseTTL*2)
	}
	if len(inval.Rules()) != 1 {
		t.Fatal("cleanup rule not installed")
	}

	// Second apply of the same result is a recorded no-op.
	applied, err = o.Apply("missed-1", false)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if applied != 0 {
		t.Fatalf("re-apply applied %d adjustments", applied)
	}
	if st.DefaultTTL() != baseTTL*2 {
		t.Fatal("re-apply doubled the ttl again")
	}
}

func TestApplySkipsWhenTargetsMet(t *testing.T) {
	st := store.NewMemory(time.Minute)
	o := newTestOptimizer(t, st, nil, nil)
	o.mu.Lock()
	o.results = append(o.results, Result{
		TestID:          "met-1",
		TargetsMet:      TargetsMet{HitRate: true, ResponseTime: true},
		Recommendations: nil,
	})
	o.mu.Unlock()

	applied, err := o.Apply("met-1", false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 0 {
		t.Fatalf("no-op apply changed %d things", applied)
	}
}

func TestApplyUnknownTestID(t *testing.T) {
	o := newTestOptimizer(t, store.NewMemory(time.Minute), nil, nil)
	if _, err := o.Apply("ghost", false); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestPercentiles(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(sorted, 50); got != 5 {
		t.Fatalf("p50 = %v", got)
	}
	if got := percentile(sorted, 99); got != 10 {
		t.Fatalf("p99 = %v", got)
	}
	if got := percentile(nil, 95); got != 0 {
		t.Fatalf("empty percentile = %v", got)
	}
}
