package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/filemill/cachelife/internal/health"
	"github.com/filemill/cachelife/internal/invalidation"
	"github.com/filemill/cachelife/internal/keys"
	"github.com/filemill/cachelife/internal/metrics"
	"github.com/filemill/cachelife/internal/monitor"
	"github.com/filemill/cachelife/internal/perf"
	"github.com/filemill/cachelife/internal/store"
	"github.com/filemill/cachelife/internal/warming"
)

type adminFixture struct {
	store   store.Store
	monitor *monitor.Monitor
	inval   *invalidation.Manager
	warmer  *warming.Warmer
	expect  *httpexpect.Expect
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory(time.Minute)
	rec := metrics.NewRecorder(prometheus.NewRegistry())

	mon, err := monitor.New(st, logger, rec, monitor.Options{})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	inval, err := invalidation.NewManager(st, logger, rec)
	if err != nil {
		t.Fatalf("invalidation: %v", err)
	}
	warmer, err := warming.New(st, nil, logger, rec, warming.Config{
		Enabled:              true,
		Interval:             time.Hour,
		MaxConcurrentWarmups: 2,
		PopularOperations: []warming.Operation{
			{Engine: keys.EnginePDF, Operation: "merge", Priority: 10},
		},
	})
	if err != nil {
		t.Fatalf("warmer: %v", err)
	}
	optimizer, err := perf.New(st, warmer, inval, logger, rec)
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}
	agg := health.New(st, mon, nil)
	admin := NewAdmin(logger, st, mon, inval, optimizer, warmer, agg, rec)

	srv := httptest.NewServer(admin.Handler())
	t.Cleanup(srv.Close)

	return &adminFixture{
		store:   st,
		monitor: mon,
		inval:   inval,
		warmer:  warmer,
		expect:  httpexpect.Default(t, srv.URL),
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	result := f.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	result.HasValue("success", true)
	result.Value("data").Object().HasValue("status", "healthy")
}

func TestManualInvalidation(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	for _, key := range []string{
		keys.Processing(keys.EnginePDF, "merge", "f1", nil).String(),
		keys.Processing(keys.EnginePDF, "split", "f2", nil).String(),
		keys.Processing(keys.EngineImage, "resize", "f1", nil).String(),
	} {
		if err := f.store.Set(ctx, key, store.Entry{Payload: []byte("x")}, 0); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	result := f.expect.POST("/admin/cache/invalidate").
		WithJSON(map[string]any{"type": "engine", "engine": "pdf"}).
		Expect().Status(http.StatusOK).JSON().Object()
	result.HasValue("success", true)
	result.Value("data").Object().HasValue("entriesInvalidated", 2)

	size, _ := f.store.Size(ctx)
	if size != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", size)
	}
}

func TestInvalidationValidation(t *testing.T) {
	f := newAdminFixture(t)

	f.expect.POST("/admin/cache/invalidate").
		WithJSON(map[string]any{"type": "file"}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().HasValue("success", false)

	f.expect.POST("/admin/cache/invalidate").
		WithJSON(map[string]any{"type": "cascade"}).
		Expect().Status(http.StatusBadRequest)

	f.expect.POST("/admin/cache/invalidate").
		WithJSON(map[string]any{"type": "engine", "engine": "spreadsheet"}).
		Expect().Status(http.StatusBadRequest)
}

func TestRuleLifecycleOverHTTP(t *testing.T) {
	f := newAdminFixture(t)

	f.expect.PUT("/admin/cache/rules").
		WithJSON(map[string]any{
			"id": "r1", "name": "stale pdf", "strategy": "scheduled", "pattern": "pdf:*",
			"schedule": map[string]any{"interval": 60000, "maxBatchSize": 100},
			"enabled":  true,
		}).
		Expect().Status(http.StatusOK).
		JSON().Object().HasValue("success", true)

	status := f.expect.GET("/admin/cache/invalidation").
		Expect().Status(http.StatusOK).JSON().Object()
	status.Value("data").Object().Value("rules").Array().Length().IsEqual(1)

	f.expect.PUT("/admin/cache/rules").
		WithJSON(map[string]any{
			"id": "r2", "name": "bad", "strategy": "lazy", "pattern": "pdf:*",
		}).
		Expect().Status(http.StatusBadRequest)

	f.expect.PUT("/admin/cache/rules").
		WithJSON(map[string]any{
			"id": "r3", "name": "no schedule", "strategy": "scheduled", "pattern": "pdf:*",
		}).
		Expect().Status(http.StatusBadRequest)

	f.expect.DELETE("/admin/cache/rules/r1").
		Expect().Status(http.StatusOK)
	f.expect.DELETE("/admin/cache/rules/ghost").
		Expect().Status(http.StatusNotFound)
	f.expect.DELETE("/admin/cache/rules").
		Expect().Status(http.StatusBadRequest)
}

func TestAlertEndpoints(t *testing.T) {
	f := newAdminFixture(t)
	f.monitor.Raise(monitor.AlertLowHitRate, monitor.SeverityHigh, "hit rate low")
	f.monitor.Raise(monitor.AlertHighResponseTime, monitor.SeverityMedium, "latency high")

	list := f.expect.GET("/admin/cache/alerts").WithQuery("active", "true").
		Expect().Status(http.StatusOK).JSON().Object()
	list.Value("data").Object().HasValue("total", 2)

	filtered := f.expect.GET("/admin/cache/alerts").
		WithQuery("severity", "high").
		Expect().Status(http.StatusOK).JSON().Object()
	filtered.Value("data").Object().HasValue("total", 1)

	f.expect.POST("/admin/cache/alerts/resolve").
		WithJSON(map[string]any{}).
		Expect().Status(http.StatusBadRequest)

	f.expect.POST("/admin/cache/alerts/resolve").
		WithJSON(map[string]any{"alertId": "ghost"}).
		Expect().Status(http.StatusNotFound)

	resolved := f.expect.POST("/admin/cache/alerts/resolve").
		WithJSON(map[string]any{"resolveAll": true}).
		Expect().Status(http.StatusOK).JSON().Object()
	resolved.Value("data").Object().HasValue("resolved", 2)
}

func TestMetricsEndpointFlags(t *testing.T) {
	f := newAdminFixture(t)
	f.monitor.Sample(context.Background())

	basic := f.expect.GET("/admin/cache/metrics").
		Expect().Status(http.StatusOK).JSON().Object()
	basic.Value("data").Object().NotContainsKey("history")

	full := f.expect.GET("/admin/cache/metrics").
		WithQuery("history", "true").WithQuery("hours", "1").WithQuery("alerts", "true").
		Expect().Status(http.StatusOK).JSON().Object()
	data := full.Value("data").Object()
	data.ContainsKey("history")
	data.ContainsKey("alerts")

	f.expect.GET("/admin/cache/metrics").
		WithQuery("history", "true").WithQuery("hours", "nope").
		Expect().Status(http.StatusBadRequest)
}

func TestWarmingEndpoints(t *testing.T) {
	f := newAdminFixture(t)

	f.expect.POST("/admin/cache/warming/trigger").
		WithJSON(map[string]any{}).
		Expect().Status(http.StatusBadRequest)

	triggered := f.expect.POST("/admin/cache/warming/trigger").
		WithJSON(map[string]any{"immediate": true}).
		Expect().Status(http.StatusOK).JSON().Object()
	triggered.Value("data").Object().HasValue("warmed", 1)

	status := f.expect.GET("/admin/cache/warming").
		Expect().Status(http.StatusOK).JSON().Object()
	status.Value("data").Object().HasValue("running", false)

	updated := f.expect.PUT("/admin/cache/warming/config").
		WithJSON(map[string]any{"maxConcurrentWarmups": 5}).
		Expect().Status(http.StatusOK).JSON().Object()
	updated.Value("data").Object().HasValue("maxConcurrentWarmups", 5)

	f.expect.PUT("/admin/cache/warming/config").
		WithJSON(map[string]any{"interval": 1000}).
		Expect().Status(http.StatusBadRequest)
}

func TestPerformanceEndpointsValidation(t *testing.T) {
	f := newAdminFixture(t)

	f.expect.POST("/admin/cache/performance/tests").
		WithJSON(map[string]any{
			"targetHitRate":      40,
			"targetResponseTime": 200,
			"testDuration":       60000,
			"concurrentRequests": 5,
		}).
		Expect().Status(http.StatusBadRequest)

	f.expect.PUT("/admin/cache/performance/optimizations").
		WithJSON(map[string]any{"testId": "ghost"}).
		Expect().Status(http.StatusNotFound)

	f.expect.PUT("/admin/cache/performance/optimizations").
		WithJSON(map[string]any{}).
		Expect().Status(http.StatusBadRequest)

	f.expect.DELETE("/admin/cache/performance/results").
		Expect().Status(http.StatusOK)

	results := f.expect.GET("/admin/cache/performance/results").
		Expect().Status(http.StatusOK).JSON().Object()
	results.Value("data").Object().HasValue("running", false)
}

func TestDiagnosticsDump(t *testing.T) {
	f := newAdminFixture(t)
	dump := f.expect.POST("/admin/cache/diagnostics").
		Expect().Status(http.StatusOK).JSON().Object()
	data := dump.Value("data").Object()
	data.ContainsKey("health")
	data.ContainsKey("store")
	data.ContainsKey("invalidation")
	data.ContainsKey("warming")
	data.ContainsKey("performance")
}

func TestPrometheusExposition(t *testing.T) {
	f := newAdminFixture(t)
	body := f.expect.GET("/metrics").Expect().Status(http.StatusOK).Body()
	body.Contains("go_goroutines")
}
