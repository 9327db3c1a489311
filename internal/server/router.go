package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/filemill/cachelife/internal/fault"
	"github.com/filemill/cachelife/internal/health"
	"github.com/filemill/cachelife/internal/invalidation"
	"github.com/filemill/cachelife/internal/metrics"
	"github.com/filemill/cachelife/internal/monitor"
	"github.com/filemill/cachelife/internal/perf"
	"github.com/filemill/cachelife/internal/store"
	"github.com/filemill/cachelife/internal/warming"
)

// Admin bundles the lifecycle components behind the administrative HTTP
// surface. Every route shares one response envelope.
type Admin struct {
	logger    *slog.Logger
	store     store.Store
	monitor   *monitor.Monitor
	inval     *invalidation.Manager
	optimizer *perf.Optimizer
	warmer    *warming.Warmer
	health    *health.Aggregator
	rec       *metrics.Recorder
}

// NewAdmin assembles the admin surface over the given components.
func NewAdmin(
	logger *slog.Logger,
	st store.Store,
	mon *monitor.Monitor,
	inval *invalidation.Manager,
	optimizer *perf.Optimizer,
	warmer *warming.Warmer,
	agg *health.Aggregator,
	rec *metrics.Recorder,
) *Admin {
	return &Admin{
		logger:    logger.With(slog.String("component", "admin")),
		store:     st,
		monitor:   mon,
		inval:     inval,
		optimizer: optimizer,
		warmer:    warmer,
		health:    agg,
		rec:       rec,
	}
}

// Handler returns the route table for the admin surface.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", a.rec.Handler())

	mux.HandleFunc("GET /admin/cache/alerts", a.handleListAlerts)
	mux.HandleFunc("POST /admin/cache/alerts/resolve", a.handleResolveAlerts)
	mux.HandleFunc("POST /admin/cache/diagnostics", a.handleDiagnostics)

	mux.HandleFunc("GET /admin/cache/invalidation", a.handleInvalidationStatus)
	mux.HandleFunc("POST /admin/cache/invalidate", a.handleInvalidate)
	mux.HandleFunc("PUT /admin/cache/rules", a.handlePutRule)
	mux.HandleFunc("DELETE /admin/cache/rules/{ruleId}", a.handleDeleteRule)
	mux.HandleFunc("DELETE /admin/cache/rules", a.handleDeleteRule)

	mux.HandleFunc("GET /admin/cache/metrics", a.handleMetrics)

	mux.HandleFunc("POST /admin/cache/performance/tests", a.handleRunPerfTest)
	mux.HandleFunc("GET /admin/cache/performance/results", a.handlePerfResults)
	mux.HandleFunc("PUT /admin/cache/performance/optimizations", a.handleApplyOptimizations)
	mux.HandleFunc("DELETE /admin/cache/performance/results", a.handleClearPerfResults)

	mux.HandleFunc("GET /admin/cache/warming", a.handleWarmingStatus)
	mux.HandleFunc("POST /admin/cache/warming/trigger", a.handleTriggerWarming)
	mux.HandleFunc("PUT /admin/cache/warming/config", a.handleUpdateWarmingConfig)

	return mux
}

// envelope is the shared response shape of every admin route.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *Admin) respond(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Message: message}); err != nil {
		a.logger.Error("response encoding failed", slog.Any("error", err))
	}
}

func (a *Admin) respondErr(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error()}); encErr != nil {
		a.logger.Error("error response encoding failed", slog.Any("error", encErr))
	}
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return fault.New(fault.KindValidation, "request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.KindValidation, "decode request body", err)
	}
	return nil
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := a.health.Check(r.Context())
	status := http.StatusOK
	if report.State == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	a.respond(w, status, report, "")
}

func (a *Admin) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	size, err := a.store.Size(r.Context())
	if err != nil {
		a.respondErr(w, fault.Wrap(fault.KindStoreUnavailable, "store size", err))
		return
	}
	dump := map[string]any{
		"health":       a.health.Check(r.Context()),
		"store":        map[string]any{"size": size, "stats": a.store.Stats(), "defaultTTL": a.store.DefaultTTL().String()},
		"monitor":      a.monitor.CurrentStatus(),
		"invalidation": a.inval.Stats(),
		"warming":      a.warmer.Stats(),
		"performance": map[string]any{
			"running": a.optimizer.Running(),
			"results": len(a.optimizer.Results()),
		},
	}
	a.respond(w, http.StatusOK, dump, "")
}
