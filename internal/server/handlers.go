package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/filemill/cachelife/internal/fault"
	"github.com/filemill/cachelife/internal/invalidation"
	"github.com/filemill/cachelife/internal/keys"
	"github.com/filemill/cachelife/internal/monitor"
	"github.com/filemill/cachelife/internal/perf"
	"github.com/filemill/cachelife/internal/warming"
)

// Durations arrive on the wire as integer milliseconds.
func msToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func (a *Admin) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var alerts []monitor.Alert
	if q.Get("active") == "true" {
		alerts = a.monitor.ActiveAlerts()
	} else {
		alerts = a.monitor.AllAlerts()
	}
	if sev := q.Get("severity"); sev != "" {
		filtered := alerts[:0:0]
		for _, alert := range alerts {
			if string(alert.Severity) == sev {
				filtered = append(filtered, alert)
			}
		}
		alerts = filtered
	}
	if typ := q.Get("type"); typ != "" {
		filtered := alerts[:0:0]
		for _, alert := range alerts {
			if string(alert.Type) == typ {
				filtered = append(filtered, alert)
			}
		}
		alerts = filtered
	}

	summary := map[string]int{}
	active := 0
	for _, alert := range alerts {
		summary[string(alert.Severity)]++
		if !alert.Resolved {
			active++
		}
	}
	a.respond(w, http.StatusOK, map[string]any{
		"alerts":     alerts,
		"total":      len(alerts),
		"active":     active,
		"bySeverity": summary,
	}, "")
}

type resolveAlertsRequest struct {
	AlertID    string `json:"alertId,omitempty"`
	ResolveAll bool   `json:"resolveAll,omitempty"`
	Type       string `json:"type,omitempty"`
}

func (a *Admin) handleResolveAlerts(w http.ResponseWriter, r *http.Request) {
	var req resolveAlertsRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, err)
		return
	}
	switch {
	case req.AlertID != "":
		if !a.monitor.ResolveAlert(req.AlertID) {
			a.respondErr(w, fault.Newf(fault.KindNotFound, "alert %q not found or already resolved", req.AlertID))
			return
		}
		a.respond(w, http.StatusOK, map[string]any{"resolved": 1}, "alert resolved")
	case req.ResolveAll:
		count := a.monitor.ResolveAll(monitor.AlertType(req.Type))
		a.respond(w, http.StatusOK, map[string]any{"resolved": count}, "alerts resolved")
	default:
		a.respondErr(w, fault.New(fault.KindValidation, "alertId or resolveAll is required"))
	}
}

func (a *Admin) handleInvalidationStatus(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, map[string]any{
		"stats": a.inval.Stats(),
		"rules": a.inval.Rules(),
	}, "")
}

type invalidateRequest struct {
	Type      string `json:"type"`
	Engine    string `json:"engine,omitempty"`
	Operation string `json:"operation,omitempty"`
	FileID    string `json:"fileId,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

func (a *Admin) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, err)
		return
	}

	var (
		result invalidation.Result
		err    error
	)
	switch req.Type {
	case "engine":
		engine, parseErr := keys.ParseEngine(req.Engine)
		if parseErr != nil {
			a.respondErr(w, fault.Wrap(fault.KindValidation, "engine", parseErr))
			return
		}
		result, err = a.inval.InvalidateByEngine(r.Context(), engine)
	case "operation":
		engine, parseErr := keys.ParseEngine(req.Engine)
		if parseErr != nil {
			a.respondErr(w, fault.Wrap(fault.KindValidation, "engine", parseErr))
			return
		}
		if req.Operation == "" {
			a.respondErr(w, fault.New(fault.KindValidation, "operation is required"))
			return
		}
		result, err = a.inval.InvalidateByOperation(r.Context(), engine, req.Operation)
	case "file":
		if req.FileID == "" {
			a.respondErr(w, fault.New(fault.KindValidation, "fileId is required"))
			return
		}
		result, err = a.inval.InvalidateByFileID(r.Context(), req.FileID)
	case "pattern":
		if req.Pattern == "" {
			a.respondErr(w, fault.New(fault.KindValidation, "pattern is required"))
			return
		}
		result, err = a.inval.InvalidateSelector(r.Context(), keys.ByPattern{Glob: req.Pattern})
	case "all":
		result, err = a.inval.InvalidateAll(r.Context())
	default:
		a.respondErr(w, fault.Newf(fault.KindValidation, "unknown invalidation type %q", req.Type))
		return
	}
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, result, "")
}

type ruleRequest struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Strategy  string               `json:"strategy"`
	Pattern   string               `json:"pattern"`
	Condition string               `json:"condition,omitempty"`
	Schedule  *ruleScheduleRequest `json:"schedule,omitempty"`
	Enabled   bool                 `json:"enabled"`
}

type ruleScheduleRequest struct {
	Interval     int64 `json:"interval"`
	MaxBatchSize int   `json:"maxBatchSize"`
}

func (a *Admin) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, err)
		return
	}
	strategy, err := invalidation.ParseStrategy(req.Strategy)
	if err != nil {
		a.respondErr(w, fault.Wrap(fault.KindValidation, "strategy", err))
		return
	}
	rule := invalidation.Rule{
		ID:        req.ID,
		Name:      req.Name,
		Strategy:  strategy,
		Pattern:   req.Pattern,
		Condition: req.Condition,
		Enabled:   req.Enabled,
	}
	if req.Schedule != nil {
		rule.Schedule = &invalidation.Schedule{
			Interval:     msToDuration(req.Schedule.Interval),
			MaxBatchSize: req.Schedule.MaxBatchSize,
		}
	}
	if err := a.inval.AddRule(rule); err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"ruleId": rule.ID}, "rule stored")
}

func (a *Admin) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("ruleId")
	if id == "" {
		id = r.URL.Query().Get("ruleId")
	}
	if id == "" {
		a.respondErr(w, fault.New(fault.KindValidation, "ruleId is required"))
		return
	}
	if !a.inval.RemoveRule(id) {
		a.respondErr(w, fault.Newf(fault.KindNotFound, "rule %q not found", id))
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"ruleId": id}, "rule removed")
}

func (a *Admin) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := map[string]any{
		"status": a.monitor.CurrentStatus(),
		"store":  a.store.Stats(),
	}
	if q.Get("history") == "true" {
		hours := 0
		if raw := q.Get("hours"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				a.respondErr(w, fault.Newf(fault.KindValidation, "invalid hours value %q", raw))
				return
			}
			hours = parsed
		}
		data["history"] = a.monitor.History(hours)
	}
	if q.Get("alerts") == "true" {
		data["alerts"] = a.monitor.ActiveAlerts()
	}
	a.respond(w, http.StatusOK, data, "")
}

type perfTestRequest struct {
	TargetHitRate      float64  `json:"targetHitRate"`
	TargetResponseTime int64    `json:"targetResponseTime"`
	TestDuration       int64    `json:"testDuration"`
	ConcurrentRequests int      `json:"concurrentRequests"`
	Engines            []string `json:"engines,omitempty"`
	Operations         []string `json:"operations,omitempty"`
	FileSizes          []int    `json:"fileSizes,omitempty"`
	WarmupRequests     int      `json:"warmupRequests"`
}

func (a *Admin) handleRunPerfTest(w http.ResponseWriter, r *http.Request) {
	var req perfTestRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, err)
		return
	}
	engines := make([]keys.Engine, 0, len(req.Engines))
	for _, raw := range req.Engines {
		engine, err := keys.ParseEngine(raw)
		if err != nil {
			a.respondErr(w, fault.Wrap(fault.KindValidation, "engines", err))
			return
		}
		engines = append(engines, engine)
	}
	cfg := perf.Config{
		TargetHitRate:      req.TargetHitRate,
		TargetResponseTime: msToDuration(req.TargetResponseTime),
		TestDuration:       msToDuration(req.TestDuration),
		ConcurrentRequests: req.ConcurrentRequests,
		Engines:            engines,
		Operations:         req.Operations,
		FileSizes:          req.FileSizes,
		WarmupRequests:     req.WarmupRequests,
	}
	// The request context ends with the response; the test outlives it.
	testID, err := a.optimizer.Start(context.WithoutCancel(r.Context()), cfg)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"testId": testID}, "performance test started")
}

func (a *Admin) handlePerfResults(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"running": a.optimizer.Running(),
		"results": a.optimizer.Results(),
	}
	if latest, ok := a.optimizer.Latest(); ok {
		data["latest"] = latest
	}
	a.respond(w, http.StatusOK, data, "")
}

type applyOptimizationsRequest struct {
	TestID string `json:"testId"`
	Force  bool   `json:"force,omitempty"`
}

func (a *Admin) handleApplyOptimizations(w http.ResponseWriter, r *http.Request) {
	var req applyOptimizationsRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, err)
		return
	}
	if req.TestID == "" {
		a.respondErr(w, fault.New(fault.KindValidation, "testId is required"))
		return
	}
	applied, err := a.optimizer.Apply(req.TestID, req.Force)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"applied": applied}, "optimizations applied")
}

func (a *Admin) handleClearPerfResults(w http.ResponseWriter, r *http.Request) {
	if err := a.optimizer.ClearResults(); err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, nil, "results cleared")
}

func (a *Admin) handleWarmingStatus(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, map[string]any{
		"running": a.warmer.Running(),
		"stats":   a.warmer.Stats(),
		"config":  a.warmer.Config(),
	}, "")
}

type triggerWarmingRequest struct {
	Immediate  bool                      `json:"immediate,omitempty"`
	Operations []warmingOperationRequest `json:"operations,omitempty"`
}

type warmingOperationRequest struct {
	Engine    string         `json:"engine"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	Priority  int            `json:"priority,omitempty"`
}

func (a *Admin) handleTriggerWarming(w http.ResponseWriter, r *http.Request) {
	var req triggerWarmingRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, err)
		return
	}
	switch {
	case len(req.Operations) > 0:
		ops := make([]warming.Operation, 0, len(req.Operations))
		for _, op := range req.Operations {
			engine, err := keys.ParseEngine(op.Engine)
			if err != nil {
				a.respondErr(w, fault.Wrap(fault.KindValidation, "operations", err))
				return
			}
			if op.Operation == "" {
				a.respondErr(w, fault.New(fault.KindValidation, "operation name is required"))
				return
			}
			ops = append(ops, warming.Operation{
				Engine:    engine,
				Operation: op.Operation,
				Params:    op.Params,
				Priority:  op.Priority,
			})
		}
		warmed, err := a.warmer.TriggerOperations(r.Context(), ops)
		if err != nil {
			a.respondErr(w, err)
			return
		}
		a.respond(w, http.StatusOK, map[string]any{"warmed": warmed}, "warming pass completed")
	case req.Immediate:
		warmed, err := a.warmer.Trigger(r.Context())
		if err != nil {
			a.respondErr(w, err)
			return
		}
		a.respond(w, http.StatusOK, map[string]any{"warmed": warmed}, "warming pass completed")
	default:
		a.respondErr(w, fault.New(fault.KindValidation, "immediate or operations is required"))
	}
}

type warmingConfigRequest struct {
	Enabled              *bool                     `json:"enabled,omitempty"`
	Interval             *int64                    `json:"interval,omitempty"`
	MaxConcurrentWarmups *int                      `json:"maxConcurrentWarmups,omitempty"`
	WarmupOnStartup      *bool                     `json:"warmupOnStartup,omitempty"`
	PopularOperations    []warmingOperationRequest `json:"popularOperations,omitempty"`
}

func (a *Admin) handleUpdateWarmingConfig(w http.ResponseWriter, r *http.Request) {
	var req warmingConfigRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, err)
		return
	}
	patch := warming.ConfigPatch{
		Enabled:              req.Enabled,
		MaxConcurrentWarmups: req.MaxConcurrentWarmups,
		WarmupOnStartup:      req.WarmupOnStartup,
	}
	if req.Interval != nil {
		interval := msToDuration(*req.Interval)
		patch.Interval = &interval
	}
	if req.PopularOperations != nil {
		ops := make([]warming.Operation, 0, len(req.PopularOperations))
		for _, op := range req.PopularOperations {
			engine, err := keys.ParseEngine(op.Engine)
			if err != nil {
				a.respondErr(w, fault.Wrap(fault.KindValidation, "popularOperations", err))
				return
			}
			ops = append(ops, warming.Operation{
				Engine:    engine,
				Operation: op.Operation,
				Params:    op.Params,
				Priority:  op.Priority,
			})
		}
		patch.PopularOperations = ops
	}
	cfg, err := a.warmer.UpdateConfig(patch)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	a.respond(w, http.StatusOK, cfg, "warming config updated")
}
