// Package invalidation decides what leaves the cache and when. A manager owns
// a registry of rules, executes immediate invalidations on demand, and runs
// scheduled rules on their own cancellable timers.
package invalidation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/filemill/cachelife/internal/expr"
	"github.com/filemill/cachelife/internal/fault"
	"github.com/filemill/cachelife/internal/keys"
	"github.com/filemill/cachelife/internal/metrics"
	"github.com/filemill/cachelife/internal/store"
)

// Strategy is the timing mode of a rule.
type Strategy string

const (
	// StrategyImmediate runs once, when invoked.
	StrategyImmediate Strategy = "immediate"
	// StrategyScheduled runs autonomously on a recurring timer.
	StrategyScheduled Strategy = "scheduled"
)

// ParseStrategy validates a strategy received over the wire.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyImmediate:
		return StrategyImmediate, nil
	case StrategyScheduled:
		return StrategyScheduled, nil
	default:
		return "", fault.Newf(fault.KindValidation, "invalidation: unknown strategy %q", s)
	}
}

// Schedule configures a scheduled rule's recurrence. MaxBatchSize bounds how
// many entries one tick may remove so a large selector match cannot block the
// timer goroutine indefinitely.
type Schedule struct {
	Interval     time.Duration `json:"interval"`
	MaxBatchSize int           `json:"maxBatchSize"`
}

// Rule is one invalidation policy. Condition is an optional CEL predicate
// over the entry attributes; an empty condition matches everything the
// pattern selects.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Strategy  Strategy  `json:"strategy"`
	Pattern   string    `json:"pattern"`
	Condition string    `json:"condition,omitempty"`
	Schedule  *Schedule `json:"schedule,omitempty"`
	Enabled   bool      `json:"enabled"`
}

// Result reports one invalidation execution. It is immutable once produced.
type Result struct {
	RuleID             string        `json:"ruleId,omitempty"`
	Selector           string        `json:"selector"`
	Strategy           Strategy      `json:"strategy"`
	EntriesFound       int           `json:"entriesFound"`
	EntriesInvalidated int           `json:"entriesInvalidated"`
	Errors             int           `json:"errors"`
	Duration           time.Duration `json:"duration"`
	Timestamp          time.Time     `json:"timestamp"`
}

// Stats is a read-only snapshot of the manager's registry and history.
type Stats struct {
	RuleCount        int      `json:"ruleCount"`
	ScheduledJobs    int      `json:"scheduledJobs"`
	TotalInvalidated int      `json:"totalInvalidated"`
	Recent           []Result `json:"recentInvalidations"`
}

const historyCap = 100

type ruleState struct {
	rule      Rule
	condition expr.Condition
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the rule registry and the scheduled timers. Rules are mutated
// only through the manager; snapshots returned to callers are copies.
type Manager struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	env     *expr.Environment

	mu      sync.Mutex
	rules   map[string]ruleState
	jobs    map[string]*job
	history []Result
	total   int

	runCtx  context.Context
	running bool
}

// NewManager wires the manager to the store it clears. Scheduled rules stay
// dormant until Start.
func NewManager(st store.Store, logger *slog.Logger, rec *metrics.Recorder) (*Manager, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:   st,
		logger:  logger.With(slog.String("component", "invalidation")),
		metrics: rec,
		env:     env,
		rules:   make(map[string]ruleState),
		jobs:    make(map[string]*job),
	}, nil
}

// Start arms the timers of every enabled scheduled rule. ctx cancellation
// stops all of them.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.runCtx = ctx
	for id, state := range m.rules {
		if state.rule.Enabled && state.rule.Strategy == StrategyScheduled {
			m.scheduleLocked(id, state)
		}
	}
	m.logger.Info("invalidation manager started", slog.Int("scheduled_jobs", len(m.jobs)))
}

// Stop cancels every scheduled timer and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	jobs := m.jobs
	m.jobs = make(map[string]*job)
	m.running = false
	m.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
		<-j.done
	}
	m.logger.Info("invalidation manager stopped")
}

// AddRule validates and upserts a rule. An existing id is replaced
// (last-write-wins); its timer is cancelled and, when the replacement is an
// enabled scheduled rule, re-armed with the new schedule.
func (m *Manager) AddRule(rule Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	var condition expr.Condition
	if rule.Condition != "" {
		compiled, err := m.env.Compile(rule.Condition)
		if err != nil {
			return fault.Wrap(fault.KindValidation, "invalidation: condition rejected", err)
		}
		condition = compiled
	}

	m.mu.Lock()
	m.cancelJobLocked(rule.ID)
	state := ruleState{rule: rule, condition: condition}
	m.rules[rule.ID] = state
	if m.running && rule.Enabled && rule.Strategy == StrategyScheduled {
		m.scheduleLocked(rule.ID, state)
	}
	m.mu.Unlock()

	m.logger.Info("invalidation rule upserted",
		slog.String("rule_id", rule.ID),
		slog.String("strategy", string(rule.Strategy)),
		slog.Bool("enabled", rule.Enabled))
	return nil
}

// RemoveRule deletes a rule and guarantees its timer is cancelled. It reports
// whether the rule existed.
func (m *Manager) RemoveRule(id string) bool {
	m.mu.Lock()
	_, existed := m.rules[id]
	delete(m.rules, id)
	m.cancelJobLocked(id)
	m.mu.Unlock()
	if existed {
		m.logger.Info("invalidation rule removed", slog.String("rule_id", id))
	}
	return existed
}

// Rules returns a copy of the registry. Timer handles never leave the
// manager.
func (m *Manager) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, state := range m.rules {
		rule := state.rule
		if rule.Schedule != nil {
			scheduleCopy := *rule.Schedule
			rule.Schedule = &scheduleCopy
		}
		out = append(out, rule)
	}
	return out
}

// Stats snapshots the registry size, armed timers, and recent executions.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	recent := make([]Result, len(m.history))
	copy(recent, m.history)
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	return Stats{
		RuleCount:        len(m.rules),
		ScheduledJobs:    len(m.jobs),
		TotalInvalidated: m.total,
		Recent:           recent,
	}
}

// InvalidateByEngine clears every entry one engine produced.
func (m *Manager) InvalidateByEngine(ctx context.Context, engine keys.Engine) (Result, error) {
	return m.InvalidateSelector(ctx, keys.ByEngine{Engine: engine})
}

// InvalidateByOperation clears one operation of one engine.
func (m *Manager) InvalidateByOperation(ctx context.Context, engine keys.Engine, operation string) (Result, error) {
	return m.InvalidateSelector(ctx, keys.ByOperation{Engine: engine, Operation: operation})
}

// InvalidateByFileID clears every entry derived from one file.
func (m *Manager) InvalidateByFileID(ctx context.Context, fileID string) (Result, error) {
	return m.InvalidateSelector(ctx, keys.ByFile{FileID: fileID})
}

// InvalidateAll clears the whole cache namespace.
func (m *Manager) InvalidateAll(ctx context.Context) (Result, error) {
	return m.InvalidateSelector(ctx, keys.All{})
}

// InvalidateSelector runs an immediate invalidation for an arbitrary
// selector.
func (m *Manager) InvalidateSelector(ctx context.Context, sel keys.Selector) (Result, error) {
	rule := Rule{
		Name:     "manual " + sel.Describe(),
		Strategy: StrategyImmediate,
		Pattern:  sel.Pattern(),
		Enabled:  true,
	}
	return m.execute(ctx, ruleState{rule: rule}, 0)
}

// ExecuteRule runs a rule's selector immediately regardless of its enabled
// flag. This is the administrative override path; scheduled autonomy checks
// Enabled separately.
func (m *Manager) ExecuteRule(ctx context.Context, rule Rule) (Result, error) {
	if err := validateRule(rule); err != nil {
		return Result{}, err
	}
	state := ruleState{rule: rule}
	if rule.Condition != "" {
		compiled, err := m.env.Compile(rule.Condition)
		if err != nil {
			return Result{}, fault.Wrap(fault.KindValidation, "invalidation: condition rejected", err)
		}
		state.condition = compiled
	}
	limit := 0
	if rule.Strategy == StrategyScheduled && rule.Schedule != nil {
		limit = rule.Schedule.MaxBatchSize
	}
	return m.execute(ctx, state, limit)
}

// execute resolves the rule's selector against a key snapshot taken at call
// time and deletes matches, at most limit of them when limit > 0. A selector
// matching nothing is success with zero entries.
func (m *Manager) execute(ctx context.Context, state ruleState, limit int) (Result, error) {
	start := time.Now()
	rule := state.rule

	// Rule patterns are authored relative to the cache namespace; anchoring
	// keeps a rule from ever matching keys outside it.
	pattern := keys.ByPattern{Glob: rule.Pattern}.Pattern()
	matched, err := m.store.Keys(ctx, pattern)
	if err != nil {
		m.metrics.ObserveInvalidation(string(rule.Strategy), "error", 0, time.Since(start))
		return Result{}, fault.Wrap(fault.KindStoreUnavailable, "invalidation: list keys", err)
	}

	candidates := matched
	errs := 0
	if rule.Condition != "" {
		candidates, errs = m.filterByCondition(ctx, matched, state.condition)
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	invalidated := 0
	for i := 0; i < len(candidates); i += deleteBatch {
		end := i + deleteBatch
		if end > len(candidates) {
			end = len(candidates)
		}
		removed, err := m.store.Delete(ctx, candidates[i:end]...)
		if err != nil {
			m.metrics.ObserveInvalidation(string(rule.Strategy), "error", invalidated, time.Since(start))
			return Result{}, fault.Wrap(fault.KindStoreUnavailable, "invalidation: delete batch", err)
		}
		invalidated += removed
	}

	result := Result{
		RuleID:             rule.ID,
		Selector:           rule.Pattern,
		Strategy:           rule.Strategy,
		EntriesFound:       len(matched),
		EntriesInvalidated: invalidated,
		Errors:             errs,
		Duration:           time.Since(start),
		Timestamp:          time.Now().UTC(),
	}
	m.record(result)
	m.metrics.ObserveInvalidation(string(rule.Strategy), "ok", invalidated, result.Duration)
	m.logger.Info("invalidation executed",
		slog.String("selector", result.Selector),
		slog.Int("found", result.EntriesFound),
		slog.Int("invalidated", result.EntriesInvalidated))
	return result, nil
}

const deleteBatch = 50

// filterByCondition keeps the keys whose entry facts satisfy the rule's
// predicate. Keys that fail to parse or evaluate are counted as errors and
// excluded; a condition must never widen the match set.
func (m *Manager) filterByCondition(ctx context.Context, candidates []string, condition expr.Condition) ([]string, int) {
	kept := make([]string, 0, len(candidates))
	errs := 0
	now := time.Now()
	for _, raw := range candidates {
		key, err := keys.Parse(raw)
		if err != nil {
			errs++
			continue
		}
		facts := expr.EntryFacts{
			Engine:    string(key.Engine),
			Operation: key.Operation,
			FileID:    key.FileID,
		}
		if entry, ok, err := m.store.Get(ctx, raw); err == nil && ok {
			facts.Age = now.Sub(entry.StoredAt)
		}
		match, err := condition.Eval(facts)
		if err != nil {
			errs++
			continue
		}
		if match {
			kept = append(kept, raw)
		}
	}
	return kept, errs
}

func (m *Manager) record(result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, result)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.total += result.EntriesInvalidated
}

func validateRule(rule Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return fault.New(fault.KindValidation, "invalidation: rule id required")
	}
	if strings.TrimSpace(rule.Name) == "" {
		return fault.New(fault.KindValidation, "invalidation: rule name required")
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fault.New(fault.KindValidation, "invalidation: rule pattern required")
	}
	switch rule.Strategy {
	case StrategyImmediate:
	case StrategyScheduled:
		if rule.Schedule == nil {
			return fault.New(fault.KindValidation, "invalidation: schedule required for scheduled strategy")
		}
		if rule.Schedule.Interval <= 0 {
			return fault.New(fault.KindValidation, "invalidation: schedule interval must be positive")
		}
		if rule.Schedule.MaxBatchSize <= 0 {
			return fault.New(fault.KindValidation, "invalidation: schedule maxBatchSize must be positive")
		}
	default:
		return fault.Newf(fault.KindValidation, "invalidation: unknown strategy %q", rule.Strategy)
	}
	return nil
}
