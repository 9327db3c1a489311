// Package monitor samples the cache store on an interval, keeps a bounded
// metrics history, and owns the alert lifecycle. Alerts move from active to
// resolved exactly once; a fresh breach after resolution creates a new alert
// with a new id.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filemill/cachelife/internal/metrics"
	"github.com/filemill/cachelife/internal/store"
)

// AlertType identifies the condition an alert reports.
type AlertType string

const (
	AlertLowHitRate       AlertType = "low_hit_rate"
	AlertHighResponseTime AlertType = "high_response_time"
	AlertHighErrorRate    AlertType = "high_error_rate"
	AlertStoreUnavailable AlertType = "store_unavailable"
)

// Severity orders alerts for triage. Only critical affects the healthy flag.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one detected condition with a resolve lifecycle.
type Alert struct {
	ID         string     `json:"id"`
	Type       AlertType  `json:"type"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Snapshot is one sampling tick's view of the store.
type Snapshot struct {
	HitRate         float64       `json:"hitRate"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	ErrorRate       float64       `json:"errorRate"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Status is the point-in-time summary served to status endpoints.
type Status struct {
	Healthy      bool          `json:"healthy"`
	LastUpdate   time.Time     `json:"lastUpdate"`
	ActiveAlerts int           `json:"activeAlerts"`
	HitRate      float64       `json:"hitRate"`
	ResponseTime time.Duration `json:"responseTime"`
}

// Thresholds configure which conditions raise alerts.
type Thresholds struct {
	HitRateMin      float64
	ResponseTimeMax time.Duration
	ErrorRateMax    float64
}

// Monitor owns the sampling loop, the snapshot history, and the alert
// registry. The registry is bounded: when full, the oldest resolved alert is
// evicted first, then the oldest alert outright.
type Monitor struct {
	store      store.Store
	logger     *slog.Logger
	rec        *metrics.Recorder
	interval   time.Duration
	retention  time.Duration
	thresholds Thresholds
	alertCap   int

	mu       sync.Mutex
	history  []Snapshot
	alerts   []Alert
	lastTick time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Options tune the monitor away from its defaults.
type Options struct {
	SampleInterval time.Duration
	Retention      time.Duration
	AlertCapacity  int
	Thresholds     Thresholds
}

// New builds a Monitor. Start must be called to begin sampling.
func New(st store.Store, logger *slog.Logger, rec *metrics.Recorder, opts Options) (*Monitor, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 168 * time.Hour
	}
	if opts.AlertCapacity <= 0 {
		opts.AlertCapacity = 500
	}
	return &Monitor{
		store:      st,
		logger:     logger.With(slog.String("component", "monitor")),
		rec:        rec,
		interval:   opts.SampleInterval,
		retention:  opts.Retention,
		thresholds: opts.Thresholds,
		alertCap:   opts.AlertCapacity,
	}, nil
}

// Start launches the sampling loop. It samples once immediately so status
// endpoints have data before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.Sample(runCtx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Sample(runCtx)
			}
		}
	}()
	m.logger.Info("monitor started",
		slog.Duration("interval", m.interval),
		slog.Duration("retention", m.retention))
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.once.Do(func() {
		m.cancel()
		<-m.done
	})
}

// Sample takes one measurement, appends it to the history, and evaluates the
// alert conditions. It is invoked by the loop and directly by tests.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	now := time.Now().UTC()
	stats := m.store.Stats()
	snap := Snapshot{
		HitRate:         stats.HitRate(),
		AvgResponseTime: stats.AvgResponseTime,
		ErrorRate:       stats.ErrorRate(),
		Timestamp:       now,
	}

	reachable := true
	if err := m.store.Ping(ctx); err != nil {
		reachable = false
		m.logger.Warn("store unreachable during sample", slog.Any("error", err))
	}
	hasTraffic := stats.Hits+stats.Misses > 0

	m.mu.Lock()
	m.lastTick = now
	m.history = append(m.history, snap)
	m.pruneHistoryLocked(now)
	m.evaluateLocked(snap, reachable, hasTraffic, now)
	m.mu.Unlock()

	m.rec.ObserveSample(snap.HitRate)
	return snap
}

// pruneHistoryLocked drops snapshots older than the retention window.
func (m *Monitor) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-m.retention)
	keep := 0
	for _, s := range m.history {
		if s.Timestamp.After(cutoff) {
			break
		}
		keep++
	}
	if keep > 0 {
		m.history = append([]Snapshot(nil), m.history[keep:]...)
	}
}

func (m *Monitor) evaluateLocked(snap Snapshot, reachable, hasTraffic bool, now time.Time) {
	if !reachable {
		m.raiseLocked(AlertStoreUnavailable, SeverityCritical,
			"cache store is unreachable", now)
	}
	// The hit-rate threshold only fires once there is traffic to judge; a
	// cold store with zero requests is not a low hit rate.
	if hasTraffic && m.thresholds.HitRateMin > 0 && snap.HitRate < m.thresholds.HitRateMin {
		m.raiseLocked(AlertLowHitRate, SeverityHigh,
			fmt.Sprintf("hit rate %.1f%% below threshold %.1f%%", snap.HitRate, m.thresholds.HitRateMin), now)
	}
	if m.thresholds.ResponseTimeMax > 0 && snap.AvgResponseTime > m.thresholds.ResponseTimeMax {
		m.raiseLocked(AlertHighResponseTime, SeverityMedium,
			fmt.Sprintf("avg response time %s above threshold %s", snap.AvgResponseTime, m.thresholds.ResponseTimeMax), now)
	}
	if m.thresholds.ErrorRateMax > 0 && snap.ErrorRate > m.thresholds.ErrorRateMax {
		m.raiseLocked(AlertHighErrorRate, SeverityHigh,
			fmt.Sprintf("error rate %.1f%% above threshold %.1f%%", snap.ErrorRate, m.thresholds.ErrorRateMax), now)
	}
}

// raiseLocked creates an alert unless one of the same type is still active.
func (m *Monitor) raiseLocked(typ AlertType, severity Severity, message string, now time.Time) {
	for i := range m.alerts {
		if m.alerts[i].Type == typ && !m.alerts[i].Resolved {
			return
		}
	}
	alert := Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  severity,
		Message:   message,
		Timestamp: now,
	}
	m.alerts = append(m.alerts, alert)
	m.evictLocked()
	m.rec.ObserveAlert(string(typ), string(severity))
	m.logger.Warn("alert raised",
		slog.String("alertId", alert.ID),
		slog.String("type", string(typ)),
		slog.String("severity", string(severity)),
		slog.String("message", message))
}

// evictLocked keeps the registry at or under capacity, preferring to drop the
// oldest resolved alert before touching active ones.
func (m *Monitor) evictLocked() {
	for len(m.alerts) > m.alertCap {
		victim := -1
		for i := range m.alerts {
			if m.alerts[i].Resolved {
				victim = i
				break
			}
		}
		if victim < 0 {
			victim = 0
		}
		m.alerts = append(m.alerts[:victim], m.alerts[victim+1:]...)
	}
}

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Monitor) ActiveAlerts() []Alert {
	return m.filterAlerts(func(a Alert) bool { return !a.Resolved })
}

// AllAlerts returns every retained alert, newest first.
func (m *Monitor) AllAlerts() []Alert {
	return m.filterAlerts(func(Alert) bool { return true })
}

// AlertsByType returns retained alerts of one type, newest first.
func (m *Monitor) AlertsByType(typ AlertType) []Alert {
	return m.filterAlerts(func(a Alert) bool { return a.Type == typ })
}

func (m *Monitor) filterAlerts(keep func(Alert) bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// ResolveAlert marks the alert resolved. It returns true only on the first
// resolution of a known alert; unknown or already-resolved ids return false.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID != id {
			continue
		}
		if m.alerts[i].Resolved {
			return false
		}
		now := time.Now().UTC()
		m.alerts[i].Resolved = true
		m.alerts[i].ResolvedAt = &now
		m.logger.Info("alert resolved", slog.String("alertId", id))
		return true
	}
	return false
}

// ResolveAll resolves every active alert, optionally filtered by type, and
// returns how many were resolved.
func (m *Monitor) ResolveAll(typ AlertType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for i := range m.alerts {
		if m.alerts[i].Resolved {
			continue
		}
		if typ != "" && m.alerts[i].Type != typ {
			continue
		}
		m.alerts[i].Resolved = true
		ts := now
		m.alerts[i].ResolvedAt = &ts
		count++
	}
	if count > 0 {
		m.logger.Info("alerts resolved in bulk",
			slog.String("type", string(typ)), slog.Int("count", count))
	}
	return count
}

// Raise records an alert from outside the sampling loop. Other components use
// it to report conditions the monitor cannot observe itself.
func (m *Monitor) Raise(typ AlertType, severity Severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raiseLocked(typ, severity, message, time.Now().UTC())
}

// CurrentStatus reports the live summary. Healthy is false only while a
// critical alert is active.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{Healthy: true, LastUpdate: m.lastTick}
	for _, a := range m.alerts {
		if a.Resolved {
			continue
		}
		status.ActiveAlerts++
		if a.Severity == SeverityCritical {
			status.Healthy = false
		}
	}
	if n := len(m.history); n > 0 {
		status.HitRate = m.history[n-1].HitRate
		status.ResponseTime = m.history[n-1].AvgResponseTime
	}
	return status
}

// History returns snapshots within the trailing window. Hours outside
// (0, retention] are clamped to the retention window.
func (m *Monitor) History(hours int) []Snapshot {
	window := time.Duration(hours) * time.Hour
	if window <= 0 || window > m.retention {
		window = m.retention
	}
	cutoff := time.Now().UTC().Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.history))
	for _, s := range m.history {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
