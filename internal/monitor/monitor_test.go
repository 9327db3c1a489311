package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/filemill/cachelife/internal/store"
)

// failingPingStore wraps a live store and fails reachability checks.
type failingPingStore struct {
	store.Store
}

func (failingPingStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newTestMonitor(t *testing.T, st store.Store, thresholds Thresholds) *Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := New(st, logger, nil, Options{
		SampleInterval: time.Hour,
		Retention:      24 * time.Hour,
		AlertCapacity:  500,
		Thresholds:     thresholds,
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	return m
}

func TestResolveAlertIdempotent(t *testing.T) {
	m := newTestMonitor(t, store.NewMemory(time.Minute), Thresholds{})
	m.Raise(AlertHighErrorRate, SeverityHigh, "errors spiking")

	active := m.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(active))
	}
	id := active[0].ID

	if !m.ResolveAlert(id) {
		t.Fatal("first resolve returned false")
	}
	if m.ResolveAlert(id) {
		t.Fatal("second resolve returned true")
	}
	if m.ResolveAlert("unknown-id") {
		t.Fatal("unknown id resolved")
	}
	if len(m.ActiveAlerts()) != 0 {
		t.Fatal("resolved alert still active")
	}
}

func TestAlertNonDuplication(t *testing.T) {
	st := store.NewMemory(time.Minute)
	ctx := context.Background()
	// Only misses, so the hit rate stays at zero once traffic exists.
	st.Get(ctx, "cache:pdf:merge:f1:none")
	st.Set(ctx, "cache:pdf:merge:f1:none", store.Entry{Payload: []byte("x")}, 0)
	st.Get(ctx, "cache:pdf:merge:f2:none")

	m := newTestMonitor(t, st, Thresholds{HitRateMin: 90})
	m.Sample(ctx)
	m.Sample(ctx)
	m.Sample(ctx)

	var lowHitRate int
	for _, a := range m.ActiveAlerts() {
		if a.Type == AlertLowHitRate {
			lowHitRate++
		}
	}
	if lowHitRate != 1 {
		t.Fatalf("expected exactly 1 low-hit-rate alert, got %d", lowHitRate)
	}

	// A fresh breach after resolution creates a new alert with a new id.
	firstID := m.ActiveAlerts()[0].ID
	m.ResolveAlert(firstID)
	m.Sample(ctx)
	active := m.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("expected new alert after resolve, got %d", len(active))
	}
	if active[0].ID == firstID {
		t.Fatal("resolved alert was re-opened instead of replaced")
	}
}

func TestStoreUnavailableAlertIsCritical(t *testing.T) {
	m := newTestMonitor(t, failingPingStore{store.NewMemory(time.Minute)}, Thresholds{})
	m.Sample(context.Background())

	status := m.CurrentStatus()
	if status.Healthy {
		t.Fatal("critical alert should flip healthy to false")
	}
	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].Type != AlertStoreUnavailable || active[0].Severity != SeverityCritical {
		t.Fatalf("unexpected alerts: %+v", active)
	}
}

func TestStatusHealthyWithNonCriticalAlerts(t *testing.T) {
	m := newTestMonitor(t, store.NewMemory(time.Minute), Thresholds{})
	m.Raise(AlertHighResponseTime, SeverityMedium, "slow")

	status := m.CurrentStatus()
	if !status.Healthy {
		t.Fatal("non-critical alert should not flip healthy")
	}
	if status.ActiveAlerts != 1 {
		t.Fatalf("active count = %d", status.ActiveAlerts)
	}
}

func TestResolveAllByType(t *testing.T) {
	m := newTestMonitor(t, store.NewMemory(time.Minute), Thresholds{})
	m.Raise(AlertHighErrorRate, SeverityHigh, "a")
	m.Raise(AlertHighResponseTime, SeverityMedium, "b")

	if got := m.ResolveAll(AlertHighErrorRate); got != 1 {
		t.Fatalf("resolved %d, want 1", got)
	}
	if got := m.ResolveAll(""); got != 1 {
		t.Fatalf("resolved %d remaining, want 1", got)
	}
	if got := m.ResolveAll(""); got != 0 {
		t.Fatalf("resolve on empty registry = %d", got)
	}
}

func TestAlertRegistryBounded(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := New(store.NewMemory(time.Minute), logger, nil, Options{
		SampleInterval: time.Hour,
		Retention:      time.Hour,
		AlertCapacity:  3,
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}

	// Distinct types so non-duplication does not collapse them.
	types := []AlertType{AlertLowHitRate, AlertHighResponseTime, AlertHighErrorRate, AlertStoreUnavailable}
	for _, typ := range types {
		m.Raise(typ, SeverityLow, string(typ))
	}
	if got := len(m.AllAlerts()); got != 3 {
		t.Fatalf("registry size = %d, want capacity 3", got)
	}
}

func TestHistoryWindow(t *testing.T) {
	m := newTestMonitor(t, store.NewMemory(time.Minute), Thresholds{})
	ctx := context.Background()
	m.Sample(ctx)
	m.Sample(ctx)

	if got := len(m.History(1)); got != 2 {
		t.Fatalf("history = %d, want 2", got)
	}
	if got := len(m.History(0)); got != 2 {
		t.Fatalf("zero hours should clamp to retention, got %d", got)
	}
}

func TestSamplingLoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := New(store.NewMemory(time.Minute), logger, nil, Options{
		SampleInterval: 20 * time.Millisecond,
		Retention:      time.Hour,
		AlertCapacity:  10,
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for len(m.History(1)) < 3 {
		select {
		case <-deadline:
			t.Fatalf("sampling loop produced %d snapshots", len(m.History(1)))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
