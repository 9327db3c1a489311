// Package store fronts the multi-tier key-value store that holds cached
// processing artifacts. The lifecycle components only ever see the Store
// interface; memory and valkey backends implement it with identical
// observable semantics so tests and production share one contract.
package store

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached artifact.
type Entry struct {
	Payload   []byte    `json:"payload"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Stats is a point-in-time copy of the store's raw counters. The monitor
// samples these on its interval; nothing else mutates them.
type Stats struct {
	Hits            int64
	Misses          int64
	Sets            int64
	Deletes         int64
	Errors          int64
	AvgResponseTime time.Duration
	LastUpdated     time.Time
}

// HitRate returns the observed hit percentage, 0 when nothing was requested.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// ErrorRate returns the observed error percentage across all operations.
func (s Stats) ErrorRate() float64 {
	total := s.Hits + s.Misses + s.Sets + s.Deletes
	if total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(total) * 100
}

// Store is the surface the lifecycle components orchestrate against.
type Store interface {
	// Get returns the entry for key, reporting a miss instead of an error
	// when the key is absent or expired.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set writes the entry under key. A non-positive ttl falls back to the
	// store's default TTL.
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// Keys lists keys matching the glob pattern. The listing is a snapshot;
	// concurrent writes may or may not be included.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)
	// Size reports the number of live keys.
	Size(ctx context.Context) (int64, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Stats returns a copy of the raw counters.
	Stats() Stats
	// DefaultTTL and SetDefaultTTL expose the tuning knob the performance
	// optimizer adjusts.
	DefaultTTL() time.Duration
	SetDefaultTTL(d time.Duration)
	Close(ctx context.Context) error
}

// tracker accumulates the counters every backend shares. Response time is an
// exponentially weighted moving average so one slow call does not dominate.
type tracker struct {
	mu         sync.Mutex
	stats      Stats
	defaultTTL time.Duration
}

const ewmaWeight = 0.2

func (t *tracker) observe(outcome string, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case "hit":
		t.stats.Hits++
	case "miss":
		t.stats.Misses++
	case "set":
		t.stats.Sets++
	case "delete":
		t.stats.Deletes++
	case "error":
		t.stats.Errors++
	}
	if t.stats.AvgResponseTime == 0 {
		t.stats.AvgResponseTime = elapsed
	} else {
		t.stats.AvgResponseTime = time.Duration(
			float64(t.stats.AvgResponseTime)*(1-ewmaWeight) + float64(elapsed)*ewmaWeight,
		)
	}
	t.stats.LastUpdated = time.Now().UTC()
}

func (t *tracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *tracker) getTTL() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.defaultTTL
}

func (t *tracker) setTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTTL = d
}
