package store

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

type memoryStore struct {
	tracker

	entriesMu sync.RWMutex
	entries   map[string]Entry
}

// NewMemory builds the in-process tier. It backs unit tests and small
// deployments where no valkey instance is available.
func NewMemory(defaultTTL time.Duration) Store {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	s := &memoryStore{entries: make(map[string]Entry)}
	s.defaultTTL = defaultTTL
	return s
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	start := time.Now()
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		s.observe("miss", time.Since(start))
		return Entry{}, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(s.entries, key)
		s.observe("miss", time.Since(start))
		return Entry{}, false, nil
	}
	s.observe("hit", time.Since(start))
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	start := time.Now()
	if ttl <= 0 {
		ttl = s.getTTL()
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	entry.ExpiresAt = entry.StoredAt.Add(ttl)
	s.entriesMu.Lock()
	s.entries[key] = cloneEntry(entry)
	s.entriesMu.Unlock()
	s.observe("set", time.Since(start))
	return nil
}

func (s *memoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s.entriesMu.RLock()
	defer s.entriesMu.RUnlock()
	var matched []string
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			continue
		}
		if matcher.Match(key) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func (s *memoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	start := time.Now()
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	removed := 0
	for _, key := range keys {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			removed++
		}
	}
	s.observe("delete", time.Since(start))
	return removed, nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	now := time.Now()
	s.entriesMu.RLock()
	defer s.entriesMu.RUnlock()
	var live int64
	for _, entry := range s.entries {
		if !now.After(entry.ExpiresAt) {
			live++
		}
	}
	return live, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Stats() Stats { return s.snapshot() }

func (s *memoryStore) DefaultTTL() time.Duration { return s.getTTL() }

func (s *memoryStore) SetDefaultTTL(d time.Duration) { s.setTTL(d) }

func (s *memoryStore) Close(context.Context) error { return nil }

func cloneEntry(in Entry) Entry {
	out := Entry{StoredAt: in.StoredAt, ExpiresAt: in.ExpiresAt}
	if len(in.Payload) > 0 {
		out.Payload = make([]byte, len(in.Payload))
		copy(out.Payload, in.Payload)
	}
	return out
}
