package cache

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store with TTL support. It mirrors the
// redis semantics the rest of the system relies on and is the backend
// used by tests. The clock can be overridden to step through expiry
// windows without sleeping.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// Now reports the current time; tests override it.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		Now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.expired(s.Now()) {
		delete(s.entries, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.Now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && !entry.expired(s.Now()) {
		return false, nil
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.Now().Add(ttl)
	}
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var keys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	values := make([]string, len(keys))
	for i, key := range keys {
		entry, ok := s.entries[key]
		if !ok || entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		values[i] = entry.value
	}
	return values, nil
}

func (s *MemoryStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current float64
	entry, ok := s.entries[key]
	if ok && entry.expired(s.Now()) {
		// An expired counter restarts as a fresh persistent key.
		entry = memoryEntry{}
		ok = false
	}
	if ok {
		parsed, err := strconv.ParseFloat(entry.value, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += delta
	s.entries[key] = memoryEntry{
		value:     strconv.FormatFloat(current, 'f', -1, 64),
		expiresAt: entry.expiresAt,
	}
	return current, nil
}
