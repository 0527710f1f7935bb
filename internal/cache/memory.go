package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"deepresearch/internal/types"
)

type memoryEntry struct {
	payload   []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore is an in-process Store with a size bound. At capacity the
// oldest entry is evicted. Results are stored serialized so callers never
// share memory with the cache.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	maxSize int
	now     func() time.Time
}

// NewMemoryStore creates a store holding at most maxSize entries
// (unbounded when maxSize <= 0).
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*types.CachedResult, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.now().After(entry.expiresAt) {
		return nil, ErrMiss
	}
	var res types.CachedResult
	if err := json.Unmarshal(entry.payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, result *types.CachedResult, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.evictOldest()
	}
	now := m.now()
	m.entries[key] = &memoryEntry{
		payload:   payload,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStore) Close() error { return nil }

// evictOldest removes the oldest entry (by creation time).
func (m *MemoryStore) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range m.entries {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
