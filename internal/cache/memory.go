package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider with per-key TTL. Expired keys are
// dropped lazily on access and by Sweep.
type MemoryProvider struct {
	mu   sync.Mutex
	data map[string]memoryItem
	now  func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty in-memory cache.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string]memoryItem), now: time.Now}
}

// WithClock overrides the time source; intended for tests.
func (m *MemoryProvider) WithClock(now func() time.Time) *MemoryProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Get returns a copy of the stored bytes or ErrCacheMiss.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.liveLocked(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores value with an optional TTL.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = m.itemLocked(value, ttl)
	return nil
}

// SetNX stores value only if key is absent or expired.
func (m *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.data[key] = m.itemLocked(value, ttl)
	return true, nil
}

// Del removes key.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of live keys.
func (m *MemoryProvider) Len() int {
	m.Sweep()
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Sweep drops every expired key.
func (m *MemoryProvider) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, it := range m.data {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			delete(m.data, k)
		}
	}
}

// Close releases nothing; the provider stays usable.
func (m *MemoryProvider) Close() error { return nil }

func (m *MemoryProvider) liveLocked(key string) (memoryItem, bool) {
	it, ok := m.data[key]
	if !ok {
		return memoryItem{}, false
	}
	if !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt) {
		delete(m.data, key)
		return memoryItem{}, false
	}
	return it, true
}

func (m *MemoryProvider) itemLocked(value []byte, ttl time.Duration) memoryItem {
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	return it
}
