package session

import (
	"context"
	"sync"
	"time"
)

const memoryCleanupInterval = time.Minute

// MemoryBackend keeps statuses in a map. Safe for concurrent use.
type MemoryBackend struct {
	ttl     time.Duration
	entries map[string]Status
	mu      sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryBackend creates a memory backend. Starts a background cleanup goroutine.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &MemoryBackend{
		ttl:     ttl,
		entries: make(map[string]Status),
		stop:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

func (m *MemoryBackend) Load(_ context.Context, id string) (Status, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.entries[id]
	if ok && m.expired(st, time.Now()) {
		return Status{}, false, nil
	}
	return st, ok, nil
}

func (m *MemoryBackend) Save(_ context.Context, id string, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[id] = st
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, id)
	return nil
}

// Len returns the number of live entries.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the cleanup goroutine.
func (m *MemoryBackend) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryBackend) expired(st Status, now time.Time) bool {
	return now.Sub(st.UpdatedAt) > m.ttl
}

func (m *MemoryBackend) cleanup() {
	ticker := time.NewTicker(memoryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired(time.Now())
		}
	}
}

func (m *MemoryBackend) evictExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, st := range m.entries {
		if m.expired(st, now) {
			delete(m.entries, id)
			evicted++
		}
	}
	return evicted
}
