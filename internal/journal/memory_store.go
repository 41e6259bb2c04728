package journal

import (
	"context"
	"sync"
)

// maxRetained bounds how many attempts the in-memory store keeps.
const maxRetained = 1000

// MemoryStore is an in-memory implementation of Store. Used when no
// DATABASE_URL is configured, and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts []*Attempt // newest first
	byID     map[string]*Attempt
}

// NewMemoryStore creates a new in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Attempt)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// Insert records an attempt.
func (m *MemoryStore) Insert(ctx context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *a
	m.attempts = append([]*Attempt{&stored}, m.attempts...)
	m.byID[stored.ID] = &stored

	if len(m.attempts) > maxRetained {
		evicted := m.attempts[maxRetained:]
		m.attempts = m.attempts[:maxRetained]
		for _, old := range evicted {
			delete(m.byID, old.ID)
		}
	}
	return nil
}

// Get retrieves one attempt by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

// ListRecent returns up to limit attempts, newest first.
func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.attempts) {
		limit = len(m.attempts)
	}
	out := make([]*Attempt, 0, limit)
	for _, a := range m.attempts[:limit] {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}
