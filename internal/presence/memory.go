package presence

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process presence store for single-instance deployments
// and tests. Entries expire lazily on read.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]time.Time // userID -> expiry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates an in-memory presence store with the given TTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) SetOnline(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userID] = m.now().Add(m.ttl)
	return nil
}

func (m *Memory) Refresh(ctx context.Context, userID string) error {
	return m.SetOnline(ctx, userID)
}

func (m *Memory) SetOffline(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}

func (m *Memory) IsOnline(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	expiry, ok := m.entries[userID]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if m.now().After(expiry) {
		m.mu.Lock()
		// Re-check under the write lock; a refresh may have raced us.
		if current, still := m.entries[userID]; still && m.now().After(current) {
			delete(m.entries, userID)
		}
		m.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (m *Memory) BulkIsOnline(ctx context.Context, userIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		online, err := m.IsOnline(ctx, id)
		if err != nil {
			return nil, err
		}
		result[id] = online
	}
	return result, nil
}
