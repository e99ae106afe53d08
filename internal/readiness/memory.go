package readiness

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps readiness in process memory. It is exact for a single
// bridge instance and invisible to others.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore returns an empty store. ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, expires: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryStore) SetReady(_ context.Context, workerID string, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ready {
		delete(m.expires, workerID)
		return nil
	}
	var exp time.Time
	if m.ttl > 0 {
		exp = m.now().Add(m.ttl)
	}
	m.expires[workerID] = exp
	return nil
}

func (m *MemoryStore) IsReady(_ context.Context, workerID string) (bool, error) {
	m.mu.RLock()
	exp, ok := m.expires[workerID]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && m.now().After(exp) {
		m.mu.Lock()
		// re-check: a fresh announcement may have landed in between
		if cur, ok := m.expires[workerID]; ok && cur.Equal(exp) {
			delete(m.expires, workerID)
		}
		m.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Workers returns the ids currently marked ready.
func (m *MemoryStore) Workers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	ids := make([]string, 0, len(m.expires))
	for id, exp := range m.expires {
		if exp.IsZero() || !now.After(exp) {
			ids = append(ids, id)
		}
	}
	return ids
}
