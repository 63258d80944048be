package replay

import (
	"context"
	"sync"
	"time"
)

// Store remembers signed requests until their timestamps leave the accepted window.
type Store interface {
	// Claim records key until expiresAt. It reports false when key is already
	// held and has not expired at now.
	Claim(ctx context.Context, key string, now, expiresAt time.Time) (bool, error)
}

// pruneEvery is how many claims pass between sweeps of expired keys.
const pruneEvery = 256

// MemoryStore keeps claims in process. Claims do not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]time.Time
	claims int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Claim(_ context.Context, key string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.claims++
	if m.claims%pruneEvery == 0 {
		m.pruneLocked(now)
	}
	if until, ok := m.data[key]; ok && now.Before(until) {
		return false, nil
	}
	m.data[key] = expiresAt
	return true, nil
}

// Len is the number of keys currently held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *MemoryStore) pruneLocked(now time.Time) {
	for key, until := range m.data {
		if !now.Before(until) {
			delete(m.data, key)
		}
	}
}
