// Package dedup is the fast-path filter for redelivered live events. The
// database unique keys stay the authority; a filter only saves round trips.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Filter remembers event keys for a while.
type Filter interface {
	// Seen marks key and reports whether it was already marked.
	Seen(ctx context.Context, key string) (bool, error)
	// Forget unmarks key so the event can be handled again.
	Forget(ctx context.Context, key string) error
}

// Memory is a process-local Filter with a TTL.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemory keeps at most max keys for ttl each.
func NewMemory(ttl time.Duration, max int) *Memory {
	if max <= 0 {
		max = 10000
	}
	return &Memory{ttl: ttl, max: max, keys: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return true, nil
	}
	if len(m.keys) >= m.max {
		m.sweep(now)
	}
	m.keys[key] = now.Add(m.ttl)
	return false, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// sweep drops expired keys, and everything if that is not enough.
func (m *Memory) sweep(now time.Time) {
	for k, exp := range m.keys {
		if !now.Before(exp) {
			delete(m.keys, k)
		}
	}
	if len(m.keys) >= m.max {
		clear(m.keys)
	}
}
