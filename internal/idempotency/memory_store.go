package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory token store for demo/development mode.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func (m *MemoryStore) Insert(ctx context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tokens[t.Value] = &cp
	return nil
}

func (m *MemoryStore) Take(ctx context.Context, value string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[value]
	if !ok {
		return nil, ErrTokenInvalid
	}
	delete(m.tokens, value)
	return t, nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for v, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			delete(m.tokens, v)
			n++
		}
	}
	return n, nil
}
