package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory audit store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) ListByTarget(ctx context.Context, targetID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].TargetID == targetID {
			cp := *m.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.records[i]
		out = append(out, &cp)
	}
	return out, nil
}
