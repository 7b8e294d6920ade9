package paymethods

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory method store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewMemoryStore creates a new in-memory method store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{methods: make(map[string]*Method)}
}

func (m *MemoryStore) Insert(ctx context.Context, method *Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *method
	m.methods[method.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Method, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	method, ok := m.methods[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *method
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Method, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Method
	for _, method := range m.methods {
		if method.OwnerID == ownerID {
			cp := *method
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.methods[id]; !ok {
		return ErrNotFound
	}
	delete(m.methods, id)
	return nil
}
