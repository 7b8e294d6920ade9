package ads

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kudipeer/kudipeer/internal/money"
)

// MemoryStore is an in-memory ad store for demo/development mode.
type MemoryStore struct {
	mu  sync.RWMutex
	ads map[string]*Ad
}

// NewMemoryStore creates a new in-memory ad store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ads: make(map[string]*Ad)}
}

func (m *MemoryStore) Create(ctx context.Context, ad *Ad) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ad
	m.ads[ad.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Ad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ad, ok := m.ads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ad
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Ad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Ad
	for _, ad := range m.ads {
		if f.Side != "" && ad.Side != f.Side {
			continue
		}
		if f.Currency != "" && ad.Currency != f.Currency {
			continue
		}
		if f.Status != "" && ad.Status != f.Status {
			continue
		}
		if f.MakerID != "" && ad.MakerID != f.MakerID {
			continue
		}
		cp := *ad
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, id, amount string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ad, ok := m.ads[id]
	if !ok {
		return ErrNotFound
	}
	if ad.Version != expectedVersion || ad.Status != StatusActive {
		return ErrConflict
	}
	if money.Cmp(ad.Remaining, amount) < 0 {
		return ErrConflict
	}
	ad.Remaining = money.Sub(ad.Remaining, amount)
	ad.Version++
	ad.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Restock(ctx context.Context, id, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ad, ok := m.ads[id]
	if !ok {
		return ErrNotFound
	}
	ad.Remaining = money.Add(ad.Remaining, amount)
	ad.Version++
	ad.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ad, ok := m.ads[id]
	if !ok {
		return ErrNotFound
	}
	ad.Status = status
	ad.Version++
	ad.UpdatedAt = time.Now()
	return nil
}
