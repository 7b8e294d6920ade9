package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyOrder(o)
	m.orders[o.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.MakerID == userID || o.TakerID == userID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountOpenByAd(ctx context.Context, adID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, o := range m.orders {
		if o.AdID == adID && !o.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// transition applies mutate if the order is currently in from.
func (m *MemoryStore) transition(id string, from Status, mutate func(*Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrInvalidTransition
	}
	mutate(o)
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string) error {
	return m.transition(id, StatusPending, func(o *Order) {
		now := time.Now()
		o.Status = StatusPaid
		o.PaidAt = &now
	})
}

func (m *MemoryStore) MarkDisputed(ctx context.Context, id, reason string) error {
	return m.transition(id, StatusPaid, func(o *Order) {
		o.Status = StatusDispute
		o.DisputeReason = reason
	})
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id string, from Status, c Completion) error {
	return m.transition(id, from, func(o *Order) {
		now := time.Now()
		o.Status = StatusCompleted
		o.Fee = c.Fee
		o.ReceiveAmount = c.ReceiveAmount
		o.ResolvedAt = &now
	})
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, id string, from Status, reason string) error {
	return m.transition(id, from, func(o *Order) {
		now := time.Now()
		o.Status = StatusCancelled
		o.CancelReason = reason
		o.ResolvedAt = &now
	})
}

func (m *MemoryStore) SetResolvedBy(ctx context.Context, id, adminID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.ResolvedBy = adminID
	o.UpdatedAt = time.Now()
	return nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	if o.PaymentDetails != nil {
		pd := *o.PaymentDetails
		cp.PaymentDetails = &pd
	}
	return &cp
}
