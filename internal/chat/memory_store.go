package chat

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory message store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message // orderID -> messages, oldest first
}

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]*Message)}
}

func (m *MemoryStore) Insert(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.OrderID] = append(m.messages[msg.OrderID], &cp)
	return nil
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[orderID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}
