// Package chat is the per-order message channel between trade parties.
//
// Messages are plain text and append-only. The platform posts system
// messages into the same channel for state changes (payment marked,
// dispute raised, resolution), so the channel doubles as the trade's
// human-readable history during a dispute review.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kudipeer/kudipeer/internal/idgen"
)

var (
	ErrNotFound   = errors.New("order chat not found")
	ErrNotParty   = errors.New("caller is not a party to this order")
	ErrValidation = errors.New("invalid chat message")
)

// SystemSender marks platform-authored messages.
const SystemSender = "system"

const maxBodyLen = 2000

// Message is one chat line in an order's channel.
type Message struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists messages.
type Store interface {
	Insert(ctx context.Context, m *Message) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]*Message, error)
}

// OrderDirectory resolves an order's parties for access control and
// message fan-out.
type OrderDirectory interface {
	Parties(ctx context.Context, orderID string) (makerID, takerID string, err error)
}

// Notifier pushes new messages to connected sessions.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Service posts and reads order chat.
type Service struct {
	store    Store
	orders   OrderDirectory
	notifier Notifier
	logger   *slog.Logger
}

// New creates a chat service.
func New(store Store, orders OrderDirectory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, orders: orders, logger: logger}
}

// WithNotifier attaches realtime fan-out.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Post appends a message from a trade party.
func (s *Service) Post(ctx context.Context, orderID, senderID, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxBodyLen {
		return nil, ErrValidation
	}
	maker, taker, err := s.orders.Parties(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if senderID != maker && senderID != taker {
		return nil, ErrNotParty
	}
	return s.append(ctx, orderID, senderID, body, maker, taker)
}

// PostSystem appends a platform message to the order's channel.
func (s *Service) PostSystem(ctx context.Context, orderID, text string) error {
	maker, taker, err := s.orders.Parties(ctx, orderID)
	if err != nil {
		return err
	}
	_, err = s.append(ctx, orderID, SystemSender, text, maker, taker)
	return err
}

func (s *Service) append(ctx context.Context, orderID, senderID, body, maker, taker string) (*Message, error) {
	m := &Message{
		ID:        idgen.WithPrefix("msg_"),
		OrderID:   orderID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.Notify(maker, "chat.message", m)
		s.notifier.Notify(taker, "chat.message", m)
	}
	return m, nil
}

// List returns an order's messages, oldest first. Parties and admins only.
func (s *Service) List(ctx context.Context, callerID string, isAdmin bool, orderID string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if !isAdmin {
		maker, taker, err := s.orders.Parties(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if callerID != maker && callerID != taker {
			return nil, ErrNotParty
		}
	}
	return s.store.ListByOrder(ctx, orderID, limit)
}
