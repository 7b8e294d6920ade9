// Package idempotency issues and redeems one-time transfer tokens.
//
// A token authorizes exactly one money movement. It is issued after the
// caller completes side-channel verification, and redeemed atomically:
// find-and-delete, so two concurrent redemptions can never both
// succeed. Tokens are scoped to their owner and expire quickly.
//
// This guard covers user-initiated transfers. Externally-sourced
// credits (bank webhooks) deduplicate through the permanent journal
// reference instead; the two mechanisms have different failure modes
// and are deliberately not merged.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kudipeer/kudipeer/internal/idgen"
)

// ErrTokenInvalid covers missing, expired, spent, and wrong-owner
// tokens. Callers get no more detail than that on purpose.
var ErrTokenInvalid = errors.New("transfer token invalid")

const tokenBytes = 24

// Token is an unredeemed one-time authorization.
type Token struct {
	Value     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store persists tokens. Take must be atomic: at most one caller ever
// receives a given token back.
type Store interface {
	Insert(ctx context.Context, t *Token) error

	// Take removes and returns the token, or ErrTokenInvalid if it does
	// not exist.
	Take(ctx context.Context, value string) (*Token, error)

	// PurgeExpired deletes tokens past their expiry, returning how many.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Service issues and redeems tokens.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a token service.
func New(store Store, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ttl: ttl, logger: logger}
}

// Issue mints a token for userID, valid for the configured TTL.
func (s *Service) Issue(ctx context.Context, userID string) (*Token, error) {
	now := time.Now()
	t := &Token{
		Value:     "tok_" + idgen.Hex(tokenBytes),
		UserID:    userID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Redeem consumes the token for userID. Whatever goes wrong, the token
// is gone afterwards: a failed redemption never leaves a usable token.
func (s *Service) Redeem(ctx context.Context, userID, value string) error {
	if value == "" {
		return ErrTokenInvalid
	}
	t, err := s.store.Take(ctx, value)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		s.logger.Warn("transfer token redeemed by wrong user", "owner", t.UserID, "caller", userID)
		return ErrTokenInvalid
	}
	if time.Now().After(t.ExpiresAt) {
		return ErrTokenInvalid
	}
	return nil
}

// PurgeExpired clears out dead tokens; run periodically by a worker.
func (s *Service) PurgeExpired(ctx context.Context) error {
	n, err := s.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("purged expired transfer tokens", "count", n)
	}
	return nil
}
