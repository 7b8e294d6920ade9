// Package audit keeps the append-only log of admin actions.
//
// Every forced state change (dispute resolution, manual override) must
// leave a record of who did it, to what, and from where. Records are
// written in the same unit of work as the action itself, so an action
// without its audit trail cannot exist.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kudipeer/kudipeer/internal/idgen"
)

var ErrNotFound = errors.New("audit record not found")

// Record is one admin action. Never updated, never deleted.
type Record struct {
	ID        string            `json:"id"`
	ActorID   string            `json:"actorId"`
	Action    string            `json:"action"` // e.g. "dispute.release"
	TargetID  string            `json:"targetId"`
	Notes     string            `json:"notes,omitempty"`
	OriginIP  string            `json:"originIp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store persists audit records.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	ListByTarget(ctx context.Context, targetID string, limit int) ([]*Record, error)
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
}

// Service writes and reads the admin log.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New creates an audit service.
func New(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Record appends an admin action. Joins any ambient transaction on ctx.
func (s *Service) Record(ctx context.Context, actorID, action, targetID, notes, originIP string) error {
	r := &Record{
		ID:        idgen.WithPrefix("log_"),
		ActorID:   actorID,
		Action:    action,
		TargetID:  targetID,
		Notes:     notes,
		OriginIP:  originIP,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return err
	}
	s.logger.Info("admin action recorded", "actor", actorID, "action", action, "target", targetID)
	return nil
}

// ListByTarget returns the admin history of one entity, newest first.
func (s *Service) ListByTarget(ctx context.Context, targetID string, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByTarget(ctx, targetID, limit)
}

// ListRecent returns the latest admin actions platform-wide.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListRecent(ctx, limit)
}
