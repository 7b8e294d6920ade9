package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kudipeer/kudipeer/internal/storage"
)

// PostgresStore implements Store with PostgreSQL. Inserts route through
// storage.Querier so an audit write joins the caller's transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the admin log table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS admin_log (
			id         VARCHAR(64) PRIMARY KEY,
			actor_id   VARCHAR(64) NOT NULL,
			action     VARCHAR(64) NOT NULL,
			target_id  VARCHAR(64) NOT NULL,
			notes      TEXT,
			origin_ip  VARCHAR(45),
			metadata   JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_admin_log_target ON admin_log(target_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, r *Record) error {
	q := storage.Querier(ctx, p.db)

	var meta []byte
	if r.Metadata != nil {
		var err error
		meta, err = json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO admin_log (id, actor_id, action, target_id, notes, origin_ip, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	`, r.ID, r.ActorID, r.Action, r.TargetID, r.Notes, r.OriginIP, meta, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record admin action: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByTarget(ctx context.Context, targetID string, limit int) ([]*Record, error) {
	return p.list(ctx, `
		SELECT id, actor_id, action, target_id, COALESCE(notes, ''), COALESCE(origin_ip, ''), metadata, created_at
		FROM admin_log WHERE target_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, targetID, limit)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	return p.list(ctx, `
		SELECT id, actor_id, action, target_id, COALESCE(notes, ''), COALESCE(origin_ip, ''), metadata, created_at
		FROM admin_log
		ORDER BY created_at DESC LIMIT $1
	`, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Record, error) {
	q := storage.Querier(ctx, p.db)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		var meta []byte
		if err := rows.Scan(&r.ID, &r.ActorID, &r.Action, &r.TargetID, &r.Notes, &r.OriginIP, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
