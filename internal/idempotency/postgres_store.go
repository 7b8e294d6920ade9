package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kudipeer/kudipeer/internal/storage"
)

// PostgresStore implements Store with PostgreSQL. Take is a single
// DELETE ... RETURNING, so concurrent redemptions of one token resolve
// to exactly one winner in the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed token store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tokens table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transfer_tokens (
			value      VARCHAR(64) PRIMARY KEY,
			user_id    VARCHAR(64) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_expiry ON transfer_tokens(expires_at);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, t *Token) error {
	q := storage.Querier(ctx, p.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO transfer_tokens (value, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, t.Value, t.UserID, t.ExpiresAt, t.CreatedAt)
	return err
}

func (p *PostgresStore) Take(ctx context.Context, value string) (*Token, error) {
	q := storage.Querier(ctx, p.db)
	t := &Token{}
	err := q.QueryRowContext(ctx, `
		DELETE FROM transfer_tokens WHERE value = $1
		RETURNING value, user_id, expires_at, created_at
	`, value).Scan(&t.Value, &t.UserID, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, `DELETE FROM transfer_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
