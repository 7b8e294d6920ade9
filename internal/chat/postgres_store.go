package chat

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kudipeer/kudipeer/internal/storage"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the chat table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_messages (
			id         VARCHAR(64) PRIMARY KEY,
			order_id   VARCHAR(64) NOT NULL,
			sender_id  VARCHAR(64) NOT NULL,
			body       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_messages_order ON order_messages(order_id, created_at);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, m *Message) error {
	q := storage.Querier(ctx, p.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_messages (id, order_id, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.OrderID, m.SenderID, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string, limit int) ([]*Message, error) {
	q := storage.Querier(ctx, p.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, sender_id, body, created_at
		FROM (
			SELECT id, order_id, sender_id, body, created_at
			FROM order_messages WHERE order_id = $1
			ORDER BY created_at DESC LIMIT $2
		) latest
		ORDER BY created_at ASC
	`, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
