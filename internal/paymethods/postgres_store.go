package paymethods

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kudipeer/kudipeer/internal/storage"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed method store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payment methods table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_methods (
			id             VARCHAR(64) PRIMARY KEY,
			owner_id       VARCHAR(64) NOT NULL,
			label          VARCHAR(64),
			currency       VARCHAR(8) NOT NULL,
			bank_name      VARCHAR(128) NOT NULL,
			account_name   VARCHAR(128) NOT NULL,
			account_number VARCHAR(64) NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_paymethods_owner ON payment_methods(owner_id);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, m *Method) error {
	q := storage.Querier(ctx, p.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_methods (id, owner_id, label, currency, bank_name, account_name, account_number, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, m.ID, m.OwnerID, m.Label, m.Currency, m.BankName, m.AccountName, m.AccountNumber, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment method: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Method, error) {
	q := storage.Querier(ctx, p.db)
	m := &Method{}
	err := q.QueryRowContext(ctx, `
		SELECT id, owner_id, COALESCE(label, ''), currency, bank_name, account_name, account_number, created_at
		FROM payment_methods WHERE id = $1
	`, id).Scan(&m.ID, &m.OwnerID, &m.Label, &m.Currency, &m.BankName, &m.AccountName, &m.AccountNumber, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Method, error) {
	q := storage.Querier(ctx, p.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner_id, COALESCE(label, ''), currency, bank_name, account_name, account_number, created_at
		FROM payment_methods WHERE owner_id = $1
		ORDER BY created_at ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Method
	for rows.Next() {
		m := &Method{}
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Label, &m.Currency, &m.BankName, &m.AccountName, &m.AccountNumber, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, `DELETE FROM payment_methods WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
