package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kudipeer/kudipeer/internal/storage"
)

// PostgresStore implements Store with PostgreSQL. Status transitions are
// single conditional UPDATE statements keyed on the from-status, so a
// racing transition loses cleanly instead of double-applying.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trade_orders (
			id               VARCHAR(64) PRIMARY KEY,
			ad_id            VARCHAR(64) NOT NULL,
			maker_id         VARCHAR(64) NOT NULL,
			taker_id         VARCHAR(64) NOT NULL,
			side             VARCHAR(10) NOT NULL,
			currency         VARCHAR(8) NOT NULL,
			price            NUMERIC(20,2) NOT NULL,
			amount           NUMERIC(20,2) NOT NULL,
			total_ngn        NUMERIC(20,2) NOT NULL,
			fee              NUMERIC(20,2),
			receive_amount   NUMERIC(20,2),
			status           VARCHAR(12) NOT NULL DEFAULT 'pending',
			payment_details  JSONB,
			dispute_reason   TEXT,
			cancel_reason    TEXT,
			resolved_by      VARCHAR(64),
			expires_at       TIMESTAMPTZ NOT NULL,
			paid_at          TIMESTAMPTZ,
			resolved_at      TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_orders_maker ON trade_orders(maker_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_taker ON trade_orders(taker_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_ad_open ON trade_orders(ad_id)
			WHERE status NOT IN ('completed', 'cancelled');
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	q := storage.Querier(ctx, p.db)

	var details []byte
	if o.PaymentDetails != nil {
		var err error
		details, err = json.Marshal(o.PaymentDetails)
		if err != nil {
			return fmt.Errorf("failed to encode payment details: %w", err)
		}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO trade_orders
			(id, ad_id, maker_id, taker_id, side, currency, price, amount, total_ngn,
			 status, payment_details, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,2), $8::NUMERIC(20,2), $9::NUMERIC(20,2),
			$10, $11, $12, $13, $13)
	`, o.ID, o.AdID, o.MakerID, o.TakerID, o.Side, o.Currency, o.Price, o.Amount, o.TotalNGN,
		o.Status, details, o.ExpiresAt, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

const orderColumns = `id, ad_id, maker_id, taker_id, side, currency, price, amount, total_ngn,
	COALESCE(fee::TEXT, ''), COALESCE(receive_amount::TEXT, ''), status, payment_details,
	COALESCE(dispute_reason, ''), COALESCE(cancel_reason, ''), COALESCE(resolved_by, ''),
	expires_at, paid_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	q := storage.Querier(ctx, p.db)
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM trade_orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	q := storage.Querier(ctx, p.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM trade_orders
		WHERE maker_id = $1 OR taker_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountOpenByAd(ctx context.Context, adID string) (int, error) {
	q := storage.Querier(ctx, p.db)
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trade_orders
		WHERE ad_id = $1 AND status NOT IN ('completed', 'cancelled')
	`, adID).Scan(&n)
	return n, err
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string) error {
	return p.transition(ctx, id, `
		UPDATE trade_orders SET status = 'paid', paid_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`)
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, id, reason string) error {
	return p.transition(ctx, id, `
		UPDATE trade_orders SET status = 'dispute', dispute_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'paid'
	`, reason)
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, id string, from Status, c Completion) error {
	return p.transition(ctx, id, `
		UPDATE trade_orders SET
			status = 'completed',
			fee = $2::NUMERIC(20,2),
			receive_amount = $3::NUMERIC(20,2),
			resolved_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, c.Fee, c.ReceiveAmount, string(from))
}

func (p *PostgresStore) MarkCancelled(ctx context.Context, id string, from Status, reason string) error {
	return p.transition(ctx, id, `
		UPDATE trade_orders SET
			status = 'cancelled',
			cancel_reason = $2,
			resolved_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, reason, string(from))
}

func (p *PostgresStore) SetResolvedBy(ctx context.Context, id, adminID string) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, `
		UPDATE trade_orders SET resolved_by = $2, updated_at = NOW() WHERE id = $1
	`, id, adminID)
	if err != nil {
		return fmt.Errorf("failed to record dispute resolver: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) transition(ctx context.Context, id, query string, args ...any) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to transition order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrInvalidTransition
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var details []byte
	var paidAt, resolvedAt sql.NullTime
	err := row.Scan(&o.ID, &o.AdID, &o.MakerID, &o.TakerID, &o.Side, &o.Currency, &o.Price,
		&o.Amount, &o.TotalNGN, &o.Fee, &o.ReceiveAmount, &o.Status, &details,
		&o.DisputeReason, &o.CancelReason, &o.ResolvedBy, &o.ExpiresAt, &paidAt, &resolvedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if resolvedAt.Valid {
		o.ResolvedAt = &resolvedAt.Time
	}
	if len(details) > 0 {
		o.PaymentDetails = &PaymentDetails{}
		if err := json.Unmarshal(details, o.PaymentDetails); err != nil {
			return nil, fmt.Errorf("failed to decode payment details: %w", err)
		}
	}
	return o, nil
}
