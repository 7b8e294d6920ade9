package ads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kudipeer/kudipeer/internal/storage"
)

// PostgresStore implements Store with PostgreSQL. Inventory moves through
// single conditional UPDATE statements so the version check and the
// decrement are one atomic step.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ad store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ads table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trade_ads (
			id                 VARCHAR(64) PRIMARY KEY,
			maker_id           VARCHAR(64) NOT NULL,
			side               VARCHAR(10) NOT NULL,
			currency           VARCHAR(8) NOT NULL,
			price              NUMERIC(20,2) NOT NULL,
			total_amount       NUMERIC(20,2) NOT NULL,
			remaining          NUMERIC(20,2) NOT NULL,
			min_limit          NUMERIC(20,2) NOT NULL,
			max_limit          NUMERIC(20,2) NOT NULL,
			payment_method_id  VARCHAR(64),
			terms              TEXT,
			status             VARCHAR(10) NOT NULL DEFAULT 'active',
			version            BIGINT NOT NULL DEFAULT 1,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_remaining_nonneg CHECK (remaining >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_ads_browse ON trade_ads(status, side, currency, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ads_maker ON trade_ads(maker_id);
	`)
	return err
}

const adColumns = `id, maker_id, side, currency, price, total_amount, remaining,
	min_limit, max_limit, COALESCE(payment_method_id, ''), COALESCE(terms, ''),
	status, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, ad *Ad) error {
	q := storage.Querier(ctx, p.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO trade_ads
			(id, maker_id, side, currency, price, total_amount, remaining,
			 min_limit, max_limit, payment_method_id, terms, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7::NUMERIC(20,2),
			$8::NUMERIC(20,2), $9::NUMERIC(20,2), NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, $14)
	`, ad.ID, ad.MakerID, ad.Side, ad.Currency, ad.Price, ad.TotalAmount, ad.Remaining,
		ad.MinLimit, ad.MaxLimit, ad.PaymentMethodID, ad.Terms, ad.Status, ad.Version, ad.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ad: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ad, error) {
	q := storage.Querier(ctx, p.db)
	row := q.QueryRowContext(ctx, `SELECT `+adColumns+` FROM trade_ads WHERE id = $1`, id)
	return scanAd(row)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Ad, error) {
	q := storage.Querier(ctx, p.db)
	rows, err := q.QueryContext(ctx, `
		SELECT `+adColumns+` FROM trade_ads
		WHERE ($1 = '' OR side = $1)
		  AND ($2 = '' OR currency = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = '' OR maker_id = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, string(f.Side), f.Currency, string(f.Status), f.MakerID, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ad
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ad)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Reserve(ctx context.Context, id, amount string, expectedVersion int64) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, `
		UPDATE trade_ads SET
			remaining  = remaining - $2::NUMERIC(20,2),
			version    = version + 1,
			updated_at = NOW()
		WHERE id = $1
		  AND version = $3
		  AND status = 'active'
		  AND remaining >= $2::NUMERIC(20,2)
	`, id, amount, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to reserve inventory: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) Restock(ctx context.Context, id, amount string) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, `
		UPDATE trade_ads SET
			remaining  = remaining + $2::NUMERIC(20,2),
			version    = version + 1,
			updated_at = NOW()
		WHERE id = $1
	`, id, amount)
	if err != nil {
		return fmt.Errorf("failed to restock inventory: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, `
		UPDATE trade_ads SET status = $2, version = version + 1, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update ad status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAd(row rowScanner) (*Ad, error) {
	ad := &Ad{}
	err := row.Scan(&ad.ID, &ad.MakerID, &ad.Side, &ad.Currency, &ad.Price,
		&ad.TotalAmount, &ad.Remaining, &ad.MinLimit, &ad.MaxLimit,
		&ad.PaymentMethodID, &ad.Terms, &ad.Status, &ad.Version,
		&ad.CreatedAt, &ad.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ad, nil
}
