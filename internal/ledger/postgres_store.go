package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kudipeer/kudipeer/internal/idgen"
	"github.com/kudipeer/kudipeer/internal/money"
	"github.com/kudipeer/kudipeer/internal/storage"
)

// PostgresStore implements Store with PostgreSQL. Balance math runs under
// serializable transactions with row locks; the CHECK constraints
// (balance >= locked_balance, locked_balance >= 0) are the last line of
// defense against overdraft and over-unlock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_accounts (
			id              VARCHAR(64) PRIMARY KEY,
			user_id         VARCHAR(64) NOT NULL UNIQUE,
			balance         NUMERIC(20,2) NOT NULL DEFAULT 0,
			locked_balance  NUMERIC(20,2) NOT NULL DEFAULT 0,
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_locked_nonneg  CHECK (locked_balance >= 0),
			CONSTRAINT chk_balance_covers CHECK (balance >= locked_balance)
		);

		CREATE TABLE IF NOT EXISTS journal_entries (
			id              VARCHAR(36) PRIMARY KEY,
			account_id      VARCHAR(64) NOT NULL,
			type            VARCHAR(20) NOT NULL,
			amount          NUMERIC(20,2) NOT NULL,
			balance_before  NUMERIC(20,2) NOT NULL,
			balance_after   NUMERIC(20,2) NOT NULL,
			status          VARCHAR(20) NOT NULL DEFAULT 'completed',
			reference       VARCHAR(128) NOT NULL UNIQUE,
			counterparty_id VARCHAR(64),
			metadata        JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_journal_reference ON journal_entries(reference);
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	q := storage.Querier(ctx, p.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO wallet_accounts (id, user_id, balance, locked_balance, active, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5, $6, $6)
	`, acct.ID, acct.UserID, acct.Balance, acct.LockedBalance, acct.Active, acct.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	return err
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	q := storage.Querier(ctx, p.db)
	acct := &Account{}
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, balance, locked_balance, active, created_at, updated_at
		FROM wallet_accounts WHERE id = $1
	`, id).Scan(&acct.ID, &acct.UserID, &acct.Balance, &acct.LockedBalance, &acct.Active, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) AccountByUser(ctx context.Context, userID string) (*Account, error) {
	q := storage.Querier(ctx, p.db)
	acct := &Account{}
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, balance, locked_balance, active, created_at, updated_at
		FROM wallet_accounts WHERE user_id = $1
	`, userID).Scan(&acct.ID, &acct.UserID, &acct.Balance, &acct.LockedBalance, &acct.Active, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Apply writes every entry in order inside one transaction. Each leg
// locks its account row, checks the available balance for debits, and
// journals before/after snapshots.
func (p *PostgresStore) Apply(ctx context.Context, entries []Entry) ([]*JournalEntry, error) {
	var out []*JournalEntry
	err := storage.InTx(ctx, p.db, func(ctx context.Context) error {
		q := storage.Querier(ctx, p.db)
		for _, e := range entries {
			je, err := applyOne(ctx, q, e)
			if err != nil {
				return err
			}
			out = append(out, je)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyOne(ctx context.Context, q storage.DBTX, e Entry) (*JournalEntry, error) {
	var balance, locked string
	err := q.QueryRowContext(ctx, `
		SELECT balance, locked_balance FROM wallet_accounts WHERE id = $1 FOR UPDATE
	`, e.AccountID).Scan(&balance, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	amt, ok := money.ParseSigned(e.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	bal, _ := money.Parse(balance)
	lck, _ := money.Parse(locked)
	after := new(big.Int).Add(bal, amt)
	if amt.Sign() < 0 && new(big.Int).Sub(after, lck).Sign() < 0 {
		return nil, ErrInsufficientFunds
	}

	afterStr := money.Format(after)
	if _, err := q.ExecContext(ctx, `
		UPDATE wallet_accounts SET balance = $2::NUMERIC(20,2), updated_at = NOW() WHERE id = $1
	`, e.AccountID, afterStr); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	je := &JournalEntry{
		ID:             idgen.WithPrefix("txn_"),
		AccountID:      e.AccountID,
		Type:           e.Type,
		Amount:         money.Format(amt),
		BalanceBefore:  balance,
		BalanceAfter:   afterStr,
		Status:         "completed",
		Reference:      e.Reference,
		CounterpartyID: e.CounterpartyID,
		Metadata:       e.Metadata,
		CreatedAt:      time.Now(),
	}
	if err := insertEntry(ctx, q, je); err != nil {
		return nil, err
	}
	return je, nil
}

func insertEntry(ctx context.Context, q storage.DBTX, je *JournalEntry) error {
	var meta []byte
	if je.Metadata != nil {
		var err error
		meta, err = json.Marshal(je.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO journal_entries
			(id, account_id, type, amount, balance_before, balance_after, status, reference, counterparty_id, metadata, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7, $8, NULLIF($9, ''), $10, $11)
	`, je.ID, je.AccountID, je.Type, je.Amount, je.BalanceBefore, je.BalanceAfter,
		je.Status, je.Reference, je.CounterpartyID, meta, je.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// Lock reserves available funds as a single conditional update, so two
// concurrent locks can never both see the same available balance.
func (p *PostgresStore) Lock(ctx context.Context, accountID, amount string) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			locked_balance = locked_balance + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1 AND balance - locked_balance >= $2::NUMERIC(20,2)
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to lock funds: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, gerr := p.GetAccount(ctx, accountID); gerr != nil {
			return gerr
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (p *PostgresStore) Unlock(ctx context.Context, accountID, amount string) error {
	q := storage.Querier(ctx, p.db)
	result, err := q.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			locked_balance = locked_balance - $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1 AND locked_balance >= $2::NUMERIC(20,2)
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to unlock funds: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, gerr := p.GetAccount(ctx, accountID); gerr != nil {
			return gerr
		}
		return ErrInternalConsistency
	}
	return nil
}

// Settle consumes the payer's lock and distributes total across the
// receiver and the revenue account, writing three cross-referenced
// journal entries, all in one transaction. A reference group that
// already exists is returned unchanged.
func (p *PostgresStore) Settle(ctx context.Context, sp SettleParams) ([]*JournalEntry, error) {
	var out []*JournalEntry
	err := storage.InTx(ctx, p.db, func(ctx context.Context) error {
		q := storage.Querier(ctx, p.db)

		var exists bool
		if err := q.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM journal_entries WHERE reference = $1)
		`, sp.PayerRef()).Scan(&exists); err != nil {
			return err
		}
		if exists {
			prior, err := p.EntriesByReference(ctx, sp.Reference+":")
			if err != nil {
				return err
			}
			out = prior
			return nil
		}

		var payerBalance, payerLocked string
		err := q.QueryRowContext(ctx, `
			SELECT balance, locked_balance FROM wallet_accounts WHERE id = $1 FOR UPDATE
		`, sp.PayerID).Scan(&payerBalance, &payerLocked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		if money.Cmp(payerLocked, sp.Total) < 0 {
			return ErrInternalConsistency
		}

		receiveAmount := money.Sub(sp.Total, sp.Fee)
		now := time.Now()
		meta := &TransferMetadata{OrderID: sp.OrderID, Actor: sp.Actor}

		// Payer: consume the reservation (balance and lock together).
		payerAfter := money.Sub(payerBalance, sp.Total)
		if _, err := q.ExecContext(ctx, `
			UPDATE wallet_accounts SET
				balance        = balance - $2::NUMERIC(20,2),
				locked_balance = locked_balance - $2::NUMERIC(20,2),
				updated_at     = NOW()
			WHERE id = $1
		`, sp.PayerID, sp.Total); err != nil {
			return fmt.Errorf("failed to debit payer: %w", err)
		}

		receiverAfter, err := creditRow(ctx, q, sp.ReceiverID, receiveAmount)
		if err != nil {
			return fmt.Errorf("failed to credit receiver: %w", err)
		}
		revenueAfter, err := creditRow(ctx, q, sp.RevenueID, sp.Fee)
		if err != nil {
			return fmt.Errorf("failed to credit revenue: %w", err)
		}

		group := []*JournalEntry{
			{
				ID: idgen.WithPrefix("txn_"), AccountID: sp.PayerID, Type: TypeTransfer,
				Amount: money.Neg(sp.Total), BalanceBefore: payerBalance, BalanceAfter: payerAfter,
				Status: "completed", Reference: sp.PayerRef(), CounterpartyID: sp.ReceiverID,
				Metadata: &Metadata{Transfer: meta}, CreatedAt: now,
			},
			{
				ID: idgen.WithPrefix("txn_"), AccountID: sp.ReceiverID, Type: TypeTransfer,
				Amount: receiveAmount, BalanceBefore: money.Sub(receiverAfter, receiveAmount), BalanceAfter: receiverAfter,
				Status: "completed", Reference: sp.ReceiverRef(), CounterpartyID: sp.PayerID,
				Metadata: &Metadata{Transfer: meta}, CreatedAt: now,
			},
			{
				ID: idgen.WithPrefix("txn_"), AccountID: sp.RevenueID, Type: TypeFee,
				Amount: sp.Fee, BalanceBefore: money.Sub(revenueAfter, sp.Fee), BalanceAfter: revenueAfter,
				Status: "completed", Reference: sp.FeeRef(), CounterpartyID: sp.PayerID,
				Metadata: &Metadata{Fee: &FeeMetadata{AppliesTo: sp.ReceiverRef()}}, CreatedAt: now,
			},
		}
		for _, je := range group {
			if err := insertEntry(ctx, q, je); err != nil {
				return err
			}
		}
		out = group
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// creditRow locks the account row, credits it, and returns the new balance.
func creditRow(ctx context.Context, q storage.DBTX, accountID, amount string) (string, error) {
	var after string
	err := q.QueryRowContext(ctx, `
		UPDATE wallet_accounts SET
			balance = balance + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1
		RETURNING balance
	`, accountID, amount).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	return after, err
}

func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	q := storage.Querier(ctx, p.db)
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM journal_entries WHERE reference = $1)
	`, reference).Scan(&exists)
	return exists, err
}

// likePrefix escapes the LIKE metacharacters in a reference prefix.
// References are full of underscores (ord_1:settle), which LIKE would
// otherwise treat as single-character wildcards.
var likePrefix = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (p *PostgresStore) EntriesByReference(ctx context.Context, prefix string) ([]*JournalEntry, error) {
	q := storage.Querier(ctx, p.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, type, amount, balance_before, balance_after, status, reference, counterparty_id, metadata, created_at
		FROM journal_entries
		WHERE reference LIKE $1 || '%'
		ORDER BY created_at ASC
	`, likePrefix.Replace(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]*JournalEntry, error) {
	q := storage.Querier(ctx, p.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, type, amount, balance_before, balance_after, status, reference, counterparty_id, metadata, created_at
		FROM journal_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*JournalEntry, error) {
	var entries []*JournalEntry
	for rows.Next() {
		je := &JournalEntry{}
		var counterparty sql.NullString
		var meta []byte
		if err := rows.Scan(&je.ID, &je.AccountID, &je.Type, &je.Amount, &je.BalanceBefore,
			&je.BalanceAfter, &je.Status, &je.Reference, &counterparty, &meta, &je.CreatedAt); err != nil {
			return nil, err
		}
		je.CounterpartyID = counterparty.String
		if len(meta) > 0 {
			je.Metadata = &Metadata{}
			if err := json.Unmarshal(meta, je.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		entries = append(entries, je)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) SumBalances(ctx context.Context) (string, string, error) {
	q := storage.Querier(ctx, p.db)
	var balance, locked string
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0), COALESCE(SUM(locked_balance), 0) FROM wallet_accounts
	`).Scan(&balance, &locked)
	return balance, locked, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
