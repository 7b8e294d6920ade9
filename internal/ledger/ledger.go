// Package ledger owns wallet balances and the immutable transaction journal.
//
// Money only moves here. Every movement is a signed journal entry with
// before/after balance snapshots, applied atomically with the balance
// update. The escrow lock operations move funds between available and
// locked without changing the total, so a wallet always satisfies
// balance >= lockedBalance >= 0.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kudipeer/kudipeer/internal/metrics"
	"github.com/kudipeer/kudipeer/internal/money"
	"github.com/kudipeer/kudipeer/internal/storage"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient available balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateReference  = errors.New("journal reference already used")
	ErrInternalConsistency = errors.New("ledger internal consistency violation")
)

// EntryType classifies a journal entry.
type EntryType string

const (
	TypeDeposit    EntryType = "deposit"
	TypeWithdrawal EntryType = "withdrawal"
	TypeTransfer   EntryType = "transfer"
	TypeFee        EntryType = "fee"
)

// Account is a user's custodial NGN wallet. LockedBalance is the portion
// of Balance reserved against open trade obligations.
type Account struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Balance       string    `json:"balance"`
	LockedBalance string    `json:"lockedBalance"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Available returns balance minus locked balance as a decimal string.
func (a *Account) Available() string {
	return money.Sub(a.Balance, a.LockedBalance)
}

// Metadata is a tagged union of known per-type metadata shapes. Exactly
// one typed field should be set, matching the entry type; Extra carries
// genuinely provider-specific fields only.
type Metadata struct {
	Deposit    *DepositMetadata    `json:"deposit,omitempty"`
	Withdrawal *WithdrawalMetadata `json:"withdrawal,omitempty"`
	Transfer   *TransferMetadata   `json:"transfer,omitempty"`
	Fee        *FeeMetadata        `json:"fee,omitempty"`
	Extra      map[string]string   `json:"extra,omitempty"`
}

// DepositMetadata describes an externally-sourced credit.
type DepositMetadata struct {
	ExternalReference string `json:"externalReference"`
	BankName          string `json:"bankName,omitempty"`
	SenderName        string `json:"senderName,omitempty"`
}

// WithdrawalMetadata describes a payout to an external bank account.
type WithdrawalMetadata struct {
	BankName      string `json:"bankName"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
	PayoutID      string `json:"payoutId,omitempty"`
}

// TransferMetadata describes a wallet-to-wallet movement.
type TransferMetadata struct {
	OrderID string `json:"orderId,omitempty"`
	Actor   string `json:"actor,omitempty"` // user id, or admin id for forced settlement
	Note    string `json:"note,omitempty"`
}

// FeeMetadata links a fee entry to its principal entry.
type FeeMetadata struct {
	AppliesTo string `json:"appliesTo"` // reference of the principal entry
}

// Entry is one requested money movement. Amount is signed: positive
// credits the account, negative debits it.
type Entry struct {
	AccountID      string
	Amount         string
	Type           EntryType
	Reference      string // globally unique; a reused reference is a caller bug
	CounterpartyID string
	Metadata       *Metadata
}

// JournalEntry is the immutable persisted record of one applied movement.
type JournalEntry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	Type           EntryType `json:"type"`
	Amount         string    `json:"amount"`
	BalanceBefore  string    `json:"balanceBefore"`
	BalanceAfter   string    `json:"balanceAfter"`
	Status         string    `json:"status"`
	Reference      string    `json:"reference"`
	CounterpartyID string    `json:"counterpartyId,omitempty"`
	Metadata       *Metadata `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SettleParams describes one trade settlement: the payer's lock is
// consumed, the receiver is credited total minus fee, and the platform
// revenue account collects the fee. Reference is the settlement group
// key; the three entries use Reference + ":payer"/":receiver"/":fee".
type SettleParams struct {
	PayerID    string
	ReceiverID string
	RevenueID  string
	Total      string
	Fee        string
	Reference  string
	Actor      string // who initiated: the releasing user or an admin
	OrderID    string
}

// PayerRef/ReceiverRef/FeeRef derive the per-entry references of a
// settlement group.
func (p SettleParams) PayerRef() string    { return p.Reference + ":payer" }
func (p SettleParams) ReceiverRef() string { return p.Reference + ":receiver" }
func (p SettleParams) FeeRef() string      { return p.Reference + ":fee" }

// Store persists accounts and the journal. Every mutating method is
// atomic: it either fully applies or leaves no trace.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	AccountByUser(ctx context.Context, userID string) (*Account, error)

	// Apply executes all entries in order inside one unit of work.
	Apply(ctx context.Context, entries []Entry) ([]*JournalEntry, error)

	// Lock and Unlock move funds between available and locked.
	Lock(ctx context.Context, accountID, amount string) error
	Unlock(ctx context.Context, accountID, amount string) error

	// Settle consumes a lock and distributes total across receiver and
	// revenue. Re-settling an existing reference group is a no-op that
	// returns the original entries.
	Settle(ctx context.Context, p SettleParams) ([]*JournalEntry, error)

	HasReference(ctx context.Context, reference string) (bool, error)
	EntriesByReference(ctx context.Context, prefix string) ([]*JournalEntry, error)
	History(ctx context.Context, accountID string, limit int) ([]*JournalEntry, error)

	// SumBalances returns platform-wide totals for reconciliation.
	SumBalances(ctx context.Context) (balance, locked string, err error)
}

// Notifier delivers best-effort balance events to a user's connected
// sessions. Failures are logged, never propagated.
type Notifier interface {
	Notify(userID, event string, payload any)
}

const balanceCacheTTL = 5 * time.Second

type cachedAccount struct {
	acct    *Account
	expires time.Time
}

// Service validates movements, delegates atomic application to the store,
// and runs post-commit effects (cache invalidation, balance notifications).
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedAccount
}

// New creates a ledger service.
func New(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		cache:  make(map[string]cachedAccount),
	}
}

// WithNotifier attaches a best-effort balance notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateAccount opens a wallet with a zero balance.
func (s *Service) CreateAccount(ctx context.Context, id, userID string) (*Account, error) {
	now := time.Now()
	acct := &Account{
		ID:            id,
		UserID:        userID,
		Balance:       "0.00",
		LockedBalance: "0.00",
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount returns a wallet, served from a short-lived read cache.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	if c, ok := s.cache[id]; ok && time.Now().Before(c.expires) {
		cp := *c.acct
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[id] = cachedAccount{acct: acct, expires: time.Now().Add(balanceCacheTTL)}
	s.mu.Unlock()
	cp := *acct
	return &cp, nil
}

// AccountByUser returns the user's wallet. Each user has exactly one.
func (s *Service) AccountByUser(ctx context.Context, userID string) (*Account, error) {
	return s.store.AccountByUser(ctx, userID)
}

// Apply validates and applies a batch of entries as one atomic unit.
// The entries may be multiple legs of a single business transaction
// (principal + fee + counterparty credit); summing a reference group
// reconciles to the business effect.
func (s *Service) Apply(ctx context.Context, entries []Entry) ([]*JournalEntry, error) {
	if len(entries) == 0 {
		return nil, ErrInvalidAmount
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		v, ok := money.ParseSigned(e.Amount)
		if !ok || v.Sign() == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, e.Amount)
		}
		if e.Reference == "" || seen[e.Reference] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateReference, e.Reference)
		}
		seen[e.Reference] = true
	}

	journal, err := s.store.Apply(ctx, entries)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, journal)
	return journal, nil
}

// Lock reserves amount of the account's available balance.
func (s *Service) Lock(ctx context.Context, accountID, amount string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	if err := s.store.Lock(ctx, accountID, amount); err != nil {
		return err
	}
	s.invalidate(accountID)
	return nil
}

// Unlock releases a previously locked amount back to available.
// Unlocking more than is locked means a caller accounting bug; it is
// surfaced as ErrInternalConsistency and logged at the highest severity.
func (s *Service) Unlock(ctx context.Context, accountID, amount string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	err := s.store.Unlock(ctx, accountID, amount)
	if errors.Is(err, ErrInternalConsistency) {
		s.logger.Error("ledger unlock below zero, caller accounting is corrupt",
			"accountId", accountID, "amount", amount)
		return err
	}
	if err != nil {
		return err
	}
	s.invalidate(accountID)
	return nil
}

// Settle atomically consumes the payer's lock and distributes the total.
// Safe to call more than once for the same reference group: redelivered
// settlement jobs get the original entries back with no new effect.
func (s *Service) Settle(ctx context.Context, p SettleParams) ([]*JournalEntry, error) {
	if !money.IsPositive(p.Total) {
		return nil, ErrInvalidAmount
	}
	if money.Cmp(p.Fee, "0.00") < 0 || money.Cmp(p.Fee, p.Total) >= 0 {
		return nil, fmt.Errorf("%w: fee %s out of range for total %s", ErrInvalidAmount, p.Fee, p.Total)
	}

	journal, err := s.store.Settle(ctx, p)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, journal)
	return journal, nil
}

// HasReference reports whether any journal entry carries the reference.
// This is the permanent dedup check for externally-sourced credits.
func (s *Service) HasReference(ctx context.Context, reference string) (bool, error) {
	return s.store.HasReference(ctx, reference)
}

// History returns recent journal entries for an account.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, accountID, limit)
}

// SumBalances returns platform-wide balance totals for reconciliation.
func (s *Service) SumBalances(ctx context.Context) (balance, locked string, err error) {
	return s.store.SumBalances(ctx)
}

// afterCommit invalidates cached balances and emits balance events for
// every touched account. Inside an ambient transaction the effects wait
// for the commit; a rollback must not announce balances that never
// existed. Notification failure never surfaces to the caller.
func (s *Service) afterCommit(ctx context.Context, journal []*JournalEntry) {
	storage.OnCommit(ctx, func() {
		touched := make(map[string]bool)
		for _, e := range journal {
			metrics.JournalEntriesTotal.WithLabelValues(string(e.Type)).Inc()
			touched[e.AccountID] = true
		}
		for id := range touched {
			s.invalidate(id)
		}
		if s.notifier == nil {
			return
		}
		for _, e := range journal {
			s.notifier.Notify(e.AccountID, "balance.changed", map[string]any{
				"accountId": e.AccountID,
				"type":      e.Type,
				"amount":    e.Amount,
				"balance":   e.BalanceAfter,
				"reference": e.Reference,
			})
		}
	})
}

func (s *Service) invalidate(accountID string) {
	s.mu.Lock()
	delete(s.cache, accountID)
	s.mu.Unlock()
}
