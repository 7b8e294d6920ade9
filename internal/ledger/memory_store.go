package ledger

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kudipeer/kudipeer/internal/idgen"
	"github.com/kudipeer/kudipeer/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// All mutations happen under one mutex, which is what makes multi-entry
// Apply and Settle atomic here.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	journal  []*JournalEntry
	refs     map[string]*JournalEntry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		refs:     make(map[string]*JournalEntry),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	// One wallet per user, same as the user_id UNIQUE constraint in
	// the Postgres store.
	for _, existing := range m.accounts {
		if existing.UserID == acct.UserID {
			return ErrAccountExists
		}
	}
	cp := *acct
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) AccountByUser(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acct := range m.accounts {
		if acct.UserID == userID {
			cp := *acct
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) Apply(ctx context.Context, entries []Entry) ([]*JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Dry-run against working balances first so a failing entry leaves
	// nothing applied.
	working := make(map[string]*big.Int)
	locked := make(map[string]*big.Int)
	for _, e := range entries {
		if _, ok := m.refs[e.Reference]; ok {
			return nil, ErrDuplicateReference
		}
		acct, ok := m.accounts[e.AccountID]
		if !ok {
			return nil, ErrAccountNotFound
		}
		if _, ok := working[e.AccountID]; !ok {
			bal, _ := money.Parse(acct.Balance)
			lck, _ := money.Parse(acct.LockedBalance)
			working[e.AccountID] = bal
			locked[e.AccountID] = lck
		}
		amt, ok := money.ParseSigned(e.Amount)
		if !ok {
			return nil, ErrInvalidAmount
		}
		next := new(big.Int).Add(working[e.AccountID], amt)
		if amt.Sign() < 0 {
			avail := new(big.Int).Sub(next, locked[e.AccountID])
			if avail.Sign() < 0 {
				return nil, ErrInsufficientFunds
			}
		}
		working[e.AccountID] = next
	}

	// Commit: replay with before/after snapshots.
	now := time.Now()
	var out []*JournalEntry
	for _, e := range entries {
		acct := m.accounts[e.AccountID]
		before := acct.Balance
		amt, _ := money.ParseSigned(e.Amount)
		bal, _ := money.Parse(acct.Balance)
		acct.Balance = money.Format(new(big.Int).Add(bal, amt))
		acct.UpdatedAt = now

		je := &JournalEntry{
			ID:             idgen.WithPrefix("txn_"),
			AccountID:      e.AccountID,
			Type:           e.Type,
			Amount:         money.Format(amt),
			BalanceBefore:  before,
			BalanceAfter:   acct.Balance,
			Status:         "completed",
			Reference:      e.Reference,
			CounterpartyID: e.CounterpartyID,
			Metadata:       e.Metadata,
			CreatedAt:      now,
		}
		m.journal = append(m.journal, je)
		m.refs[je.Reference] = je
		out = append(out, copyEntry(je))
	}
	return out, nil
}

func (m *MemoryStore) Lock(ctx context.Context, accountID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if money.Cmp(money.Sub(acct.Balance, acct.LockedBalance), amount) < 0 {
		return ErrInsufficientFunds
	}
	acct.LockedBalance = money.Add(acct.LockedBalance, amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Unlock(ctx context.Context, accountID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if money.Cmp(acct.LockedBalance, amount) < 0 {
		return ErrInternalConsistency
	}
	acct.LockedBalance = money.Sub(acct.LockedBalance, amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, p SettleParams) ([]*JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent: a settled reference group returns the original entries.
	if _, ok := m.refs[p.PayerRef()]; ok {
		return m.entriesByPrefixLocked(p.Reference + ":"), nil
	}

	payer, ok := m.accounts[p.PayerID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	receiver, ok := m.accounts[p.ReceiverID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	revenue, ok := m.accounts[p.RevenueID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	// The settlement consumes the payer's reservation; if the lock does
	// not cover the total, order accounting is corrupt.
	if money.Cmp(payer.LockedBalance, p.Total) < 0 {
		return nil, ErrInternalConsistency
	}

	receiveAmount := money.Sub(p.Total, p.Fee)
	now := time.Now()
	meta := &TransferMetadata{OrderID: p.OrderID, Actor: p.Actor}

	payerBefore := payer.Balance
	payer.Balance = money.Sub(payer.Balance, p.Total)
	payer.LockedBalance = money.Sub(payer.LockedBalance, p.Total)
	payer.UpdatedAt = now

	receiverBefore := receiver.Balance
	receiver.Balance = money.Add(receiver.Balance, receiveAmount)
	receiver.UpdatedAt = now

	revenueBefore := revenue.Balance
	revenue.Balance = money.Add(revenue.Balance, p.Fee)
	revenue.UpdatedAt = now

	group := []*JournalEntry{
		{
			ID: idgen.WithPrefix("txn_"), AccountID: p.PayerID, Type: TypeTransfer,
			Amount: money.Neg(p.Total), BalanceBefore: payerBefore, BalanceAfter: payer.Balance,
			Status: "completed", Reference: p.PayerRef(), CounterpartyID: p.ReceiverID,
			Metadata: &Metadata{Transfer: meta}, CreatedAt: now,
		},
		{
			ID: idgen.WithPrefix("txn_"), AccountID: p.ReceiverID, Type: TypeTransfer,
			Amount: receiveAmount, BalanceBefore: receiverBefore, BalanceAfter: receiver.Balance,
			Status: "completed", Reference: p.ReceiverRef(), CounterpartyID: p.PayerID,
			Metadata: &Metadata{Transfer: meta}, CreatedAt: now,
		},
		{
			ID: idgen.WithPrefix("txn_"), AccountID: p.RevenueID, Type: TypeFee,
			Amount: p.Fee, BalanceBefore: revenueBefore, BalanceAfter: revenue.Balance,
			Status: "completed", Reference: p.FeeRef(), CounterpartyID: p.PayerID,
			Metadata: &Metadata{Fee: &FeeMetadata{AppliesTo: p.ReceiverRef()}}, CreatedAt: now,
		},
	}

	var out []*JournalEntry
	for _, je := range group {
		m.journal = append(m.journal, je)
		m.refs[je.Reference] = je
		out = append(out, copyEntry(je))
	}
	return out, nil
}

func (m *MemoryStore) HasReference(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.refs[reference]
	return ok, nil
}

func (m *MemoryStore) EntriesByReference(ctx context.Context, prefix string) ([]*JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByPrefixLocked(prefix), nil
}

func (m *MemoryStore) entriesByPrefixLocked(prefix string) []*JournalEntry {
	var out []*JournalEntry
	for _, je := range m.journal {
		if strings.HasPrefix(je.Reference, prefix) {
			out = append(out, copyEntry(je))
		}
	}
	return out
}

func (m *MemoryStore) History(ctx context.Context, accountID string, limit int) ([]*JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*JournalEntry
	for i := len(m.journal) - 1; i >= 0 && len(out) < limit; i-- {
		if m.journal[i].AccountID == accountID {
			out = append(out, copyEntry(m.journal[i]))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SumBalances(ctx context.Context) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	balance := big.NewInt(0)
	locked := big.NewInt(0)
	for _, acct := range m.accounts {
		b, _ := money.Parse(acct.Balance)
		l, _ := money.Parse(acct.LockedBalance)
		balance.Add(balance, b)
		locked.Add(locked, l)
	}
	return money.Format(balance), money.Format(locked), nil
}

func copyEntry(je *JournalEntry) *JournalEntry {
	cp := *je
	return &cp
}
