package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
)

func testService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(store, logger), store
}

func mustAccount(t *testing.T, svc *Service, id, userID string) *Account {
	t.Helper()
	acct, err := svc.CreateAccount(context.Background(), id, userID)
	if err != nil {
		t.Fatalf("CreateAccount(%s) failed: %v", id, err)
	}
	return acct
}

func deposit(t *testing.T, svc *Service, accountID, amount, ref string) {
	t.Helper()
	_, err := svc.Apply(context.Background(), []Entry{{
		AccountID: accountID,
		Amount:    amount,
		Type:      TypeDeposit,
		Reference: ref,
		Metadata:  &Metadata{Deposit: &DepositMetadata{ExternalReference: ref}},
	}})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func TestCreateAccount(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	acct := mustAccount(t, svc, "acct_1", "user_1")
	if acct.Balance != "0.00" || acct.LockedBalance != "0.00" {
		t.Errorf("new account balances = %s/%s, want 0.00/0.00", acct.Balance, acct.LockedBalance)
	}
	if !acct.Active {
		t.Error("new account should be active")
	}

	if _, err := svc.CreateAccount(ctx, "acct_1", "user_1"); !errors.Is(err, ErrAccountExists) {
		t.Errorf("duplicate create = %v, want ErrAccountExists", err)
	}
	// Same user under a fresh account ID is still a duplicate: one
	// wallet per user.
	if _, err := svc.CreateAccount(ctx, "acct_2", "user_1"); !errors.Is(err, ErrAccountExists) {
		t.Errorf("second wallet for user = %v, want ErrAccountExists", err)
	}
}

func TestApply_DepositAndWithdrawal(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")

	deposit(t, svc, "acct_1", "500.00", "dep_1")

	entries, err := svc.Apply(ctx, []Entry{{
		AccountID: "acct_1", Amount: "-120.50", Type: TypeWithdrawal, Reference: "wd_1",
	}})
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if entries[0].BalanceBefore != "500.00" || entries[0].BalanceAfter != "379.50" {
		t.Errorf("snapshots = %s -> %s, want 500.00 -> 379.50", entries[0].BalanceBefore, entries[0].BalanceAfter)
	}

	acct, err := svc.GetAccount(ctx, "acct_1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != "379.50" {
		t.Errorf("balance = %s, want 379.50", acct.Balance)
	}
}

func TestApply_InsufficientFundsLeavesNoTrace(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")
	mustAccount(t, svc, "acct_2", "user_2")
	deposit(t, svc, "acct_1", "100.00", "dep_1")

	// Second leg overdrafts; the first leg must not survive.
	_, err := svc.Apply(ctx, []Entry{
		{AccountID: "acct_2", Amount: "50.00", Type: TypeTransfer, Reference: "tr_1:receiver"},
		{AccountID: "acct_1", Amount: "-500.00", Type: TypeTransfer, Reference: "tr_1:payer"},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft batch = %v, want ErrInsufficientFunds", err)
	}

	a1, _ := svc.GetAccount(ctx, "acct_1")
	a2, _ := svc.GetAccount(ctx, "acct_2")
	if a1.Balance != "100.00" || a2.Balance != "0.00" {
		t.Errorf("balances after failed batch = %s/%s, want 100.00/0.00", a1.Balance, a2.Balance)
	}
	if ok, _ := svc.HasReference(ctx, "tr_1:receiver"); ok {
		t.Error("failed batch must not journal any entry")
	}
}

func TestApply_Validation(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")

	cases := []struct {
		name    string
		entries []Entry
		want    error
	}{
		{"empty batch", nil, ErrInvalidAmount},
		{"zero amount", []Entry{{AccountID: "acct_1", Amount: "0.00", Type: TypeDeposit, Reference: "r1"}}, ErrInvalidAmount},
		{"garbage amount", []Entry{{AccountID: "acct_1", Amount: "abc", Type: TypeDeposit, Reference: "r1"}}, ErrInvalidAmount},
		{"missing reference", []Entry{{AccountID: "acct_1", Amount: "1.00", Type: TypeDeposit}}, ErrDuplicateReference},
		{"repeated reference in batch", []Entry{
			{AccountID: "acct_1", Amount: "1.00", Type: TypeDeposit, Reference: "r1"},
			{AccountID: "acct_1", Amount: "1.00", Type: TypeDeposit, Reference: "r1"},
		}, ErrDuplicateReference},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Apply(ctx, tc.entries); !errors.Is(err, tc.want) {
				t.Errorf("Apply = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestApply_DuplicateReferenceAcrossBatches(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")
	deposit(t, svc, "acct_1", "100.00", "dep_1")

	_, err := svc.Apply(ctx, []Entry{{AccountID: "acct_1", Amount: "5.00", Type: TypeDeposit, Reference: "dep_1"}})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("reused reference = %v, want ErrDuplicateReference", err)
	}
	acct, _ := svc.GetAccount(ctx, "acct_1")
	if acct.Balance != "100.00" {
		t.Errorf("balance after rejected duplicate = %s, want 100.00", acct.Balance)
	}
}

func TestLockUnlock(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")
	deposit(t, svc, "acct_1", "100.00", "dep_1")

	if err := svc.Lock(ctx, "acct_1", "60.00"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	acct, _ := svc.GetAccount(ctx, "acct_1")
	if acct.Available() != "40.00" {
		t.Errorf("available = %s, want 40.00", acct.Available())
	}

	// Only 40 available now.
	if err := svc.Lock(ctx, "acct_1", "40.01"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("over-lock = %v, want ErrInsufficientFunds", err)
	}

	if err := svc.Unlock(ctx, "acct_1", "60.00"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	acct, _ = svc.GetAccount(ctx, "acct_1")
	if acct.Available() != "100.00" {
		t.Errorf("available after unlock = %s, want 100.00", acct.Available())
	}
}

func TestUnlock_BelowZeroIsConsistencyViolation(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")
	deposit(t, svc, "acct_1", "100.00", "dep_1")

	if err := svc.Lock(ctx, "acct_1", "10.00"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := svc.Unlock(ctx, "acct_1", "10.01"); !errors.Is(err, ErrInternalConsistency) {
		t.Errorf("over-unlock = %v, want ErrInternalConsistency", err)
	}
}

func TestLock_InvalidAmount(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")

	for _, amount := range []string{"0.00", "-1.00", ""} {
		if err := svc.Lock(ctx, "acct_1", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Lock(%q) = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestSettle(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_payer", "user_1")
	mustAccount(t, svc, "acct_recv", "user_2")
	mustAccount(t, svc, "acct_rev", "platform")
	deposit(t, svc, "acct_payer", "100000.00", "dep_1")

	if err := svc.Lock(ctx, "acct_payer", "60000.00"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	entries, err := svc.Settle(ctx, SettleParams{
		PayerID:    "acct_payer",
		ReceiverID: "acct_recv",
		RevenueID:  "acct_rev",
		Total:      "60000.00",
		Fee:        "300.00",
		Reference:  "ord_abc:settle",
		Actor:      "user_2",
		OrderID:    "ord_abc",
	})
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("settlement wrote %d entries, want 3", len(entries))
	}

	payer, _ := svc.GetAccount(ctx, "acct_payer")
	recv, _ := svc.GetAccount(ctx, "acct_recv")
	rev, _ := svc.GetAccount(ctx, "acct_rev")
	if payer.Balance != "40000.00" || payer.LockedBalance != "0.00" {
		t.Errorf("payer = %s locked %s, want 40000.00 locked 0.00", payer.Balance, payer.LockedBalance)
	}
	if recv.Balance != "59700.00" {
		t.Errorf("receiver = %s, want 59700.00", recv.Balance)
	}
	if rev.Balance != "300.00" {
		t.Errorf("revenue = %s, want 300.00", rev.Balance)
	}

	// The three legs net to zero platform-wide.
	balance, locked, err := svc.SumBalances(ctx)
	if err != nil {
		t.Fatalf("SumBalances failed: %v", err)
	}
	if balance != "100000.00" || locked != "0.00" {
		t.Errorf("platform totals = %s/%s, want 100000.00/0.00", balance, locked)
	}

	// Fee entry points at the receiver leg.
	var fee *JournalEntry
	for _, e := range entries {
		if e.Type == TypeFee {
			fee = e
		}
	}
	if fee == nil || fee.Metadata == nil || fee.Metadata.Fee == nil {
		t.Fatal("settlement group is missing the fee entry metadata")
	}
	if fee.Metadata.Fee.AppliesTo != "ord_abc:settle:receiver" {
		t.Errorf("fee appliesTo = %s, want ord_abc:settle:receiver", fee.Metadata.Fee.AppliesTo)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_payer", "user_1")
	mustAccount(t, svc, "acct_recv", "user_2")
	mustAccount(t, svc, "acct_rev", "platform")
	deposit(t, svc, "acct_payer", "1000.00", "dep_1")

	p := SettleParams{
		PayerID: "acct_payer", ReceiverID: "acct_recv", RevenueID: "acct_rev",
		Total: "500.00", Fee: "2.50", Reference: "ord_1:settle",
	}
	if err := svc.Lock(ctx, "acct_payer", "500.00"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	first, err := svc.Settle(ctx, p)
	if err != nil {
		t.Fatalf("first Settle failed: %v", err)
	}

	// A redelivered settlement job must not move money again.
	second, err := svc.Settle(ctx, p)
	if err != nil {
		t.Fatalf("second Settle failed: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("replay returned %d entries, want %d", len(second), len(first))
	}
	recv, _ := svc.GetAccount(ctx, "acct_recv")
	if recv.Balance != "497.50" {
		t.Errorf("receiver after replay = %s, want 497.50", recv.Balance)
	}
}

func TestSettle_WithoutCoveringLock(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_payer", "user_1")
	mustAccount(t, svc, "acct_recv", "user_2")
	mustAccount(t, svc, "acct_rev", "platform")
	deposit(t, svc, "acct_payer", "1000.00", "dep_1")

	_, err := svc.Settle(ctx, SettleParams{
		PayerID: "acct_payer", ReceiverID: "acct_recv", RevenueID: "acct_rev",
		Total: "500.00", Fee: "2.50", Reference: "ord_1:settle",
	})
	if !errors.Is(err, ErrInternalConsistency) {
		t.Errorf("settle without lock = %v, want ErrInternalConsistency", err)
	}
}

func TestSettle_FeeValidation(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	cases := []struct{ total, fee string }{
		{"100.00", "-1.00"},
		{"100.00", "100.00"},
		{"100.00", "150.00"},
		{"0.00", "0.00"},
	}
	for _, tc := range cases {
		_, err := svc.Settle(ctx, SettleParams{Total: tc.total, Fee: tc.fee, Reference: "r"})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Settle(total=%s fee=%s) = %v, want ErrInvalidAmount", tc.total, tc.fee, err)
		}
	}
}

func TestHistory(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")
	for i := 0; i < 5; i++ {
		deposit(t, svc, "acct_1", "10.00", fmt.Sprintf("dep_%d", i))
	}

	entries, err := svc.History(ctx, "acct_1", 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("History returned %d entries, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Reference != "dep_4" {
		t.Errorf("first entry = %s, want dep_4", entries[0].Reference)
	}
}

func TestConcurrentLocks(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()
	mustAccount(t, svc, "acct_1", "user_1")
	deposit(t, svc, "acct_1", "100.00", "dep_1")

	// 100.00 available, 20 goroutines each try to lock 10.00: exactly 10 win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Lock(ctx, "acct_1", "10.00"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 10 {
		t.Errorf("%d locks succeeded, want exactly 10", won)
	}
	acct, _ := svc.GetAccount(ctx, "acct_1")
	if acct.LockedBalance != "100.00" {
		t.Errorf("locked = %s, want 100.00", acct.LockedBalance)
	}
}

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (c *captureNotifier) Notify(userID, event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func TestApply_NotifiesBalanceChange(t *testing.T) {
	svc, _ := testService()
	n := &captureNotifier{}
	svc.WithNotifier(n)
	mustAccount(t, svc, "acct_1", "user_1")

	deposit(t, svc, "acct_1", "25.00", "dep_1")

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) != 1 || n.events[0] != "balance.changed" {
		t.Errorf("events = %v, want one balance.changed", n.events)
	}
}
