package ads

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
)

// mockWallet records lock/unlock calls.
type mockWallet struct {
	mu       sync.Mutex
	locked   map[string]string // userID -> last locked amount
	unlocked map[string]string
	lockErr  error
}

func newMockWallet() *mockWallet {
	return &mockWallet{locked: make(map[string]string), unlocked: make(map[string]string)}
}

func (m *mockWallet) LockForUser(ctx context.Context, userID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return m.lockErr
	}
	m.locked[userID] = amount
	return nil
}

func (m *mockWallet) UnlockForUser(ctx context.Context, userID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked[userID] = amount
	return nil
}

type staticOrderCounter struct{ open int }

func (s staticOrderCounter) CountOpenByAd(ctx context.Context, adID string) (int, error) {
	return s.open, nil
}

func testService(wallet Wallet) *Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(NewMemoryStore(), wallet, logger)
}

func buyAdRequest() CreateRequest {
	return CreateRequest{
		MakerID:         "user_maker",
		Side:            SideBuyFX,
		Currency:        "USD",
		Price:           "1500.00",
		TotalAmount:     "100.00",
		MinLimit:        "10.00",
		MaxLimit:        "50.00",
		PaymentMethodID: "pm_1",
	}
}

func TestNotional(t *testing.T) {
	ad := &Ad{Price: "1500.00"}
	if got := ad.Notional("60.00"); got != "90000.00" {
		t.Errorf("Notional(60.00) = %q, want 90000.00", got)
	}
	if got := ad.Notional("0.50"); got != "750.00" {
		t.Errorf("Notional(0.50) = %q, want 750.00", got)
	}
}

func TestCreate_BuyFXLocksNotional(t *testing.T) {
	wallet := newMockWallet()
	svc := testService(wallet)

	ad, err := svc.Create(context.Background(), buyAdRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ad.Status != StatusActive || ad.Version != 1 {
		t.Errorf("new ad status/version = %s/%d, want active/1", ad.Status, ad.Version)
	}
	if ad.Remaining != "100.00" {
		t.Errorf("remaining = %s, want 100.00", ad.Remaining)
	}
	// 100 USD at 1500.00 NGN.
	if got := wallet.locked["user_maker"]; got != "150000.00" {
		t.Errorf("maker lock = %s, want 150000.00", got)
	}
}

func TestCreate_SellFXLocksNothing(t *testing.T) {
	wallet := newMockWallet()
	svc := testService(wallet)

	req := buyAdRequest()
	req.Side = SideSellFX
	req.PaymentMethodID = ""
	if _, err := svc.Create(context.Background(), req); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(wallet.locked) != 0 {
		t.Errorf("sell_fx create locked funds: %v", wallet.locked)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := testService(newMockWallet())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"bad side", func(r *CreateRequest) { r.Side = "long_fx" }},
		{"no currency", func(r *CreateRequest) { r.Currency = "" }},
		{"zero price", func(r *CreateRequest) { r.Price = "0.00" }},
		{"negative total", func(r *CreateRequest) { r.TotalAmount = "-5.00" }},
		{"min over max", func(r *CreateRequest) { r.MinLimit = "60.00" }},
		{"max over total", func(r *CreateRequest) { r.MaxLimit = "200.00" }},
		{"buy_fx without payment method", func(r *CreateRequest) { r.PaymentMethodID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := buyAdRequest()
			tc.mutate(&req)
			if _, err := svc.Create(ctx, req); !errors.Is(err, ErrValidation) {
				t.Errorf("Create = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreate_LockFailureBlocksAd(t *testing.T) {
	wallet := newMockWallet()
	wallet.lockErr = errors.New("insufficient available balance")
	svc := testService(wallet)

	if _, err := svc.Create(context.Background(), buyAdRequest()); err == nil {
		t.Fatal("Create should fail when the maker lock fails")
	}
	adsList, _ := svc.List(context.Background(), Filter{})
	if len(adsList) != 0 {
		t.Errorf("ad was published despite failed lock")
	}
}

func TestReserve_CAS(t *testing.T) {
	svc := testService(newMockWallet())
	ctx := context.Background()

	ad, err := svc.Create(ctx, buyAdRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.Reserve(ctx, ad.ID, "40.00", ad.Version); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	// Stale version loses.
	if err := svc.Reserve(ctx, ad.ID, "10.00", ad.Version); !errors.Is(err, ErrConflict) {
		t.Errorf("stale reserve = %v, want ErrConflict", err)
	}

	got, _ := svc.Get(ctx, ad.ID)
	if got.Remaining != "60.00" || got.Version != ad.Version+1 {
		t.Errorf("after reserve: remaining=%s version=%d, want 60.00/%d", got.Remaining, got.Version, ad.Version+1)
	}

	// More than remaining loses even with the right version.
	if err := svc.Reserve(ctx, ad.ID, "60.01", got.Version); !errors.Is(err, ErrConflict) {
		t.Errorf("oversized reserve = %v, want ErrConflict", err)
	}
}

func TestReserve_ConcurrentTakersOneWins(t *testing.T) {
	svc := testService(newMockWallet())
	ctx := context.Background()

	ad, err := svc.Create(ctx, buyAdRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// All takers read version 1; only one reservation may succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Reserve(ctx, ad.ID, "50.00", 1); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("%d reservations won, want exactly 1", won)
	}
	got, _ := svc.Get(ctx, ad.ID)
	if got.Remaining != "50.00" {
		t.Errorf("remaining = %s, want 50.00", got.Remaining)
	}
}

func TestRestock(t *testing.T) {
	svc := testService(newMockWallet())
	ctx := context.Background()

	ad, _ := svc.Create(ctx, buyAdRequest())
	if err := svc.Reserve(ctx, ad.ID, "30.00", ad.Version); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := svc.Restock(ctx, ad.ID, "30.00"); err != nil {
		t.Fatalf("Restock failed: %v", err)
	}
	got, _ := svc.Get(ctx, ad.ID)
	if got.Remaining != "100.00" {
		t.Errorf("remaining after restock = %s, want 100.00", got.Remaining)
	}
}

func TestClose(t *testing.T) {
	wallet := newMockWallet()
	svc := testService(wallet)
	ctx := context.Background()

	ad, _ := svc.Create(ctx, buyAdRequest())
	if err := svc.Reserve(ctx, ad.ID, "40.00", ad.Version); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// Open orders block the close.
	svc.WithOpenOrderCounter(staticOrderCounter{open: 2})
	if err := svc.Close(ctx, "user_maker", ad.ID); !errors.Is(err, ErrOpenOrders) {
		t.Fatalf("Close with open orders = %v, want ErrOpenOrders", err)
	}

	svc.WithOpenOrderCounter(staticOrderCounter{open: 0})
	if err := svc.Close(ctx, "user_other", ad.ID); !errors.Is(err, ErrNotMaker) {
		t.Fatalf("Close by stranger = %v, want ErrNotMaker", err)
	}
	if err := svc.Close(ctx, "user_maker", ad.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// 60 USD remaining at 1500.00 released back to the maker.
	if got := wallet.unlocked["user_maker"]; got != "90000.00" {
		t.Errorf("released lock = %s, want 90000.00", got)
	}

	got, _ := svc.Get(ctx, ad.ID)
	if got.Status != StatusClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}
	// Closing again is a no-op.
	if err := svc.Close(ctx, "user_maker", ad.ID); err != nil {
		t.Errorf("repeated Close = %v, want nil", err)
	}
}

func TestSetStatus(t *testing.T) {
	svc := testService(newMockWallet())
	ctx := context.Background()

	ad, _ := svc.Create(ctx, buyAdRequest())
	if err := svc.SetStatus(ctx, "user_maker", ad.ID, StatusPaused); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	// Paused ads cannot be reserved.
	got, _ := svc.Get(ctx, ad.ID)
	if err := svc.Reserve(ctx, ad.ID, "10.00", got.Version); !errors.Is(err, ErrConflict) {
		t.Errorf("reserve on paused ad = %v, want ErrConflict", err)
	}

	if err := svc.SetStatus(ctx, "user_maker", ad.ID, StatusClosed); !errors.Is(err, ErrValidation) {
		t.Errorf("SetStatus(closed) = %v, want ErrValidation", err)
	}
}
