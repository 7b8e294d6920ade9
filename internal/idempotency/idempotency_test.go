package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testService(ttl time.Duration) *Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(NewMemoryStore(), ttl, logger)
}

func TestIssueAndRedeem(t *testing.T) {
	svc := testService(5 * time.Minute)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user_1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if tok.Value == "" || tok.UserID != "user_1" {
		t.Fatalf("token = %+v", tok)
	}

	if err := svc.Redeem(ctx, "user_1", tok.Value); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	// Spent tokens are gone.
	if err := svc.Redeem(ctx, "user_1", tok.Value); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("second Redeem = %v, want ErrTokenInvalid", err)
	}
}

func TestRedeem_WrongOwnerBurnsToken(t *testing.T) {
	svc := testService(5 * time.Minute)
	ctx := context.Background()

	tok, _ := svc.Issue(ctx, "user_1")
	if err := svc.Redeem(ctx, "user_2", tok.Value); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("wrong-owner Redeem = %v, want ErrTokenInvalid", err)
	}
	// The failed attempt consumed the token; the owner cannot use it either.
	if err := svc.Redeem(ctx, "user_1", tok.Value); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("owner Redeem after burn = %v, want ErrTokenInvalid", err)
	}
}

func TestRedeem_Expired(t *testing.T) {
	svc := testService(-time.Second) // already expired at issue
	ctx := context.Background()

	tok, _ := svc.Issue(ctx, "user_1")
	if err := svc.Redeem(ctx, "user_1", tok.Value); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expired Redeem = %v, want ErrTokenInvalid", err)
	}
}

func TestRedeem_Garbage(t *testing.T) {
	svc := testService(5 * time.Minute)
	ctx := context.Background()

	for _, v := range []string{"", "tok_nonexistent"} {
		if err := svc.Redeem(ctx, "user_1", v); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Redeem(%q) = %v, want ErrTokenInvalid", v, err)
		}
	}
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	svc := testService(5 * time.Minute)
	ctx := context.Background()
	tok, _ := svc.Issue(ctx, "user_1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Redeem(ctx, "user_1", tok.Value); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("%d redemptions won, want exactly 1", won)
	}
}

func TestPurgeExpired(t *testing.T) {
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := New(store, time.Minute, logger)
	ctx := context.Background()

	live, _ := svc.Issue(ctx, "user_1")
	store.Insert(ctx, &Token{Value: "tok_dead", UserID: "user_1", ExpiresAt: time.Now().Add(-time.Hour)})

	if err := svc.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if _, err := store.Take(ctx, "tok_dead"); !errors.Is(err, ErrTokenInvalid) {
		t.Error("expired token survived the purge")
	}
	if _, err := store.Take(ctx, live.Value); err != nil {
		t.Error("live token was purged")
	}
}
