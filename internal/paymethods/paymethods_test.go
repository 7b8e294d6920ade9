package paymethods

import (
	"context"
	"errors"
	"testing"
)

func validRequest() CreateRequest {
	return CreateRequest{
		OwnerID:       "user_1",
		Label:         "US checking",
		Currency:      "USD",
		BankName:      "Chase",
		AccountName:   "Ada Obi",
		AccountNumber: "123456789",
	}
}

func TestCreateGetDelete(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	m, err := svc.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := svc.Get(ctx, "user_1", m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.BankName != "Chase" || got.Currency != "USD" {
		t.Errorf("method = %+v", got)
	}

	// Ownership is enforced on read and delete.
	if _, err := svc.Get(ctx, "user_2", m.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign Get = %v, want ErrNotOwner", err)
	}
	if err := svc.Delete(ctx, "user_2", m.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign Delete = %v, want ErrNotOwner", err)
	}
	if err := svc.Delete(ctx, "user_1", m.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := svc.Get(ctx, "user_1", m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	for _, mutate := range []func(*CreateRequest){
		func(r *CreateRequest) { r.Currency = "" },
		func(r *CreateRequest) { r.BankName = "" },
		func(r *CreateRequest) { r.AccountName = "" },
		func(r *CreateRequest) { r.AccountNumber = "" },
	} {
		req := validRequest()
		mutate(&req)
		if _, err := svc.Create(ctx, req); !errors.Is(err, ErrValidation) {
			t.Errorf("Create(%+v) = %v, want ErrValidation", req, err)
		}
	}
}

func TestList(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	svc.Create(ctx, validRequest())
	req := validRequest()
	req.Label = "GBP account"
	req.Currency = "GBP"
	svc.Create(ctx, req)

	other := validRequest()
	other.OwnerID = "user_2"
	svc.Create(ctx, other)

	mine, err := svc.List(ctx, "user_1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("List = %d methods, want 2", len(mine))
	}
}
