package server

import (
	"context"

	"github.com/kudipeer/kudipeer/internal/ledger"
	"github.com/kudipeer/kudipeer/internal/orders"
	"github.com/kudipeer/kudipeer/internal/paymethods"
)

// ledgerAdapter translates user IDs into wallet accounts for the
// services that speak in users (ads, orders). It satisfies both
// ads.Wallet and orders.Ledger.
type ledgerAdapter struct {
	svc       *ledger.Service
	revenueID string
}

func (a *ledgerAdapter) accountID(ctx context.Context, userID string) (string, error) {
	acct, err := a.svc.AccountByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}

func (a *ledgerAdapter) LockForUser(ctx context.Context, userID, amount string) error {
	id, err := a.accountID(ctx, userID)
	if err != nil {
		return err
	}
	return a.svc.Lock(ctx, id, amount)
}

func (a *ledgerAdapter) UnlockForUser(ctx context.Context, userID, amount string) error {
	id, err := a.accountID(ctx, userID)
	if err != nil {
		return err
	}
	return a.svc.Unlock(ctx, id, amount)
}

func (a *ledgerAdapter) SettleOrder(ctx context.Context, s orders.Settlement) error {
	payerID, err := a.accountID(ctx, s.PayerUserID)
	if err != nil {
		return err
	}
	receiverID, err := a.accountID(ctx, s.ReceiverUserID)
	if err != nil {
		return err
	}
	_, err = a.svc.Settle(ctx, ledger.SettleParams{
		PayerID:    payerID,
		ReceiverID: receiverID,
		RevenueID:  a.revenueID,
		Total:      s.Total,
		Fee:        s.Fee,
		Reference:  s.Reference,
		Actor:      s.Actor,
		OrderID:    s.OrderID,
	})
	return err
}

func (a *ledgerAdapter) SettlementExists(ctx context.Context, reference string) (bool, error) {
	return a.svc.HasReference(ctx, reference+":payer")
}

// methodResolver snapshots a saved payment method into an order.
type methodResolver struct {
	svc *paymethods.Service
}

func (r *methodResolver) Resolve(ctx context.Context, ownerID, methodID string) (*orders.PaymentDetails, error) {
	m, err := r.svc.Get(ctx, ownerID, methodID)
	if err != nil {
		return nil, err
	}
	return &orders.PaymentDetails{
		MethodID:      m.ID,
		BankName:      m.BankName,
		AccountName:   m.AccountName,
		AccountNumber: m.AccountNumber,
		Note:          m.Label,
	}, nil
}
