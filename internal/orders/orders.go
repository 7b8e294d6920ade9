// Package orders runs P2P trade orders from creation to settlement.
//
// An order is a taker's claim on a slice of an ad's inventory. Its NGN
// leg is custodial (locked in the payer's wallet at creation); its FX
// leg happens outside the platform and is only attested to by the
// parties, which is why the state machine is strict:
//
//	PENDING -> PAID -> COMPLETED
//	PENDING -> CANCELLED            (either party, or expiry)
//	PAID    -> DISPUTE -> COMPLETED (admin release)
//	PAID    -> DISPUTE -> CANCELLED (admin refund)
//
// PENDING orders cannot be disputed: before markAsPaid there is nothing
// to argue about, cancellation is free.
package orders

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrValidation        = errors.New("invalid order request")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrNotParty          = errors.New("caller is not a party to this order")
	ErrSelfTrade         = errors.New("maker cannot take own ad")
	ErrAmountOutOfRange  = errors.New("amount outside ad limits")
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDispute   Status = "dispute"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Side mirrors the ad side the order was taken from.
type Side string

const (
	SideBuyFX  Side = "buy_fx"
	SideSellFX Side = "sell_fx"
)

// PaymentDetails is the FX receiver's external destination, snapshotted
// at order creation so a later edit to the saved method cannot change
// where an in-flight trade pays out.
type PaymentDetails struct {
	MethodID      string `json:"methodId,omitempty"`
	BankName      string `json:"bankName"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
	Note          string `json:"note,omitempty"`
}

// Order is one P2P trade. Amount is FX units, TotalNGN the custodial
// leg at the ad's price. Fee and ReceiveAmount are filled at settlement.
type Order struct {
	ID             string          `json:"id"`
	AdID           string          `json:"adId"`
	MakerID        string          `json:"makerId"`
	TakerID        string          `json:"takerId"`
	Side           Side            `json:"side"`
	Currency       string          `json:"currency"`
	Price          string          `json:"price"`
	Amount         string          `json:"amount"`
	TotalNGN       string          `json:"totalNgn"`
	Fee            string          `json:"fee,omitempty"`
	ReceiveAmount  string          `json:"receiveAmount,omitempty"`
	Status         Status          `json:"status"`
	PaymentDetails *PaymentDetails `json:"paymentDetails,omitempty"`
	DisputeReason  string          `json:"disputeReason,omitempty"`
	CancelReason   string          `json:"cancelReason,omitempty"`
	ResolvedBy     string          `json:"resolvedBy,omitempty"` // admin who resolved the dispute
	ExpiresAt      time.Time       `json:"expiresAt"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NGNPayerID returns the party whose wallet funds the custodial leg.
// They are also the FX receiver. For buy_fx ads that is the maker, for
// sell_fx ads the taker.
func (o *Order) NGNPayerID() string {
	if o.Side == SideBuyFX {
		return o.MakerID
	}
	return o.TakerID
}

// FXPayerID returns the party sending the foreign currency. They
// receive the NGN at settlement and call markAsPaid.
func (o *Order) FXPayerID() string {
	if o.Side == SideBuyFX {
		return o.TakerID
	}
	return o.MakerID
}

// IsParty reports whether userID is the maker or the taker.
func (o *Order) IsParty(userID string) bool {
	return userID == o.MakerID || userID == o.TakerID
}

// CounterpartyOf returns the other party.
func (o *Order) CounterpartyOf(userID string) string {
	if userID == o.MakerID {
		return o.TakerID
	}
	return o.MakerID
}

// SettleReference is the journal reference group for this order's
// settlement. Replays of the settlement reuse it and become no-ops.
func (o *Order) SettleReference() string {
	return o.ID + ":settle"
}

// Completion captures the settlement figures written on COMPLETED.
type Completion struct {
	Fee           string
	ReceiveAmount string
}

// Store persists orders. The Mark* transitions are conditional on the
// from-status; a status race surfaces as ErrInvalidTransition, never as
// a silent double transition.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	CountOpenByAd(ctx context.Context, adID string) (int, error)

	MarkPaid(ctx context.Context, id string) error
	MarkDisputed(ctx context.Context, id, reason string) error
	MarkCompleted(ctx context.Context, id string, from Status, c Completion) error
	MarkCancelled(ctx context.Context, id string, from Status, reason string) error

	// SetResolvedBy records which admin resolved the order's dispute.
	SetResolvedBy(ctx context.Context, id, adminID string) error
}
