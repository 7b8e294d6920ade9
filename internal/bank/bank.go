// Package bank is the edge to the external money rails.
//
// The core never sees a provider's wire protocol. Outbound, it hands a
// PayoutRequest to a PayoutProvider; inbound, webhook payloads are
// verified and reduced to a Credit before they touch the ledger.
package bank

import (
	"context"
	"errors"
)

var (
	ErrPayoutFailed     = errors.New("payout initiation failed")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrMalformedEvent   = errors.New("webhook event is malformed")
)

// PayoutRequest describes one outbound NGN transfer. Reference doubles
// as the provider idempotency key: retrying a request with the same
// reference must not create a second payout.
type PayoutRequest struct {
	Reference     string
	Amount        string // NGN decimal string
	BankName      string
	AccountName   string
	AccountNumber string
	Narration     string
}

// PayoutProvider initiates transfers to external bank accounts.
type PayoutProvider interface {
	InitiatePayout(ctx context.Context, req PayoutRequest) (payoutID string, err error)
}

// Credit is an inbound bank transfer reduced to what the ledger needs.
// ExternalReference is the provider's event ID and drives permanent
// webhook deduplication.
type Credit struct {
	ExternalReference string
	UserID            string
	Amount            string
	BankName          string
	SenderName        string
}
