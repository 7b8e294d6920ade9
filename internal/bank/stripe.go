package bank

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/payout"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/kudipeer/kudipeer/internal/money"
)

// StripeProvider implements PayoutProvider on Stripe payouts.
type StripeProvider struct {
	webhookSecret string
	logger        *slog.Logger
}

// NewStripeProvider configures the Stripe client. apiKey is the secret
// key; webhookSecret signs inbound events.
func NewStripeProvider(apiKey, webhookSecret string, logger *slog.Logger) *StripeProvider {
	stripe.Key = apiKey
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeProvider{webhookSecret: webhookSecret, logger: logger}
}

// InitiatePayout starts an NGN payout. The ledger reference is passed as
// the Stripe idempotency key, so job-queue redeliveries collapse into
// one provider-side payout.
func (s *StripeProvider) InitiatePayout(ctx context.Context, req PayoutRequest) (string, error) {
	kobo, ok := money.Parse(req.Amount)
	if !ok {
		return "", fmt.Errorf("%w: bad amount %q", ErrPayoutFailed, req.Amount)
	}

	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(kobo.Int64()),
		Currency: stripe.String("ngn"),
		Method:   stripe.String("standard"),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.Reference)
	params.Description = stripe.String(req.Narration)
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("bank_name", req.BankName)
	params.AddMetadata("account_name", req.AccountName)
	params.AddMetadata("account_number", req.AccountNumber)

	p, err := payout.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayoutFailed, err)
	}
	s.logger.Info("payout initiated", "payoutId", p.ID, "reference", req.Reference, "amount", req.Amount)
	return p.ID, nil
}

// ParseCredit verifies an inbound webhook and reduces it to a Credit.
// Events other than an incoming bank transfer return ErrMalformedEvent.
func (s *StripeProvider) ParseCredit(payload []byte, sigHeader string) (*Credit, error) {
	// Banking partners emit events pinned to their own API version;
	// only the signature decides authenticity here.
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Type != "topup.succeeded" {
		return nil, fmt.Errorf("%w: unexpected event type %s", ErrMalformedEvent, event.Type)
	}

	obj := event.Data.Object
	meta, _ := obj["metadata"].(map[string]any)
	userID, _ := meta["user_id"].(string)
	amountF, _ := obj["amount"].(float64) // kobo
	if userID == "" || amountF <= 0 {
		return nil, fmt.Errorf("%w: missing user or amount", ErrMalformedEvent)
	}

	bankName, _ := meta["bank_name"].(string)
	senderName, _ := meta["sender_name"].(string)
	return &Credit{
		ExternalReference: event.ID,
		UserID:            userID,
		Amount:            money.Format(big.NewInt(int64(amountF))),
		BankName:          bankName,
		SenderName:        senderName,
	}, nil
}
