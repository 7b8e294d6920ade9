// Package transfers moves money in and out of wallets outside of trades:
// wallet-to-wallet transfers, bank webhook credits, and withdrawals.
//
// User-initiated movements are guarded by one-time tokens. Bank credits
// arrive over webhooks with at-least-once delivery and deduplicate
// through the permanent journal reference instead.
package transfers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kudipeer/kudipeer/internal/bank"
	"github.com/kudipeer/kudipeer/internal/idempotency"
	"github.com/kudipeer/kudipeer/internal/idgen"
	"github.com/kudipeer/kudipeer/internal/ledger"
	"github.com/kudipeer/kudipeer/internal/metrics"
	"github.com/kudipeer/kudipeer/internal/money"
	"github.com/kudipeer/kudipeer/internal/traces"
)

var (
	ErrValidation   = errors.New("transfer validation failed")
	ErrSelfTransfer = errors.New("cannot transfer to yourself")
)

// JobPayoutInitiate is the job name for outbound bank payouts. The
// ledger debit happens synchronously; the provider call is deferred to
// the job queue so a flaky provider cannot hold a user request hostage.
const JobPayoutInitiate = "payout.initiate"

// PayoutPayload is the payload of a payout.initiate job.
type PayoutPayload struct {
	Reference     string `json:"reference"`
	UserID        string `json:"userId"`
	Amount        string `json:"amount"`
	BankName      string `json:"bankName"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
}

// Ledger is the slice of the ledger service transfers needs.
type Ledger interface {
	AccountByUser(ctx context.Context, userID string) (*ledger.Account, error)
	Apply(ctx context.Context, entries []ledger.Entry) ([]*ledger.JournalEntry, error)
	HasReference(ctx context.Context, reference string) (bool, error)
}

// Tokens issues and redeems one-time transfer tokens.
type Tokens interface {
	Issue(ctx context.Context, userID string) (*idempotency.Token, error)
	Redeem(ctx context.Context, userID, value string) error
}

// Scheduler enqueues delayed jobs.
type Scheduler interface {
	Schedule(ctx context.Context, name string, payload any, delay time.Duration) error
}

// Notifier delivers best-effort realtime events.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Config holds transfer policy.
type Config struct {
	// RevenueUserID owns the platform revenue wallet that collects fees.
	RevenueUserID string
	// WithdrawalFee is a flat NGN fee charged on every withdrawal.
	WithdrawalFee string
}

// Service implements wallet transfers, webhook credits and withdrawals.
type Service struct {
	ledger    Ledger
	tokens    Tokens
	scheduler Scheduler
	payouts   bank.PayoutProvider
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
}

// New creates a transfer service.
func New(l Ledger, tokens Tokens, scheduler Scheduler, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WithdrawalFee == "" {
		cfg.WithdrawalFee = "0.00"
	}
	return &Service{ledger: l, tokens: tokens, scheduler: scheduler, cfg: cfg, logger: logger}
}

// WithPayoutProvider attaches the outbound bank rail.
func (s *Service) WithPayoutProvider(p bank.PayoutProvider) *Service {
	s.payouts = p
	return s
}

// WithNotifier attaches a best-effort realtime notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// IssueToken mints a one-time token authorizing the user's next transfer
// or withdrawal.
func (s *Service) IssueToken(ctx context.Context, userID string) (*idempotency.Token, error) {
	return s.tokens.Issue(ctx, userID)
}

// TransferRequest is a wallet-to-wallet transfer.
type TransferRequest struct {
	Token           string `json:"token"`
	RecipientUserID string `json:"recipientUserId"`
	Amount          string `json:"amount"`
	Note            string `json:"note"`
}

// Transfer moves funds between two wallets. The token is consumed
// whether or not the movement succeeds, so a retried request needs a
// fresh token.
func (s *Service) Transfer(ctx context.Context, senderID string, req TransferRequest) ([]*ledger.JournalEntry, error) {
	if !money.IsPositive(req.Amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.RecipientUserID == "" {
		return nil, fmt.Errorf("%w: recipientUserId is required", ErrValidation)
	}
	if req.RecipientUserID == senderID {
		return nil, ErrSelfTransfer
	}
	if err := s.tokens.Redeem(ctx, senderID, req.Token); err != nil {
		return nil, err
	}

	sender, err := s.ledger.AccountByUser(ctx, senderID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.ledger.AccountByUser(ctx, req.RecipientUserID)
	if err != nil {
		return nil, err
	}

	ref := idgen.WithPrefix("tra_")
	meta := &ledger.Metadata{Transfer: &ledger.TransferMetadata{Actor: senderID, Note: req.Note}}
	entries, err := s.ledger.Apply(ctx, []ledger.Entry{
		{
			AccountID:      sender.ID,
			Amount:         money.Neg(req.Amount),
			Type:           ledger.TypeTransfer,
			Reference:      ref + ":payer",
			CounterpartyID: recipient.ID,
			Metadata:       meta,
		},
		{
			AccountID:      recipient.ID,
			Amount:         req.Amount,
			Type:           ledger.TypeTransfer,
			Reference:      ref + ":receiver",
			CounterpartyID: sender.ID,
			Metadata:       meta,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet transfer applied",
		"reference", ref, "sender", senderID, "recipient", req.RecipientUserID, "amount", req.Amount)
	s.notify(req.RecipientUserID, "transfer.received", map[string]any{
		"reference": ref, "amount": req.Amount, "from": senderID, "note": req.Note,
	})
	return entries, nil
}

// WebhookCredit applies an inbound bank transfer to the recipient's
// wallet. The provider's event ID keys permanent deduplication: a
// redelivered webhook is acknowledged without a second credit.
func (s *Service) WebhookCredit(ctx context.Context, credit *bank.Credit) (*ledger.JournalEntry, error) {
	if credit.ExternalReference == "" || !money.IsPositive(credit.Amount) {
		return nil, fmt.Errorf("%w: bad webhook credit", ErrValidation)
	}

	ref := "dep_" + credit.ExternalReference
	seen, err := s.ledger.HasReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if seen {
		metrics.WebhookCreditsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("duplicate bank credit ignored", "reference", ref)
		return nil, nil
	}

	acct, err := s.ledger.AccountByUser(ctx, credit.UserID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Apply(ctx, []ledger.Entry{{
		AccountID: acct.ID,
		Amount:    credit.Amount,
		Type:      ledger.TypeDeposit,
		Reference: ref,
		Metadata: &ledger.Metadata{Deposit: &ledger.DepositMetadata{
			ExternalReference: credit.ExternalReference,
			BankName:          credit.BankName,
			SenderName:        credit.SenderName,
		}},
	}})
	if err != nil {
		return nil, err
	}

	metrics.WebhookCreditsTotal.WithLabelValues("applied").Inc()
	s.logger.Info("bank credit applied", "reference", ref, "userId", credit.UserID, "amount", credit.Amount)
	return entries[0], nil
}

// WithdrawRequest is a payout to an external bank account.
type WithdrawRequest struct {
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	BankName      string `json:"bankName"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
}

func (r WithdrawRequest) validate() error {
	if !money.IsPositive(r.Amount) {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	for field, v := range map[string]string{
		"bankName":      r.BankName,
		"accountName":   r.AccountName,
		"accountNumber": r.AccountNumber,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, field)
		}
	}
	return nil
}

// Withdraw debits the user's wallet and schedules the bank payout. The
// debit is synchronous and final; the payout job retries against the
// provider with the ledger reference as idempotency key.
func (s *Service) Withdraw(ctx context.Context, userID string, req WithdrawRequest) ([]*ledger.JournalEntry, error) {
	ctx, span := traces.StartSpan(ctx, "transfers.Withdraw",
		traces.UserID(userID), traces.Amount(req.Amount))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.tokens.Redeem(ctx, userID, req.Token); err != nil {
		return nil, err
	}

	acct, err := s.ledger.AccountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ref := idgen.WithPrefix("wd_")
	entries := []ledger.Entry{{
		AccountID: acct.ID,
		Amount:    money.Neg(req.Amount),
		Type:      ledger.TypeWithdrawal,
		Reference: ref,
		Metadata: &ledger.Metadata{Withdrawal: &ledger.WithdrawalMetadata{
			BankName:      req.BankName,
			AccountName:   req.AccountName,
			AccountNumber: req.AccountNumber,
		}},
	}}
	fee := s.cfg.WithdrawalFee
	if money.Cmp(fee, "0.00") > 0 {
		revenue, err := s.ledger.AccountByUser(ctx, s.cfg.RevenueUserID)
		if err != nil {
			return nil, fmt.Errorf("revenue wallet missing: %w", err)
		}
		feeMeta := &ledger.Metadata{Fee: &ledger.FeeMetadata{AppliesTo: ref}}
		entries = append(entries,
			ledger.Entry{
				AccountID:      acct.ID,
				Amount:         money.Neg(fee),
				Type:           ledger.TypeFee,
				Reference:      ref + ":fee",
				CounterpartyID: revenue.ID,
				Metadata:       feeMeta,
			},
			ledger.Entry{
				AccountID:      revenue.ID,
				Amount:         fee,
				Type:           ledger.TypeFee,
				Reference:      ref + ":revenue",
				CounterpartyID: acct.ID,
				Metadata:       feeMeta,
			},
		)
	}

	journal, err := s.ledger.Apply(ctx, entries)
	if err != nil {
		return nil, err
	}

	payload := PayoutPayload{
		Reference:     ref,
		UserID:        userID,
		Amount:        req.Amount,
		BankName:      req.BankName,
		AccountName:   req.AccountName,
		AccountNumber: req.AccountNumber,
	}
	if err := s.scheduler.Schedule(ctx, JobPayoutInitiate, payload, 0); err != nil {
		// The debit stands; operators replay the payout from the journal.
		s.logger.Error("failed to schedule payout", "reference", ref, "error", err)
	}

	s.logger.Info("withdrawal accepted", "reference", ref, "userId", userID, "amount", req.Amount, "fee", fee)
	return journal, nil
}

// RunPayout is the payout.initiate job handler. Returning an error
// triggers queue redelivery; the provider-side idempotency key makes
// redelivery safe.
func (s *Service) RunPayout(ctx context.Context, payload json.RawMessage) error {
	var p PayoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("bad payout payload: %w", err)
	}
	if s.payouts == nil {
		return errors.New("no payout provider configured")
	}

	ctx, span := traces.StartSpan(ctx, "transfers.RunPayout",
		traces.Reference(p.Reference), traces.JobName(JobPayoutInitiate))
	defer span.End()

	payoutID, err := s.payouts.InitiatePayout(ctx, bank.PayoutRequest{
		Reference:     p.Reference,
		Amount:        p.Amount,
		BankName:      p.BankName,
		AccountName:   p.AccountName,
		AccountNumber: p.AccountNumber,
		Narration:     "Kudipeer withdrawal " + p.Reference,
	})
	if err != nil {
		return err
	}

	s.logger.Info("payout initiated", "reference", p.Reference, "payoutId", payoutID)
	s.notify(p.UserID, "withdrawal.initiated", map[string]any{
		"reference": p.Reference, "amount": p.Amount, "payoutId": payoutID,
	})
	return nil
}

func (s *Service) notify(userID, event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(userID, event, payload)
	}
}
