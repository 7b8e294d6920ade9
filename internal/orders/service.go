package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kudipeer/kudipeer/internal/ads"
	"github.com/kudipeer/kudipeer/internal/idgen"
	"github.com/kudipeer/kudipeer/internal/metrics"
	"github.com/kudipeer/kudipeer/internal/money"
	"github.com/kudipeer/kudipeer/internal/traces"
)

// Job names handled by the workers.
const (
	JobOrderExpire = "order.expire"
	JobOrderSettle = "order.settle"
)

// JobPayload is the payload of both order jobs.
type JobPayload struct {
	OrderID string `json:"orderId"`
}

// AdInventory is the slice of the ad service orders need.
type AdInventory interface {
	Get(ctx context.Context, id string) (*ads.Ad, error)
	Reserve(ctx context.Context, id, amount string, expectedVersion int64) error
	Restock(ctx context.Context, id, amount string) error
}

// Settlement asks the ledger to consume the payer's lock and pay out.
type Settlement struct {
	PayerUserID    string
	ReceiverUserID string
	Total          string
	Fee            string
	Reference      string
	Actor          string
	OrderID        string
}

// Ledger is the slice of the wallet ledger orders need. Implementations
// resolve user IDs to wallet accounts.
type Ledger interface {
	LockForUser(ctx context.Context, userID, amount string) error
	UnlockForUser(ctx context.Context, userID, amount string) error
	SettleOrder(ctx context.Context, s Settlement) error
	SettlementExists(ctx context.Context, reference string) (bool, error)
}

// Scheduler enqueues delayed jobs.
type Scheduler interface {
	Schedule(ctx context.Context, name string, payload any, delay time.Duration) error
}

// Notifier delivers best-effort realtime events.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// ChatPoster writes system messages into the order's chat channel.
type ChatPoster interface {
	PostSystem(ctx context.Context, orderID, text string) error
}

// AuditLog records admin actions. A dispute resolution that cannot be
// audited does not happen.
type AuditLog interface {
	Record(ctx context.Context, actorID, action, targetID, notes, originIP string) error
}

// MethodResolver loads a user's saved payment method for snapshotting.
type MethodResolver interface {
	Resolve(ctx context.Context, ownerID, methodID string) (*PaymentDetails, error)
}

// UnitOfWork runs fn atomically. Postgres wiring passes storage.InTx;
// memory wiring runs fn directly.
type UnitOfWork func(ctx context.Context, fn func(context.Context) error) error

func passthrough(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

// Config carries the order service tunables.
type Config struct {
	FeeBps      int64         // settlement fee charged to the NGN receiver
	ExpiryAfter time.Duration // unpaid order lifetime
}

// Service drives the order state machine.
type Service struct {
	store     Store
	adsSvc    AdInventory
	ledger    Ledger
	scheduler Scheduler
	notifier  Notifier
	chat      ChatPoster
	audit     AuditLog
	methods   MethodResolver
	uow       UnitOfWork
	cfg       Config
	logger    *slog.Logger

	// Per-order mutexes serialize transitions above the store's own
	// conditional updates.
	locks sync.Map
}

// New creates an order service.
func New(store Store, adsSvc AdInventory, ledger Ledger, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		adsSvc: adsSvc,
		ledger: ledger,
		cfg:    cfg,
		uow:    passthrough,
		logger: logger,
	}
}

// WithScheduler wires the delayed job queue.
func (s *Service) WithScheduler(sch Scheduler) *Service { s.scheduler = sch; return s }

// WithNotifier wires realtime notifications.
func (s *Service) WithNotifier(n Notifier) *Service { s.notifier = n; return s }

// WithChat wires the order chat channel.
func (s *Service) WithChat(c ChatPoster) *Service { s.chat = c; return s }

// WithAudit wires the admin audit log.
func (s *Service) WithAudit(a AuditLog) *Service { s.audit = a; return s }

// WithMethodResolver wires payment-method snapshotting.
func (s *Service) WithMethodResolver(m MethodResolver) *Service { s.methods = m; return s }

// WithUnitOfWork wires the transactional scope for multi-store writes.
func (s *Service) WithUnitOfWork(u UnitOfWork) *Service { s.uow = u; return s }

func (s *Service) lockOrder(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateRequest opens an order against an ad.
type CreateRequest struct {
	TakerID         string `json:"-"`
	AdID            string `json:"adId"`
	Amount          string `json:"amount"`
	PaymentMethodID string `json:"paymentMethodId,omitempty"` // sell_fx takers only
}

const reserveAttempts = 3

// Create opens an order: reserve ad inventory, lock the NGN payer's
// funds when the taker pays NGN, snapshot the FX destination, and arm
// the expiry timer. The whole sequence runs in one unit of work; the
// compensations cover the memory wiring, where there is no transaction
// to roll back. Either way, neither inventory, a wallet lock, nor an
// order without an armed expiry timer survives a failed create.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Create",
		traces.UserID(req.TakerID), traces.AdID(req.AdID), traces.Amount(req.Amount))
	defer span.End()

	if req.TakerID == "" || req.AdID == "" {
		return nil, fmt.Errorf("%w: taker and ad are required", ErrValidation)
	}
	if !money.IsPositive(req.Amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	var order *Order
	err := s.uow(ctx, func(ctx context.Context) error {
		var (
			ad  *ads.Ad
			err error
		)
		// CAS loop: losing a reservation race re-reads the ad and retries.
		for attempt := 0; attempt < reserveAttempts; attempt++ {
			ad, err = s.adsSvc.Get(ctx, req.AdID)
			if err != nil {
				return err
			}
			if ad.Status != ads.StatusActive {
				return fmt.Errorf("%w: ad is %s", ErrValidation, ad.Status)
			}
			if ad.MakerID == req.TakerID {
				return ErrSelfTrade
			}
			if money.Cmp(req.Amount, ad.MinLimit) < 0 || money.Cmp(req.Amount, ad.MaxLimit) > 0 {
				return fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfRange, req.Amount, ad.MinLimit, ad.MaxLimit)
			}

			err = s.adsSvc.Reserve(ctx, ad.ID, req.Amount, ad.Version)
			if err == nil {
				break
			}
			if !errors.Is(err, ads.ErrConflict) {
				return err
			}
		}
		if err != nil {
			return err
		}

		order, err = s.buildOrder(ctx, ad, req)
		if err != nil {
			s.compensate("restock after failed create", func() error {
				return s.adsSvc.Restock(ctx, ad.ID, req.Amount)
			})
			return err
		}

		// Sell-side ads: the taker pays NGN, lock now. Buy-side locks were
		// taken from the maker when the ad was published.
		if order.Side == SideSellFX {
			if err := s.ledger.LockForUser(ctx, order.TakerID, order.TotalNGN); err != nil {
				s.compensate("restock after failed lock", func() error {
					return s.adsSvc.Restock(ctx, ad.ID, req.Amount)
				})
				return err
			}
		}

		if err := s.store.Create(ctx, order); err != nil {
			if order.Side == SideSellFX {
				s.compensate("unlock after failed insert", func() error {
					return s.ledger.UnlockForUser(ctx, order.TakerID, order.TotalNGN)
				})
			}
			s.compensate("restock after failed insert", func() error {
				return s.adsSvc.Restock(ctx, ad.ID, req.Amount)
			})
			return err
		}

		// An order without an expiry timer would freeze the payer's lock
		// indefinitely, so a failed schedule fails the create.
		if s.scheduler != nil {
			if err := s.scheduler.Schedule(ctx, JobOrderExpire, JobPayload{OrderID: order.ID}, s.cfg.ExpiryAfter); err != nil {
				s.compensate("cancel after failed expiry schedule", func() error {
					return s.cancelAndRefund(ctx, order, StatusPending, "expiry scheduling failed")
				})
				return fmt.Errorf("failed to schedule order expiry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(order.MakerID, "order.created", order)
	s.logger.Info("order created", "orderId", order.ID, "adId", order.AdID,
		"amount", order.Amount, "totalNgn", order.TotalNGN)
	return order, nil
}

func (s *Service) buildOrder(ctx context.Context, ad *ads.Ad, req CreateRequest) (*Order, error) {
	now := time.Now()
	order := &Order{
		ID:        idgen.WithPrefix("ord_"),
		AdID:      ad.ID,
		MakerID:   ad.MakerID,
		TakerID:   req.TakerID,
		Side:      Side(ad.Side),
		Currency:  ad.Currency,
		Price:     ad.Price,
		Amount:    req.Amount,
		TotalNGN:  ad.Notional(req.Amount),
		Status:    StatusPending,
		ExpiresAt: now.Add(s.cfg.ExpiryAfter),
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Snapshot where the FX lands: the NGN payer's saved method. For
	// buy_fx that is the maker's method named on the ad, for sell_fx the
	// taker must name one of their own.
	ownerID, methodID := ad.MakerID, ad.PaymentMethodID
	if order.Side == SideSellFX {
		if req.PaymentMethodID == "" {
			return nil, fmt.Errorf("%w: sell_fx orders require a payment method", ErrValidation)
		}
		ownerID, methodID = req.TakerID, req.PaymentMethodID
	}
	if s.methods != nil {
		details, err := s.methods.Resolve(ctx, ownerID, methodID)
		if err != nil {
			return nil, err
		}
		order.PaymentDetails = details
	}
	return order, nil
}

// Get returns an order; only parties and admins may see it.
func (s *Service) Get(ctx context.Context, callerID string, isAdmin bool, id string) (*Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !order.IsParty(callerID) {
		return nil, ErrNotParty
	}
	return order, nil
}

// ListByUser returns a user's recent orders, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Parties returns an order's maker and taker. The chat channel uses it
// for access control and message fan-out.
func (s *Service) Parties(ctx context.Context, orderID string) (makerID, takerID string, err error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return "", "", err
	}
	return order.MakerID, order.TakerID, nil
}

// CountOpenByAd reports non-terminal orders against an ad.
func (s *Service) CountOpenByAd(ctx context.Context, adID string) (int, error) {
	return s.store.CountOpenByAd(ctx, adID)
}

// MarkPaid is the FX payer attesting they sent the foreign currency.
func (s *Service) MarkPaid(ctx context.Context, userID, id string) (*Order, error) {
	defer s.lockOrder(id)()

	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.IsParty(userID) {
		return nil, ErrNotParty
	}
	if userID != order.FXPayerID() {
		return nil, fmt.Errorf("%w: only the FX payer marks as paid", ErrNotParty)
	}
	if err := s.store.MarkPaid(ctx, id); err != nil {
		return nil, err
	}

	s.postSystem(ctx, id, "Counterparty marked the FX payment as sent.")
	s.notify(order.CounterpartyOf(userID), "order.paid", map[string]any{"orderId": id})
	s.logger.Info("order marked paid", "orderId", id, "by", userID)
	return s.store.Get(ctx, id)
}

// Release is the FX receiver confirming arrival. It settles the NGN leg
// and completes the order. Settlement is idempotent by the order's
// journal reference, so a crash between settle and the status write is
// repaired by calling Release again or by the settlement worker.
func (s *Service) Release(ctx context.Context, userID, id string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Release", traces.UserID(userID), traces.OrderID(id))
	defer span.End()
	defer s.lockOrder(id)()

	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.IsParty(userID) {
		return nil, ErrNotParty
	}
	if userID != order.NGNPayerID() {
		return nil, fmt.Errorf("%w: only the FX receiver releases funds", ErrNotParty)
	}
	if order.Status != StatusPaid {
		return nil, fmt.Errorf("%w: release from %s", ErrInvalidTransition, order.Status)
	}

	if err := s.settleAndComplete(ctx, order, userID, StatusPaid); err != nil {
		return nil, err
	}
	s.postSystem(ctx, id, "Funds released. Trade complete.")
	s.notify(order.MakerID, "order.completed", map[string]any{"orderId": id})
	s.notify(order.TakerID, "order.completed", map[string]any{"orderId": id})
	return s.store.Get(ctx, id)
}

// settleAndComplete moves the money and then the status. The settlement
// job retries the second half if it is lost.
func (s *Service) settleAndComplete(ctx context.Context, order *Order, actor string, from Status) error {
	fee := money.FeeBps(order.TotalNGN, s.cfg.FeeBps)
	receive := money.Sub(order.TotalNGN, fee)

	err := s.ledger.SettleOrder(ctx, Settlement{
		PayerUserID:    order.NGNPayerID(),
		ReceiverUserID: order.FXPayerID(),
		Total:          order.TotalNGN,
		Fee:            fee,
		Reference:      order.SettleReference(),
		Actor:          actor,
		OrderID:        order.ID,
	})
	if err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues("released").Inc()

	if err := s.store.MarkCompleted(ctx, order.ID, from, Completion{Fee: fee, ReceiveAmount: receive}); err != nil {
		// Money already moved. Leave completion to the settlement worker.
		s.logger.Error("settled but failed to complete order", "orderId", order.ID, "error", err)
		if s.scheduler != nil {
			if serr := s.scheduler.Schedule(ctx, JobOrderSettle, JobPayload{OrderID: order.ID}, 0); serr != nil {
				s.logger.Error("failed to schedule settlement repair", "orderId", order.ID, "error", serr)
			}
		}
		return err
	}
	metrics.OrdersTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.logger.Info("order settled", "orderId", order.ID, "total", order.TotalNGN, "fee", fee, "actor", actor)
	return nil
}

// FinishSettlement is the order.settle worker: it completes an order
// whose settlement is journaled but whose status write was lost.
// Running it against a healthy order is a no-op.
func (s *Service) FinishSettlement(ctx context.Context, id string) error {
	defer s.lockOrder(id)()

	order, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if order.Status.Terminal() {
		return nil
	}
	settled, err := s.ledger.SettlementExists(ctx, order.SettleReference())
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}

	fee := money.FeeBps(order.TotalNGN, s.cfg.FeeBps)
	receive := money.Sub(order.TotalNGN, fee)
	if err := s.store.MarkCompleted(ctx, id, order.Status, Completion{Fee: fee, ReceiveAmount: receive}); err != nil {
		return err
	}
	s.logger.Warn("repaired order completion after lost status write", "orderId", id)
	return nil
}

// Cancel aborts a pending order. Either party may cancel before the FX
// payer marks as paid; afterwards only dispute resolution can unwind.
func (s *Service) Cancel(ctx context.Context, userID, id, reason string) (*Order, error) {
	defer s.lockOrder(id)()

	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.IsParty(userID) {
		return nil, ErrNotParty
	}
	if order.Status != StatusPending {
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, order.Status)
	}

	if err := s.cancelAndRefund(ctx, order, StatusPending, reason); err != nil {
		return nil, err
	}
	s.notify(order.CounterpartyOf(userID), "order.cancelled", map[string]any{"orderId": id, "reason": reason})
	s.logger.Info("order cancelled", "orderId", id, "by", userID)
	return s.store.Get(ctx, id)
}

// cancelAndRefund flips the status, returns the taker's lock when the
// taker funded the custodial leg, and restocks the ad. For buy_fx the
// maker's lock stays: it covers the whole ad, restocking is the refund.
func (s *Service) cancelAndRefund(ctx context.Context, order *Order, from Status, reason string) error {
	if err := s.store.MarkCancelled(ctx, order.ID, from, reason); err != nil {
		return err
	}
	if order.Side == SideSellFX {
		if err := s.ledger.UnlockForUser(ctx, order.TakerID, order.TotalNGN); err != nil {
			s.logger.Error("failed to refund taker lock on cancel", "orderId", order.ID, "error", err)
			return err
		}
	}
	if err := s.adsSvc.Restock(ctx, order.AdID, order.Amount); err != nil {
		// The ad may be gone; the order itself is consistently cancelled.
		s.logger.Error("failed to restock ad on cancel", "orderId", order.ID, "adId", order.AdID, "error", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return nil
}

// Expire is the order.expire worker: auto-cancel an order still unpaid
// past its window. Safe to redeliver; anything but PENDING is a no-op.
func (s *Service) Expire(ctx context.Context, id string) error {
	defer s.lockOrder(id)()

	order, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if order.Status != StatusPending {
		return nil
	}
	if err := s.cancelAndRefund(ctx, order, StatusPending, "expired unpaid"); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Lost the race with markAsPaid or a manual cancel.
			return nil
		}
		return err
	}
	s.notify(order.MakerID, "order.cancelled", map[string]any{"orderId": id, "reason": "expired"})
	s.notify(order.TakerID, "order.cancelled", map[string]any{"orderId": id, "reason": "expired"})
	s.logger.Info("order expired", "orderId", id)
	return nil
}

// RaiseDispute freezes a PAID order for admin review. No funds move.
func (s *Service) RaiseDispute(ctx context.Context, userID, id, reason string) (*Order, error) {
	defer s.lockOrder(id)()

	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrValidation)
	}
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.IsParty(userID) {
		return nil, ErrNotParty
	}
	if err := s.store.MarkDisputed(ctx, id, reason); err != nil {
		return nil, err
	}

	s.postSystem(ctx, id, "Dispute raised. An operator will review this trade.")
	s.notify(order.CounterpartyOf(userID), "order.dispute", map[string]any{"orderId": id, "reason": reason})
	s.logger.Warn("order disputed", "orderId", id, "by", userID, "reason", reason)
	return s.store.Get(ctx, id)
}

// Decision is an admin's dispute verdict.
type Decision string

const (
	DecisionRelease Decision = "release" // pay the FX payer out of the lock
	DecisionRefund  Decision = "refund"  // return the lock to the NGN payer
)

// ResolveDispute is the admin override. The audit record is written in
// the same unit of work as the financial effect: a resolution that
// cannot be audited does not happen.
func (s *Service) ResolveDispute(ctx context.Context, adminID, id string, decision Decision, notes, originIP string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.ResolveDispute",
		traces.UserID(adminID), traces.OrderID(id))
	defer span.End()
	defer s.lockOrder(id)()

	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusDispute {
		return nil, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, order.Status)
	}
	if decision != DecisionRelease && decision != DecisionRefund {
		return nil, fmt.Errorf("%w: decision must be release or refund", ErrValidation)
	}

	err = s.uow(ctx, func(ctx context.Context) error {
		if s.audit != nil {
			action := "dispute." + string(decision)
			if err := s.audit.Record(ctx, adminID, action, id, notes, originIP); err != nil {
				return fmt.Errorf("audit write failed, aborting resolution: %w", err)
			}
		}
		if decision == DecisionRelease {
			if err := s.settleAndComplete(ctx, order, adminID, StatusDispute); err != nil {
				return err
			}
		} else if err := s.cancelAndRefund(ctx, order, StatusDispute, "dispute refunded: "+notes); err != nil {
			return err
		}
		return s.store.SetResolvedBy(ctx, id, adminID)
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues(string(decision)).Inc()

	s.postSystem(ctx, id, "Dispute resolved by an operator: "+string(decision)+".")
	s.notify(order.MakerID, "order.resolved", map[string]any{"orderId": id, "decision": decision})
	s.notify(order.TakerID, "order.resolved", map[string]any{"orderId": id, "decision": decision})
	s.logger.Info("dispute resolved", "orderId", id, "admin", adminID, "decision", decision)
	return s.store.Get(ctx, id)
}

func (s *Service) notify(userID, event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(userID, event, payload)
	}
}

func (s *Service) postSystem(ctx context.Context, orderID, text string) {
	if s.chat == nil {
		return
	}
	if err := s.chat.PostSystem(ctx, orderID, text); err != nil {
		s.logger.Warn("failed to post system chat message", "orderId", orderID, "error", err)
	}
}

func (s *Service) compensate(what string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.Error("compensation failed: "+what, "error", err)
	}
}
