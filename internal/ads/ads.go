// Package ads manages the P2P trade ad inventory.
//
// An ad advertises foreign currency for sale or purchase against NGN.
// Remaining inventory is guarded by an optimistic version counter: every
// reservation is a compare-and-swap on (version, remaining), so two
// takers racing for the same inventory can never both win.
package ads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kudipeer/kudipeer/internal/idgen"
	"github.com/kudipeer/kudipeer/internal/money"
)

var (
	ErrNotFound   = errors.New("ad not found")
	ErrValidation = errors.New("invalid ad")
	ErrConflict   = errors.New("ad version conflict")
	ErrNotActive  = errors.New("ad is not active")
	ErrOpenOrders = errors.New("ad has open orders")
	ErrNotMaker   = errors.New("caller does not own this ad")
)

// Side says which way the maker trades the foreign currency.
type Side string

const (
	// SideBuyFX: the maker buys FX and pays NGN. Their wallet locks the
	// full NGN notional at creation and they supply the payment method
	// where the FX should land.
	SideBuyFX Side = "buy_fx"
	// SideSellFX: the maker sells FX for NGN. The taker is the NGN payer;
	// nothing is locked until an order is opened.
	SideSellFX Side = "sell_fx"
)

// Status is the ad lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed"
)

// Ad is a standing offer. Amounts and limits are FX units; Price is NGN
// per FX unit. Version increments on every inventory or status change.
type Ad struct {
	ID              string    `json:"id"`
	MakerID         string    `json:"makerId"`
	Side            Side      `json:"side"`
	Currency        string    `json:"currency"`
	Price           string    `json:"price"`
	TotalAmount     string    `json:"totalAmount"`
	Remaining       string    `json:"remaining"`
	MinLimit        string    `json:"minLimit"`
	MaxLimit        string    `json:"maxLimit"`
	PaymentMethodID string    `json:"paymentMethodId,omitempty"`
	Terms           string    `json:"terms,omitempty"`
	Status          Status    `json:"status"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Notional returns the NGN value of amount FX units at the ad's price.
func (a *Ad) Notional(amount string) string {
	return money.Mul(amount, a.Price)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Side     Side
	Currency string
	Status   Status
	MakerID  string
	Limit    int
}

// Store persists ads. Reserve and Restock are the only inventory
// mutations and both bump the version.
type Store interface {
	Create(ctx context.Context, ad *Ad) error
	Get(ctx context.Context, id string) (*Ad, error)
	List(ctx context.Context, f Filter) ([]*Ad, error)

	// Reserve atomically decrements remaining if and only if the stored
	// version matches expectedVersion and remaining covers amount.
	// A version or inventory miss is ErrConflict.
	Reserve(ctx context.Context, id, amount string, expectedVersion int64) error

	// Restock returns cancelled-order inventory to the ad.
	Restock(ctx context.Context, id, amount string) error

	SetStatus(ctx context.Context, id string, status Status) error
}

// Wallet is the slice of the ledger the ad service needs: locking and
// releasing maker funds for buy-side ads.
type Wallet interface {
	LockForUser(ctx context.Context, userID, amount string) error
	UnlockForUser(ctx context.Context, userID, amount string) error
}

// OpenOrderCounter reports how many non-terminal orders reference an ad.
type OpenOrderCounter interface {
	CountOpenByAd(ctx context.Context, adID string) (int, error)
}

// Service owns ad lifecycle and inventory rules.
type Service struct {
	store  Store
	wallet Wallet
	orders OpenOrderCounter
	logger *slog.Logger
}

// New creates an ad service.
func New(store Store, wallet Wallet, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, wallet: wallet, logger: logger}
}

// WithOpenOrderCounter wires the order lookup used by Close. Set during
// server assembly; ads and orders reference each other narrowly.
func (s *Service) WithOpenOrderCounter(c OpenOrderCounter) *Service {
	s.orders = c
	return s
}

// CreateRequest carries the maker's ad parameters.
type CreateRequest struct {
	MakerID         string `json:"-"`
	Side            Side   `json:"side"`
	Currency        string `json:"currency"`
	Price           string `json:"price"`
	TotalAmount     string `json:"totalAmount"`
	MinLimit        string `json:"minLimit"`
	MaxLimit        string `json:"maxLimit"`
	PaymentMethodID string `json:"paymentMethodId"`
	Terms           string `json:"terms"`
}

func (r CreateRequest) validate() error {
	if r.Side != SideBuyFX && r.Side != SideSellFX {
		return fmt.Errorf("%w: side must be buy_fx or sell_fx", ErrValidation)
	}
	if r.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrValidation)
	}
	for name, v := range map[string]string{
		"price": r.Price, "totalAmount": r.TotalAmount,
		"minLimit": r.MinLimit, "maxLimit": r.MaxLimit,
	} {
		if !money.IsPositive(v) {
			return fmt.Errorf("%w: %s must be a positive amount", ErrValidation, name)
		}
	}
	if money.Cmp(r.MinLimit, r.MaxLimit) > 0 {
		return fmt.Errorf("%w: minLimit exceeds maxLimit", ErrValidation)
	}
	if money.Cmp(r.MaxLimit, r.TotalAmount) > 0 {
		return fmt.Errorf("%w: maxLimit exceeds totalAmount", ErrValidation)
	}
	if r.Side == SideBuyFX && r.PaymentMethodID == "" {
		return fmt.Errorf("%w: buy_fx ads must name a payment method", ErrValidation)
	}
	return nil
}

// Create publishes a new ad. For buy_fx the maker's NGN notional is
// locked before the ad becomes visible; a failed insert releases the
// lock again so no funds stay reserved for an ad that never existed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Ad, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	ad := &Ad{
		ID:              idgen.WithPrefix("ad_"),
		MakerID:         req.MakerID,
		Side:            req.Side,
		Currency:        req.Currency,
		Price:           req.Price,
		TotalAmount:     req.TotalAmount,
		Remaining:       req.TotalAmount,
		MinLimit:        req.MinLimit,
		MaxLimit:        req.MaxLimit,
		PaymentMethodID: req.PaymentMethodID,
		Terms:           req.Terms,
		Status:          StatusActive,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if ad.Side == SideBuyFX {
		if err := s.wallet.LockForUser(ctx, ad.MakerID, ad.Notional(ad.TotalAmount)); err != nil {
			return nil, err
		}
	}
	if err := s.store.Create(ctx, ad); err != nil {
		if ad.Side == SideBuyFX {
			if uerr := s.wallet.UnlockForUser(ctx, ad.MakerID, ad.Notional(ad.TotalAmount)); uerr != nil {
				s.logger.Error("failed to release maker lock after ad insert failure",
					"adId", ad.ID, "makerId", ad.MakerID, "error", uerr)
			}
		}
		return nil, err
	}

	s.logger.Info("ad created", "adId", ad.ID, "side", ad.Side,
		"currency", ad.Currency, "totalAmount", ad.TotalAmount)
	return ad, nil
}

// Get returns one ad.
func (s *Service) Get(ctx context.Context, id string) (*Ad, error) {
	return s.store.Get(ctx, id)
}

// List returns ads matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Ad, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

// Reserve claims amount of the ad's inventory for a new order. The
// caller passes the version it read; losing the race is ErrConflict and
// the caller re-reads and retries.
func (s *Service) Reserve(ctx context.Context, id, amount string, expectedVersion int64) error {
	if !money.IsPositive(amount) {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return s.store.Reserve(ctx, id, amount, expectedVersion)
}

// Restock returns inventory from a cancelled order.
func (s *Service) Restock(ctx context.Context, id, amount string) error {
	if !money.IsPositive(amount) {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return s.store.Restock(ctx, id, amount)
}

// SetStatus pauses or resumes an ad. Closing goes through Close.
func (s *Service) SetStatus(ctx context.Context, makerID, id string, status Status) error {
	if status != StatusActive && status != StatusPaused {
		return fmt.Errorf("%w: status must be active or paused", ErrValidation)
	}
	ad, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ad.MakerID != makerID {
		return ErrNotMaker
	}
	if ad.Status == StatusClosed {
		return ErrNotActive
	}
	return s.store.SetStatus(ctx, id, status)
}

// Close retires an ad. Refused while any order against it is still
// open. For buy_fx the maker's remaining NGN lock is released.
func (s *Service) Close(ctx context.Context, makerID, id string) error {
	ad, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ad.MakerID != makerID {
		return ErrNotMaker
	}
	if ad.Status == StatusClosed {
		return nil
	}
	if s.orders != nil {
		open, err := s.orders.CountOpenByAd(ctx, id)
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrOpenOrders
		}
	}

	if err := s.store.SetStatus(ctx, id, StatusClosed); err != nil {
		return err
	}
	if ad.Side == SideBuyFX && money.IsPositive(ad.Remaining) {
		if err := s.wallet.UnlockForUser(ctx, ad.MakerID, ad.Notional(ad.Remaining)); err != nil {
			s.logger.Error("failed to release maker lock on ad close",
				"adId", id, "makerId", ad.MakerID, "error", err)
			return err
		}
	}
	s.logger.Info("ad closed", "adId", id, "remaining", ad.Remaining)
	return nil
}
