// Package paymethods stores users' saved external payment destinations.
//
// A method describes where foreign currency should be delivered (a
// foreign bank account, a remittance handle). Orders snapshot the
// resolved details at creation time; editing or deleting a method never
// affects an in-flight trade.
package paymethods

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kudipeer/kudipeer/internal/idgen"
)

var (
	ErrNotFound   = errors.New("payment method not found")
	ErrNotOwner   = errors.New("caller does not own this payment method")
	ErrValidation = errors.New("invalid payment method")
)

// Method is one saved payment destination.
type Method struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Label         string    `json:"label,omitempty"`
	Currency      string    `json:"currency"`
	BankName      string    `json:"bankName"`
	AccountName   string    `json:"accountName"`
	AccountNumber string    `json:"accountNumber"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists payment methods.
type Store interface {
	Insert(ctx context.Context, m *Method) error
	Get(ctx context.Context, id string) (*Method, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Method, error)
	Delete(ctx context.Context, id string) error
}

// Service manages saved payment methods.
type Service struct {
	store Store
}

// New creates a payment method service.
func New(store Store) *Service {
	return &Service{store: store}
}

// CreateRequest carries a new method's fields.
type CreateRequest struct {
	OwnerID       string `json:"-"`
	Label         string `json:"label"`
	Currency      string `json:"currency"`
	BankName      string `json:"bankName"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
}

// Create saves a new payment destination.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Method, error) {
	for name, v := range map[string]string{
		"currency": req.Currency, "bankName": req.BankName,
		"accountName": req.AccountName, "accountNumber": req.AccountNumber,
	} {
		if v == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrValidation, name)
		}
	}
	m := &Method{
		ID:            idgen.WithPrefix("pm_"),
		OwnerID:       req.OwnerID,
		Label:         req.Label,
		Currency:      req.Currency,
		BankName:      req.BankName,
		AccountName:   req.AccountName,
		AccountNumber: req.AccountNumber,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a method if callerID owns it.
func (s *Service) Get(ctx context.Context, callerID, id string) (*Method, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	return m, nil
}

// List returns the caller's saved methods.
func (s *Service) List(ctx context.Context, callerID string) ([]*Method, error) {
	return s.store.ListByOwner(ctx, callerID)
}

// Delete removes a method the caller owns. Orders that snapshotted it
// are unaffected.
func (s *Service) Delete(ctx context.Context, callerID, id string) error {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.OwnerID != callerID {
		return ErrNotOwner
	}
	return s.store.Delete(ctx, id)
}
