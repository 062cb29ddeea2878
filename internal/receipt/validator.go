package receipt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
)

// Result is the outcome of one validation call. It is not persisted.
type Result struct {
	Valid        bool
	Transactions []Claims
	Err          error
	Environment  Environment
	CreatedAt    time.Time
	AppVersion   string
}

type Request struct {
	Receipt []byte
	// OrderID is nil for orderless validation (restorations, legacy flows).
	OrderID *uuid.UUID
}

//go:generate mockgen -source=validator.go -destination=authority_mock.go -package=receipt
type Authority interface {
	Validate(ctx context.Context, req Request) (*Result, error)
}

type Options struct {
	// Key verifies signatures locally. Nil limits local validation to structure.
	Key []byte
	Now func() time.Time
}

// Validator offers local structural validation and order-aware remote validation.
type Validator struct {
	authority Authority
	key       []byte
	now       func() time.Time
}

// NewValidator returns a Validator. A nil authority restricts it to local validation.
func NewValidator(authority Authority, opts Options) *Validator {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Validator{authority: authority, key: opts.Key, now: opts.Now}
}

func resultFromClaims(c *Claims) *Result {
	r := &Result{
		Valid:        true,
		Transactions: []Claims{*c},
		Environment:  c.Environment,
		AppVersion:   c.AppVersion,
	}

	if c.IssuedAt != nil {
		r.CreatedAt = c.IssuedAt.Time
	}

	return r
}

// ValidateLocal checks receipt structure without any network call. It is not sufficient
// on its own for high-value products.
func (v *Validator) ValidateLocal(data []byte) (*Result, error) {
	c, err := Parse(data, v.key)
	if err != nil {
		return &Result{Err: err}, err
	}

	return resultFromClaims(c), nil
}

// Validate checks data against o. With a nil order it falls back to orderless validation.
// Completed and otherwise terminal orders fail fast. A receipt for another product fails with
// order.ErrMismatch, and one purchased after the order expired fails with order.ErrExpired unless
// the order was already linked to that transaction.
func (v *Validator) Validate(ctx context.Context, data []byte, o *order.Order) (*Result, error) {
	if o == nil {
		return v.validateOrderless(ctx, data)
	}

	if err := checkStatus(o); err != nil {
		return &Result{Err: err}, err
	}

	local, err := v.ValidateLocal(data)
	if err != nil {
		return local, err
	}

	if err := v.matchOrder(local, o); err != nil {
		return &Result{Err: err}, err
	}

	if v.authority == nil {
		return local, nil
	}

	remote, err := v.authority.Validate(ctx, Request{Receipt: data, OrderID: &o.ID})
	if err != nil {
		return &Result{Err: err}, fmt.Errorf("validating receipt for order %s: %w", o.ID, err)
	}

	if !remote.Valid {
		err := apperr.Wrap(ErrRejected, remote.Err)
		return &Result{Err: err}, err
	}

	if err := v.matchOrder(remote, o); err != nil {
		return &Result{Err: err}, err
	}

	return remote, nil
}

func (v *Validator) validateOrderless(ctx context.Context, data []byte) (*Result, error) {
	local, err := v.ValidateLocal(data)
	if err != nil || v.authority == nil {
		return local, err
	}

	remote, err := v.authority.Validate(ctx, Request{Receipt: data})
	if err != nil {
		return &Result{Err: err}, fmt.Errorf("validating receipt: %w", err)
	}

	if !remote.Valid {
		err := apperr.Wrap(ErrRejected, remote.Err)
		return &Result{Err: err}, err
	}

	return remote, nil
}

func checkStatus(o *order.Order) error {
	switch {
	case o.Status == order.StatusCompleted:
		return apperr.Wrap(order.ErrAlreadyCompleted, fmt.Errorf("order %s", o.ID))
	case o.Status.IsTerminal():
		return apperr.Wrap(order.TerminalError(o.Status), fmt.Errorf("order %s", o.ID))
	}

	return nil
}

// matchOrder checks every transaction in r against o. Expiry is judged at purchase time, so a
// receipt validated late for an order paid in time still passes.
func (v *Validator) matchOrder(r *Result, o *order.Order) error {
	if len(r.Transactions) == 0 {
		return apperr.Wrap(ErrInvalidFormat, errors.New("receipt carries no transaction"))
	}

	for _, c := range r.Transactions {
		if c.ProductID != o.ProductID {
			return apperr.Wrap(order.ErrMismatch, fmt.Errorf("receipt transaction %s is for %q, order %s is for %q", c.TransactionID, c.ProductID, o.ID, o.ProductID))
		}

		if o.TransactionID != "" && o.TransactionID == c.TransactionID {
			continue
		}

		purchased := c.PurchaseTime()
		if c.PurchaseDate == 0 {
			purchased = v.now()
		}

		if o.IsExpired(purchased) {
			return apperr.Wrap(order.ErrExpired, fmt.Errorf("order %s expired at %s, transaction %s purchased at %s",
				o.ID, o.ExpiresAt.Format(time.RFC3339), c.TransactionID, purchased.Format(time.RFC3339)))
		}
	}

	return nil
}
