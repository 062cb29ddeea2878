package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
)

type OrderLookup interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error)
}

// ReplayGuard binds each transaction id to the first order that validated it.
type ReplayGuard interface {
	// Claim records orderID as the owner of transactionID if it has none and returns the owner.
	Claim(ctx context.Context, transactionID string, orderID uuid.UUID) (uuid.UUID, error)
}

// Verifier is the authority side of validation: it holds the signing key and the order
// records, so it can vouch for authenticity and for the receipt-to-order product match.
type Verifier struct {
	key    []byte
	orders OrderLookup
	guard  ReplayGuard
	now    func() time.Time
}

func NewVerifier(key []byte, orders OrderLookup, guard ReplayGuard) *Verifier {
	return &Verifier{key: key, orders: orders, guard: guard, now: time.Now}
}

var _ Authority = (*Verifier)(nil)

// Validate returns a Result with Valid=false for receipts that are authentic but unacceptable,
// and an error for everything the caller should classify (mismatch, expiry, replay, lookups).
func (v *Verifier) Validate(ctx context.Context, req Request) (*Result, error) {
	c, err := Parse(req.Receipt, v.key)
	if err != nil {
		return &Result{Err: err}, err
	}

	res := resultFromClaims(c)

	if req.OrderID == nil {
		return res, nil
	}

	o, err := v.orders.GetOrder(ctx, *req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", *req.OrderID, err)
	}

	if c.ProductID != o.ProductID {
		return nil, apperr.Wrap(order.ErrMismatch, fmt.Errorf("receipt is for %q, order %s is for %q", c.ProductID, o.ID, o.ProductID))
	}

	if o.Status == order.StatusCompleted && o.TransactionID != c.TransactionID {
		return nil, apperr.Wrap(order.ErrAlreadyCompleted, fmt.Errorf("order %s", o.ID))
	}

	if o.TransactionID != c.TransactionID && o.IsExpired(c.PurchaseTime()) {
		return nil, apperr.Wrap(order.ErrExpired, fmt.Errorf("order %s expired before purchase", o.ID))
	}

	if v.guard != nil {
		owner, err := v.guard.Claim(ctx, c.TransactionID, o.ID)
		if err != nil {
			return nil, fmt.Errorf("claiming transaction %s: %w", c.TransactionID, err)
		}

		if owner != o.ID {
			return nil, apperr.Wrap(ErrReplayed, fmt.Errorf("transaction %s belongs to order %s", c.TransactionID, owner))
		}
	}

	return res, nil
}
