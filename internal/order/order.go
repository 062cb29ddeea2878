package order

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
)

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// CanTransition reports whether from -> to is an edge of
// created -> pending -> {completed | failed | cancelled}.
// created may also jump straight to a terminal state.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusPending || to.IsTerminal()
	case StatusPending:
		return to.IsTerminal()
	}

	return false
}

var (
	ErrNotFound          = apperr.New(apperr.KindNotFound, "order_not_found", "order not found")
	ErrAlreadyCompleted  = apperr.New(apperr.KindConflict, "order_already_completed", "order already completed")
	ErrAlreadyCancelled  = apperr.New(apperr.KindConflict, "order_already_cancelled", "order already cancelled")
	ErrAlreadyFailed     = apperr.New(apperr.KindConflict, "order_already_failed", "order already failed")
	ErrInvalidTransition = apperr.New(apperr.KindValidation, "invalid_order_transition", "invalid order status transition")
	ErrExpired           = apperr.New(apperr.KindTerminalPolicy, "order_expired", "order expired")
	ErrMismatch          = apperr.New(apperr.KindConflict, "order_mismatch", "order does not match transaction")
	ErrMalformed         = apperr.New(apperr.KindValidation, "order_malformed", "malformed order")
)

// TerminalError returns the conflict error for an order that is already in status s.
func TerminalError(s Status) *apperr.Error {
	switch s {
	case StatusCompleted:
		return ErrAlreadyCompleted
	case StatusCancelled:
		return ErrAlreadyCancelled
	default:
		return ErrAlreadyFailed
	}
}

// Order represents a server-anchored intent to purchase one product.
type Order struct {
	ID            uuid.UUID
	ProductID     string
	ServerOrderID string
	TransactionID string
	UserInfo      map[string]string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     *time.Time
	ExpiresAt     *time.Time
}

// IsExpired reports whether the order's expiry is at or before now.
func (o *Order) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Clone returns a deep copy so callers never share a mutable Order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}

	c := *o

	if o.UserInfo != nil {
		c.UserInfo = make(map[string]string, len(o.UserInfo))
		for k, v := range o.UserInfo {
			c.UserInfo[k] = v
		}
	}

	if o.UpdatedAt != nil {
		c.UpdatedAt = new(*o.UpdatedAt)
	}

	if o.ExpiresAt != nil {
		c.ExpiresAt = new(*o.ExpiresAt)
	}

	return &c
}
