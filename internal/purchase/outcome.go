package purchase

import (
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
)

// Outcome is the terminal result of one purchase attempt. It is one of
// *Success, *Pending, *Cancelled or *Failed; switch on the concrete type.
type Outcome interface {
	outcome()
	Name() string
}

// Success carries the finalized transaction and the completed order.
type Success struct {
	Transaction platform.Transaction
	Order       *order.Order
}

// Pending means the platform deferred approval. The transaction is left unfinished for the monitor.
type Pending struct {
	Transaction *platform.Transaction
	Order       *order.Order
}

// Cancelled is a user-initiated abandonment. It is not an error and is never retried.
type Cancelled struct {
	Order *order.Order
}

// Failed carries the classified cause. Order is nil when the failure happened before the
// order existed.
type Failed struct {
	Err   error
	Order *order.Order
}

func (*Success) outcome()   {}
func (*Pending) outcome()   {}
func (*Cancelled) outcome() {}
func (*Failed) outcome()    {}

func (*Success) Name() string   { return "success" }
func (*Pending) Name() string   { return "pending" }
func (*Cancelled) Name() string { return "cancelled" }
func (*Failed) Name() string    { return "failed" }

func (f *Failed) Error() string { return f.Err.Error() }
func (f *Failed) Unwrap() error { return f.Err }

// Err returns the failure cause of o, or nil for every non-failed outcome.
func Err(o Outcome) error {
	if f, ok := o.(*Failed); ok {
		return f.Err
	}

	return nil
}
