// Package platform defines the capability interface over the native purchasing subsystem.
// The core never branches on which backend is active; one is chosen at startup with Select.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
)

// State is the platform's view of a payment.
type State string

const (
	StatePurchasing State = "purchasing"
	StatePurchased  State = "purchased"
	StateFailed     State = "failed"
	StateRestored   State = "restored"
	StateDeferred   State = "deferred"
)

// Transaction is the platform's record of a payment event. The core only reads it;
// its one mutation right is Adapter.FinishTransaction.
type Transaction struct {
	ID                    string
	ProductID             string
	PurchaseDate          time.Time
	State                 State
	Err                   error // set when State is StateFailed
	Receipt               []byte
	OriginalTransactionID string
	Quantity              int
}

// IsCompletion reports whether tx signals a paid purchase that must be finalized.
func (tx Transaction) IsCompletion() bool {
	return tx.State == StatePurchased || tx.State == StateRestored
}

// ResultStatus is the non-error outcome of a purchase request.
type ResultStatus string

const (
	ResultSuccess   ResultStatus = "success"
	ResultPending   ResultStatus = "pending"
	ResultCancelled ResultStatus = "cancelled"
)

// Result is what Adapter.Purchase returns when the request did not fail.
// Transaction is nil for cancelled results and may be nil for pending ones.
type Result struct {
	Status      ResultStatus
	Transaction *Transaction
}

// Observer receives transaction updates one at a time, in delivery order.
type Observer func(tx Transaction)

// Adapter executes purchasing operations against one native backend.
type Adapter interface {
	Variant() Variant
	LoadProducts(ctx context.Context, ids []string) ([]product.Product, error)
	Purchase(ctx context.Context, p product.Product) (Result, error)
	RestorePurchases(ctx context.Context) ([]Transaction, error)
	// StartTransactionObserver registers observe for every transaction update until
	// StopTransactionObserver. At most one observer is registered at a time.
	StartTransactionObserver(observe Observer) error
	StopTransactionObserver()
	PendingTransactions(ctx context.Context) ([]Transaction, error)
	// FinishTransaction acknowledges tx. Finishing an already finished transaction is a no-op.
	FinishTransaction(ctx context.Context, tx Transaction) error
}

var (
	ErrPurchaseCancelled    = apperr.New(apperr.KindUserCancelled, "purchase_cancelled", "purchase cancelled by user")
	ErrPaymentNotAllowed    = apperr.New(apperr.KindTerminalPolicy, "payment_not_allowed", "payments are not allowed on this device")
	ErrProductUnavailable   = apperr.New(apperr.KindNotFound, "product_unavailable", "product unavailable")
	ErrTransactionNotFound  = apperr.New(apperr.KindNotFound, "transaction_not_found", "transaction not found")
	ErrObserverRegistered   = apperr.New(apperr.KindConflict, "observer_registered", "transaction observer already registered")
	ErrRestoreInProgress    = apperr.New(apperr.KindConflict, "restore_in_progress", "restore already in progress")
	ErrStoreUnavailable     = apperr.New(apperr.KindTransient, "store_unavailable", "store unavailable")
	ErrUnsupportedVariant   = apperr.New(apperr.KindValidation, "unsupported_variant", "unsupported platform variant")
	ErrVerificationRejected = apperr.New(apperr.KindValidation, "verification_rejected", "platform rejected transaction verification")
)

// Variant names a backend generation.
type Variant string

const (
	VariantAuto   Variant = "auto"
	VariantLegacy Variant = "legacy"
	VariantModern Variant = "modern"
)

// Capabilities is what startup detection learned about the device.
type Capabilities struct {
	AsyncStore bool
}

// Select picks the adapter once. VariantAuto prefers the modern backend when the device
// supports it. Constructors are only called for the chosen variant.
func Select(want Variant, caps Capabilities, legacy, modern func() Adapter) (Adapter, error) {
	switch want {
	case VariantAuto, "":
		if caps.AsyncStore && modern != nil {
			return modern(), nil
		}

		if legacy != nil {
			return legacy(), nil
		}
	case VariantModern:
		if modern != nil && caps.AsyncStore {
			return modern(), nil
		}
	case VariantLegacy:
		if legacy != nil {
			return legacy(), nil
		}
	}

	return nil, apperr.Wrap(ErrUnsupportedVariant, fmt.Errorf("%q", want))
}
