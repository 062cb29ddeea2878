// Package purchase drives single purchase attempts to a terminal outcome and owns the
// finalize path shared with the transaction monitor and the recovery manager.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/metrics"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
)

var (
	ErrConcurrentPurchase = apperr.New(apperr.KindConflict, "concurrent_purchase", "a purchase for this product is already in progress")
	ErrMissingTransaction = apperr.New(apperr.KindUnknown, "missing_transaction", "platform reported success without a transaction")
)

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

type Orchestrator struct {
	orders    *order.Service
	adapter   platform.Adapter
	validator *receipt.Validator
	finalizer *Finalizer
	guard     *inflight
	metrics   *metrics.Registry
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(orders *order.Service, adapter platform.Adapter, validator *receipt.Validator, finalizer *Finalizer, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		orders:    orders,
		adapter:   adapter,
		validator: validator,
		finalizer: finalizer,
		guard:     newInflight(),
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Close stops the in-flight guard. Purchases started afterwards fail.
func (o *Orchestrator) Close() {
	o.guard.stop()
}

// Purchase runs one attempt for p: create the order, pay, validate and finalize. At most one
// attempt per product id runs at a time; a second concurrent call fails immediately with
// ErrConcurrentPurchase. The guard is released on every return path.
func (o *Orchestrator) Purchase(ctx context.Context, p product.Product, userInfo map[string]string) Outcome {
	start := o.now()

	out := o.purchase(ctx, p, userInfo)
	o.metrics.ObservePurchase(out.Name(), o.now().Sub(start))
	o.report(p, out)

	return out
}

func (o *Orchestrator) purchase(ctx context.Context, p product.Product, userInfo map[string]string) Outcome {
	acquired, err := o.guard.acquire(ctx, p.ID)
	if err != nil {
		return &Failed{Err: fmt.Errorf("acquiring purchase guard: %w", err)}
	}

	if !acquired {
		return &Failed{Err: apperr.Wrap(ErrConcurrentPurchase, fmt.Errorf("product %q", p.ID))}
	}
	defer o.guard.release(p.ID)

	ord, err := o.orders.CreateOrder(ctx, p, userInfo)
	if err != nil {
		return &Failed{Err: err}
	}

	res, err := o.adapter.Purchase(ctx, p)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUserCancelled {
			return o.cancel(ctx, ord)
		}

		return o.fail(ctx, ord, fmt.Errorf("purchasing %q: %w", p.ID, err))
	}

	switch res.Status {
	case platform.ResultCancelled:
		return o.cancel(ctx, ord)
	case platform.ResultPending:
		return o.pend(ctx, ord, res.Transaction)
	case platform.ResultSuccess:
	default:
		return o.fail(ctx, ord, apperr.Wrap(apperr.ErrUnknown, fmt.Errorf("purchase result %q", res.Status)))
	}

	if res.Transaction == nil {
		return o.fail(ctx, ord, apperr.Wrap(ErrMissingTransaction, fmt.Errorf("product %q", p.ID)))
	}

	tx := *res.Transaction

	completed, err := o.finalize(ctx, tx, ord)
	if err != nil {
		return &Failed{Err: err, Order: completed}
	}

	return &Success{Transaction: tx, Order: completed}
}

// finalize settles tx for ord. A sweep holding tx is waited out and its result read back.
func (o *Orchestrator) finalize(ctx context.Context, tx platform.Transaction, ord *order.Order) (*order.Order, error) {
	for {
		completed, err := o.finalizer.Finalize(ctx, tx, ord)
		if !errors.Is(err, ErrTransactionBusy) {
			return completed, err
		}

		o.logger.Debug("transaction held by another finalizer, waiting", "order_id", ord.ID, "transaction_id", tx.ID)

		if err := o.finalizer.await(ctx, tx.ID); err != nil {
			return ord, fmt.Errorf("waiting for transaction %s: %w", tx.ID, err)
		}
	}
}

func (o *Orchestrator) cancel(ctx context.Context, ord *order.Order) Outcome {
	cancelled, err := o.orders.CancelOrder(ctx, ord.ID)
	if err != nil {
		o.logger.Warn("failed to cancel order", "order_id", ord.ID, "error", err)
		return &Cancelled{Order: ord}
	}

	return &Cancelled{Order: cancelled}
}

func (o *Orchestrator) pend(ctx context.Context, ord *order.Order, tx *platform.Transaction) Outcome {
	pending, err := o.orders.MarkPending(ctx, ord.ID)
	if err != nil {
		o.logger.Warn("failed to mark order pending", "order_id", ord.ID, "error", err)
		return &Pending{Transaction: tx, Order: ord}
	}

	if tx == nil {
		return &Pending{Order: pending}
	}

	// The approval may land after the order expires; the link keeps it payable.
	linked, err := o.orders.LinkTransaction(ctx, pending.ID, tx.ID, tx.ProductID)
	if err != nil {
		o.logger.Warn("failed to link deferred transaction", "order_id", pending.ID, "transaction_id", tx.ID, "error", err)
		return &Pending{Transaction: tx, Order: pending}
	}

	return &Pending{Transaction: tx, Order: linked}
}

// fail marks ord failed unless the caller abandoned the attempt, in which case the order is
// left for a recovery sweep.
func (o *Orchestrator) fail(ctx context.Context, ord *order.Order, cause error) Outcome {
	if ctx.Err() != nil {
		return &Failed{Err: cause, Order: ord}
	}

	failed, err := o.orders.FailOrder(ctx, ord.ID)
	if err != nil {
		o.logger.Warn("failed to mark order failed", "order_id", ord.ID, "cause", cause, "error", err)
		return &Failed{Err: cause, Order: ord}
	}

	return &Failed{Err: cause, Order: failed}
}

func (o *Orchestrator) report(p product.Product, out Outcome) {
	switch v := out.(type) {
	case *Success:
		o.logger.Info("purchase completed", "product_id", p.ID, "order_id", v.Order.ID, "transaction_id", v.Transaction.ID)
	case *Pending:
		o.logger.Info("purchase pending approval", "product_id", p.ID, "order_id", v.Order.ID)
	case *Cancelled:
		o.logger.Info("purchase cancelled by user", "product_id", p.ID)
	case *Failed:
		attrs := []any{"product_id", p.ID, "kind", apperr.KindOf(v.Err), "error", v.Err}
		if v.Order != nil {
			attrs = append(attrs, "order_id", v.Order.ID, "order_status", v.Order.Status)
		}

		if apperr.KindOf(v.Err) == apperr.KindUnknown {
			o.logger.Error("purchase failed", attrs...)
			return
		}

		o.logger.Warn("purchase failed", attrs...)
	}
}

// RestorePurchases asks the platform to replay past purchases. Restored transactions carry
// no order; the monitor and recovery manager reconcile them.
func (o *Orchestrator) RestorePurchases(ctx context.Context) ([]platform.Transaction, error) {
	txs, err := o.adapter.RestorePurchases(ctx)
	if err != nil {
		return nil, fmt.Errorf("restoring purchases: %w", err)
	}

	return txs, nil
}

// FinishTransaction acknowledges tx. Calling it again for the same transaction is a no-op.
func (o *Orchestrator) FinishTransaction(ctx context.Context, tx platform.Transaction) error {
	if err := o.finalizer.Finish(ctx, tx); err != nil {
		return fmt.Errorf("finishing transaction %s: %w", tx.ID, err)
	}

	return nil
}

// ValidateReceipt validates data against ord, or without order context when ord is nil.
func (o *Orchestrator) ValidateReceipt(ctx context.Context, data []byte, ord *order.Order) (*receipt.Result, error) {
	return o.validator.Validate(ctx, data, ord)
}

// InFlight reports whether a purchase for productID is currently running.
func (o *Orchestrator) InFlight(ctx context.Context, productID string) bool {
	return o.guard.contains(ctx, productID)
}

// Active returns the number of purchases currently running.
func (o *Orchestrator) Active(ctx context.Context) int {
	return o.guard.len(ctx)
}
