package purchase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrJamesThe3rd/iapkit/internal/actor"
	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
)

var ErrTransactionBusy = apperr.New(apperr.KindConflict, "transaction_busy", "transaction is being finalized elsewhere")

// Finalizer is the one code path that marks an order terminal and finishes its transaction.
// The orchestrator, the monitor and the recovery manager all go through it, and it claims
// each transaction id for the duration of the work so two callers never finalize the same
// transaction at once.
type Finalizer struct {
	orders     *order.Service
	validator  *receipt.Validator
	adapter    platform.Adapter
	autoFinish bool
	logger     *slog.Logger

	loop      *actor.Loop
	claimed   map[string]chan struct{}
	finalized map[string]struct{}
	finished  map[string]struct{}
}

type FinalizerOptions struct {
	// AutoFinish finishes transactions once their order completes. When false the caller
	// owns finishing.
	AutoFinish bool
	Logger     *slog.Logger
}

func NewFinalizer(orders *order.Service, validator *receipt.Validator, adapter platform.Adapter, opts FinalizerOptions) *Finalizer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Finalizer{
		orders:     orders,
		validator:  validator,
		adapter:    adapter,
		autoFinish: opts.AutoFinish,
		logger:     opts.Logger,
		loop:       actor.New(),
		claimed:    make(map[string]chan struct{}),
		finalized:  make(map[string]struct{}),
		finished:   make(map[string]struct{}),
	}
}

func (f *Finalizer) Close() {
	f.loop.Stop()
}

// claim marks id as in progress. It fails with ErrTransactionBusy if another caller holds
// it and reports done=true if id was already finalized.
func (f *Finalizer) claim(ctx context.Context, id string) (done bool, err error) {
	var busy bool

	if err := f.loop.Do(ctx, func() {
		if _, ok := f.finalized[id]; ok {
			done = true
			return
		}

		if _, ok := f.claimed[id]; ok {
			busy = true
			return
		}

		f.claimed[id] = make(chan struct{})
	}); err != nil {
		return false, err
	}

	if busy {
		return false, apperr.Wrap(ErrTransactionBusy, fmt.Errorf("transaction %s", id))
	}

	return done, nil
}

func (f *Finalizer) release(id string, finalized bool) {
	_ = f.loop.Exec(func() {
		if ch, ok := f.claimed[id]; ok {
			close(ch)
			delete(f.claimed, id)
		}

		if finalized {
			f.finalized[id] = struct{}{}
		}
	})
}

// await blocks until the current holder of id releases it. It returns at once when id is free.
func (f *Finalizer) await(ctx context.Context, id string) error {
	var held chan struct{}

	if err := f.loop.Do(ctx, func() { held = f.claimed[id] }); err != nil {
		return err
	}

	if held == nil {
		return nil
	}

	select {
	case <-held:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsFinalized reports whether this process already finalized id.
func (f *Finalizer) IsFinalized(ctx context.Context, id string) bool {
	var ok bool

	_ = f.loop.Do(ctx, func() { _, ok = f.finalized[id] })

	return ok
}

// Finish acknowledges tx with the platform once. Repeated calls are no-ops.
func (f *Finalizer) Finish(ctx context.Context, tx platform.Transaction) error {
	var seen bool

	if err := f.loop.Do(ctx, func() { _, seen = f.finished[tx.ID] }); err != nil {
		return err
	}

	if seen {
		return nil
	}

	if err := f.adapter.FinishTransaction(ctx, tx); err != nil {
		return err
	}

	_ = f.loop.Exec(func() { f.finished[tx.ID] = struct{}{} })

	return nil
}

// Finalize validates tx against o, completes o and finishes tx. On a non-retriable failure
// the order is failed and tx is left unfinished for recovery; on a transient failure both are
// left as they are. Re-finalizing a completed pair is a no-op that still finishes tx; a tx
// already finalized for another order fails with order.ErrMismatch.
func (f *Finalizer) Finalize(ctx context.Context, tx platform.Transaction, o *order.Order) (*order.Order, error) {
	done, err := f.claim(ctx, tx.ID)
	if err != nil {
		return o, err
	}

	if done {
		return f.settled(ctx, tx, o)
	}

	completed, err := f.finalize(ctx, tx, o)
	f.release(tx.ID, err == nil)

	return completed, err
}

func (f *Finalizer) finalize(ctx context.Context, tx platform.Transaction, o *order.Order) (*order.Order, error) {
	if o.Status == order.StatusCompleted && o.TransactionID == tx.ID {
		return o, f.finishIfAuto(ctx, tx)
	}

	if tx.ProductID != o.ProductID {
		err := apperr.Wrap(order.ErrMismatch, fmt.Errorf("transaction %s is for %q, order %s is for %q", tx.ID, tx.ProductID, o.ID, o.ProductID))
		return f.reject(ctx, o, tx, err)
	}

	linked, err := f.orders.LinkTransaction(ctx, o.ID, tx.ID, tx.ProductID)
	if err != nil {
		return f.reject(ctx, o, tx, err)
	}

	// Another process may have completed the pair since o was read.
	if linked.Status == order.StatusCompleted {
		return linked, f.finishIfAuto(ctx, tx)
	}

	res, err := f.validator.Validate(ctx, tx.Receipt, linked)
	if err != nil {
		return f.reject(ctx, linked, tx, err)
	}

	if err := matchReceipt(res, tx); err != nil {
		return f.reject(ctx, linked, tx, err)
	}

	completed, err := f.orders.CompleteOrder(ctx, linked.ID)
	if err != nil {
		return linked, fmt.Errorf("completing order %s: %w", linked.ID, err)
	}

	if err := f.finishIfAuto(ctx, tx); err != nil {
		return completed, err
	}

	return completed, nil
}

// settled returns o as completed by tx, once tx was finalized by an earlier call.
func (f *Finalizer) settled(ctx context.Context, tx platform.Transaction, o *order.Order) (*order.Order, error) {
	current, err := f.orders.GetOrder(ctx, o.ID)
	if err != nil {
		return o, err
	}

	if current.Status != order.StatusCompleted || current.TransactionID != tx.ID {
		return current, apperr.Wrap(order.ErrMismatch, fmt.Errorf("transaction %s was finalized without order %s", tx.ID, o.ID))
	}

	return current, nil
}

// matchReceipt rejects a receipt that proves a purchase other than tx.
func matchReceipt(res *receipt.Result, tx platform.Transaction) error {
	for _, c := range res.Transactions {
		if c.TransactionID != tx.ID {
			return apperr.Wrap(order.ErrMismatch, fmt.Errorf("receipt is for transaction %s, not %s", c.TransactionID, tx.ID))
		}
	}

	return nil
}

func (f *Finalizer) finishIfAuto(ctx context.Context, tx platform.Transaction) error {
	if !f.autoFinish {
		return nil
	}

	if err := f.Finish(ctx, tx); err != nil {
		return fmt.Errorf("finishing transaction %s: %w", tx.ID, err)
	}

	return nil
}

// reject fails o for non-retriable errors. The transaction is never finished here.
func (f *Finalizer) reject(ctx context.Context, o *order.Order, tx platform.Transaction, cause error) (*order.Order, error) {
	if apperr.Retriable(cause) || ctx.Err() != nil || o.Status.IsTerminal() {
		return o, cause
	}

	failed, err := f.orders.FailOrder(ctx, o.ID)
	if err != nil {
		f.logger.Warn("failed to mark order failed",
			"order_id", o.ID, "transaction_id", tx.ID, "cause", cause, "error", err)

		return o, cause
	}

	return failed, cause
}

// FinalizeOrphan finishes a paid transaction that has no discoverable order. No order is
// touched; the caller is expected to surface tx for external reconciliation.
func (f *Finalizer) FinalizeOrphan(ctx context.Context, tx platform.Transaction) error {
	done, err := f.claim(ctx, tx.ID)
	if err != nil {
		return err
	}

	if done {
		return nil
	}

	err = f.Finish(ctx, tx)
	f.release(tx.ID, err == nil)

	if err != nil {
		return fmt.Errorf("finishing orphaned transaction %s: %w", tx.ID, err)
	}

	return nil
}
