// Package recovery runs on-demand reconciliation sweeps over unfinished transactions and
// stale orders. Every operation is safe to run concurrently with the monitor and with itself.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrJamesThe3rd/iapkit/internal/actor"
	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/metrics"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/purchase"
	"github.com/MrJamesThe3rd/iapkit/internal/reconcile"
)

// Resolution is what happened to one transaction in a sweep.
type Resolution string

const (
	Recovered Resolution = "recovered"
	Orphaned  Resolution = "orphaned"
	Skipped   Resolution = "skipped"
	Unchanged Resolution = "unchanged"
)

// PurchaseTracker reports products with a purchase in progress. Sweeps leave their
// transactions and orders to the purchase that owns them.
type PurchaseTracker interface {
	InFlight(ctx context.Context, productID string) bool
}

type Options struct {
	// StaleAfter is the age past which a non-terminal order is re-checked with the back end.
	StaleAfter  time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	Now         func() time.Time
	Purchases   PurchaseTracker
}

// Report summarises one sweep.
type Report struct {
	Recovered []platform.Transaction
	Orphaned  []platform.Transaction
	Linked    []reconcile.Association
	Orders    []*order.Order
	Cleaned   []*order.Order
	Failures  int
}

func (r *Report) merge(o Report) {
	r.Recovered = append(r.Recovered, o.Recovered...)
	r.Orphaned = append(r.Orphaned, o.Orphaned...)
	r.Linked = append(r.Linked, o.Linked...)
	r.Orders = append(r.Orders, o.Orders...)
	r.Cleaned = append(r.Cleaned, o.Cleaned...)
	r.Failures += o.Failures
}

func (r Report) counts() metrics.RecoveryCounts {
	return metrics.RecoveryCounts{
		Transactions: len(r.Recovered),
		Orphaned:     len(r.Orphaned),
		Orders:       len(r.Orders),
		Cleaned:      len(r.Cleaned),
		Failures:     r.Failures,
	}
}

type Stats struct {
	Attempts              int
	TransactionsRecovered int
	OrphanedTransactions  int
	OrdersRecovered       int
	CleanupsPerformed     int
	Failures              int
	LastRun               time.Time
}

type Manager struct {
	orders    *order.Service
	adapter   platform.Adapter
	finalizer *purchase.Finalizer
	opts      Options

	loop  *actor.Loop
	stats Stats
}

func NewManager(orders *order.Service, adapter platform.Adapter, finalizer *purchase.Finalizer, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}

	return &Manager{
		orders:    orders,
		adapter:   adapter,
		finalizer: finalizer,
		opts:      opts,
		loop:      actor.New(),
	}
}

func (m *Manager) Close() {
	m.loop.Stop()
}

func (m *Manager) Stats(ctx context.Context) Stats {
	var s Stats

	_ = m.loop.Do(ctx, func() { s = m.stats })

	return s
}

func (m *Manager) ResetStats(ctx context.Context) {
	_ = m.loop.Do(ctx, func() { m.stats = Stats{} })
}

func (m *Manager) record(operation string, r Report) {
	m.opts.Metrics.ObserveRecovery(operation, r.counts())

	now := m.opts.Now()
	_ = m.loop.Exec(func() {
		m.stats.Attempts++
		m.stats.TransactionsRecovered += len(r.Recovered)
		m.stats.OrphanedTransactions += len(r.Orphaned)
		m.stats.OrdersRecovered += len(r.Orders)
		m.stats.CleanupsPerformed += len(r.Cleaned)
		m.stats.Failures += r.Failures
		m.stats.LastRun = now
	})
}

// retry runs fn until it succeeds, returns a non-retriable error or runs out of attempts.
// The delay doubles after every transient failure.
func (m *Manager) retry(ctx context.Context, fn func() error) error {
	delay := m.opts.Backoff

	var err error
	for attempt := 0; attempt < m.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			}

			delay *= 2
		}

		if err = fn(); err == nil || !apperr.Retriable(err) {
			return err
		}
	}

	return err
}

// Reconcile routes one completion transaction through the shared finalize path. A purchased
// transaction with a matching open order completes it; restored transactions and those
// with no order are finished as orphans.
func (m *Manager) Reconcile(ctx context.Context, tx platform.Transaction) (Resolution, error) {
	if !tx.IsCompletion() {
		return Unchanged, nil
	}

	if m.finalizer.IsFinalized(ctx, tx.ID) || m.inFlight(ctx, tx.ProductID) {
		return Skipped, nil
	}

	var match *order.Order

	if tx.State == platform.StatePurchased {
		err := m.retry(ctx, func() error {
			candidates, err := m.orders.FindPendingOrders(ctx, tx.ProductID)
			if err != nil {
				return err
			}

			match = reconcile.Match(candidates, tx)

			return nil
		})
		if err != nil {
			return Unchanged, fmt.Errorf("finding orders for transaction %s: %w", tx.ID, err)
		}
	}

	if match == nil {
		err := m.retry(ctx, func() error { return m.finalizer.FinalizeOrphan(ctx, tx) })
		if err != nil {
			return classify(err)
		}

		m.opts.Logger.Warn("orphaned transaction finished without an order",
			"transaction_id", tx.ID, "product_id", tx.ProductID, "state", tx.State)

		return Orphaned, nil
	}

	err := m.retry(ctx, func() error {
		_, err := m.finalizer.Finalize(ctx, tx, match)
		return err
	})
	if err != nil {
		return classify(err)
	}

	return Recovered, nil
}

func (m *Manager) inFlight(ctx context.Context, productID string) bool {
	return m.opts.Purchases != nil && m.opts.Purchases.InFlight(ctx, productID)
}

// classify turns a busy finalizer into a skip; another caller owns the transaction.
func classify(err error) (Resolution, error) {
	if errors.Is(err, purchase.ErrTransactionBusy) {
		return Skipped, nil
	}

	return Unchanged, err
}

func (m *Manager) pending(ctx context.Context) ([]platform.Transaction, error) {
	var txs []platform.Transaction

	err := m.retry(ctx, func() error {
		var err error
		txs, err = m.adapter.PendingTransactions(ctx)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing unfinished transactions: %w", err)
	}

	return txs, nil
}

// RecoverPendingTransactions finalizes every unfinished completion transaction. Failed
// transactions are finished without touching any order; deferred and in-progress ones are
// left to the platform.
func (m *Manager) RecoverPendingTransactions(ctx context.Context) (Report, error) {
	r, err := m.recoverPendingTransactions(ctx)
	m.record("pending_transactions", r)

	return r, err
}

func (m *Manager) recoverPendingTransactions(ctx context.Context) (Report, error) {
	var r Report

	txs, err := m.pending(ctx)
	if err != nil {
		r.Failures++
		return r, err
	}

	var errs []error

	for _, tx := range txs {
		if tx.State == platform.StateFailed {
			if err := m.retry(ctx, func() error { return m.finalizer.Finish(ctx, tx) }); err != nil {
				r.Failures++
				errs = append(errs, err)
			}

			continue
		}

		res, err := m.Reconcile(ctx, tx)
		if err != nil {
			m.opts.Logger.Warn("failed to recover transaction", "transaction_id", tx.ID, "product_id", tx.ProductID, "error", err)
			r.Failures++
			errs = append(errs, err)

			continue
		}

		switch res {
		case Recovered:
			r.Recovered = append(r.Recovered, tx)
		case Orphaned:
			r.Orphaned = append(r.Orphaned, tx)
		}
	}

	return r, errors.Join(errs...)
}

// RecoverPendingOrders settles stale open orders. Orders the back end has since settled are
// reported; those no unfinished transaction or running purchase could still pay are failed.
func (m *Manager) RecoverPendingOrders(ctx context.Context) (Report, error) {
	var r Report

	txs, err := m.pending(ctx)
	if err != nil {
		r.Failures++
		m.record("pending_orders", r)

		return r, err
	}

	active := func(o *order.Order) bool {
		if m.inFlight(ctx, o.ProductID) {
			return true
		}

		return slices.ContainsFunc(txs, func(tx platform.Transaction) bool {
			return tx.State != platform.StateFailed && reconcile.Eligible(o, tx)
		})
	}

	err = m.retry(ctx, func() error {
		var err error
		r.Orders, err = m.orders.RecoverPendingOrders(ctx, m.opts.StaleAfter, active)

		return err
	})
	if err != nil {
		r.Failures++
	}

	m.record("pending_orders", r)

	return r, err
}

// CleanupExpiredOrders fails expired orders that never received a transaction.
func (m *Manager) CleanupExpiredOrders(ctx context.Context) (Report, error) {
	var r Report

	cleaned, err := m.orders.CleanupExpiredOrders(ctx)
	r.Cleaned = cleaned

	if err != nil {
		r.Failures++
	}

	m.record("cleanup_expired_orders", r)

	return r, err
}

// RecoverOrderTransactionAssociations links unfinished purchased transactions to the open
// orders they belong to without finalizing either side.
func (m *Manager) RecoverOrderTransactionAssociations(ctx context.Context) (Report, error) {
	r, err := m.recoverAssociations(ctx)
	m.record("associations", r)

	return r, err
}

func (m *Manager) recoverAssociations(ctx context.Context) (Report, error) {
	var r Report

	txs, err := m.pending(ctx)
	if err != nil {
		r.Failures++
		return r, err
	}

	byProduct := make(map[string][]platform.Transaction)
	for _, tx := range txs {
		if tx.State == platform.StatePurchased {
			byProduct[tx.ProductID] = append(byProduct[tx.ProductID], tx)
		}
	}

	var errs []error

	for productID, group := range byProduct {
		candidates, err := m.orders.FindPendingOrders(ctx, productID)
		if err != nil {
			r.Failures++
			errs = append(errs, err)

			continue
		}

		pairs, _ := reconcile.Pair(candidates, group)

		for _, p := range pairs {
			if p.Order.TransactionID == p.Transaction.ID {
				continue
			}

			linked, err := m.orders.LinkTransaction(ctx, p.Order.ID, p.Transaction.ID, p.Transaction.ProductID)
			if err != nil {
				m.opts.Logger.Warn("failed to link order", "order_id", p.Order.ID, "transaction_id", p.Transaction.ID, "error", err)
				r.Failures++
				errs = append(errs, err)

				continue
			}

			r.Linked = append(r.Linked, reconcile.Association{Order: linked, Transaction: p.Transaction})
		}
	}

	return r, errors.Join(errs...)
}

// RecoverOrphanedTransactions finishes unfinished completion transactions that no open order
// can claim and returns them for audit. Transactions with a matching order are left for
// RecoverPendingTransactions.
func (m *Manager) RecoverOrphanedTransactions(ctx context.Context) (Report, error) {
	r, err := m.recoverOrphans(ctx)
	m.record("orphaned_transactions", r)

	return r, err
}

func (m *Manager) recoverOrphans(ctx context.Context) (Report, error) {
	var r Report

	txs, err := m.pending(ctx)
	if err != nil {
		r.Failures++
		return r, err
	}

	var errs []error

	for _, tx := range txs {
		if !tx.IsCompletion() {
			continue
		}

		if tx.State == platform.StatePurchased {
			candidates, err := m.orders.FindPendingOrders(ctx, tx.ProductID)
			if err != nil {
				r.Failures++
				errs = append(errs, err)

				continue
			}

			if reconcile.Match(candidates, tx) != nil {
				continue
			}
		}

		res, err := classify(m.retry(ctx, func() error { return m.finalizer.FinalizeOrphan(ctx, tx) }))
		if err != nil {
			r.Failures++
			errs = append(errs, err)

			continue
		}

		if res == Skipped {
			continue
		}

		r.Orphaned = append(r.Orphaned, tx)
	}

	return r, errors.Join(errs...)
}

// RecoverAll runs every sweep in dependency order. A failing step never stops later ones.
func (m *Manager) RecoverAll(ctx context.Context) (Report, error) {
	var (
		total Report
		errs  []error
	)

	steps := []func(context.Context) (Report, error){
		m.RecoverOrderTransactionAssociations,
		m.RecoverPendingTransactions,
		m.RecoverPendingOrders,
		m.CleanupExpiredOrders,
	}

	for _, step := range steps {
		r, err := step(ctx)
		total.merge(r)

		if err != nil {
			errs = append(errs, err)
		}
	}

	m.opts.Logger.Info("recovery sweep finished",
		"recovered", len(total.Recovered), "orphaned", len(total.Orphaned), "linked", len(total.Linked),
		"orders", len(total.Orders), "cleaned", len(total.Cleaned), "failures", total.Failures)

	return total, errors.Join(errs...)
}
