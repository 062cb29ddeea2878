// Package legacy adapts the callback-based payment queue API to platform.Adapter.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
)

// QueueObserver receives payment queue callbacks. Callbacks may arrive on any goroutine.
type QueueObserver interface {
	UpdatedTransactions(txs []platform.Transaction)
	RestoreCompletedTransactionsFinished(err error)
}

// PaymentQueue is the callback-based purchasing API.
type PaymentQueue interface {
	RequestProducts(ids []string, completion func([]product.Product, error))
	AddPayment(productID string, quantity int)
	RestoreCompletedTransactions()
	FinishTransaction(transactionID string) error
	// Transactions returns every unfinished transaction in the queue.
	Transactions() []platform.Transaction
	AddObserver(o QueueObserver)
	RemoveObserver(o QueueObserver)
}

const dispatchBuffer = 64

type Adapter struct {
	queue PaymentQueue

	mu      sync.Mutex
	waiters map[string][]chan platform.Transaction
	restore *restoreRun
	updates chan platform.Transaction

	// sendMu is held shared while forwarding to updates and exclusively while closing it.
	sendMu   sync.RWMutex
	dispatch sync.WaitGroup
}

type restoreRun struct {
	txs  []platform.Transaction
	done chan error
}

// New registers the adapter as an observer of queue for its whole lifetime; purchase
// completions arrive through the same callbacks the transaction observer uses.
func New(queue PaymentQueue) *Adapter {
	a := &Adapter{
		queue:   queue,
		waiters: make(map[string][]chan platform.Transaction),
	}
	queue.AddObserver(a)

	return a
}

var (
	_ platform.Adapter = (*Adapter)(nil)
	_ QueueObserver    = (*Adapter)(nil)
)

// Close detaches the adapter from its queue.
func (a *Adapter) Close() {
	a.StopTransactionObserver()
	a.queue.RemoveObserver(a)
}

func (a *Adapter) Variant() platform.Variant { return platform.VariantLegacy }

func (a *Adapter) LoadProducts(ctx context.Context, ids []string) ([]product.Product, error) {
	type response struct {
		products []product.Product
		err      error
	}

	ch := make(chan response, 1)
	a.queue.RequestProducts(ids, func(products []product.Product, err error) {
		ch <- response{products: products, err: err}
	})

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("requesting products: %w", r.err)
		}

		return r.products, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Purchase queues a payment for p and waits for the first settled update for that product.
func (a *Adapter) Purchase(ctx context.Context, p product.Product) (platform.Result, error) {
	ch := make(chan platform.Transaction, 1)

	a.mu.Lock()
	a.waiters[p.ID] = append(a.waiters[p.ID], ch)
	a.mu.Unlock()

	a.queue.AddPayment(p.ID, 1)

	select {
	case tx := <-ch:
		return a.settle(tx)
	case <-ctx.Done():
		a.dropWaiter(p.ID, ch)
		return platform.Result{}, ctx.Err()
	}
}

func (a *Adapter) settle(tx platform.Transaction) (platform.Result, error) {
	switch tx.State {
	case platform.StatePurchased:
		return platform.Result{Status: platform.ResultSuccess, Transaction: &tx}, nil
	case platform.StateDeferred:
		return platform.Result{Status: platform.ResultPending, Transaction: &tx}, nil
	}

	// Failed transactions stay in the queue until finished; they carry no payment.
	if err := a.queue.FinishTransaction(tx.ID); err != nil {
		return platform.Result{}, fmt.Errorf("finishing failed transaction %s: %w", tx.ID, err)
	}

	if errors.Is(tx.Err, platform.ErrPurchaseCancelled) {
		return platform.Result{Status: platform.ResultCancelled}, nil
	}

	if tx.Err == nil {
		return platform.Result{}, fmt.Errorf("transaction %s failed without a cause", tx.ID)
	}

	return platform.Result{}, fmt.Errorf("transaction %s: %w", tx.ID, tx.Err)
}

func (a *Adapter) dropWaiter(productID string, ch chan platform.Transaction) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ws := a.waiters[productID]
	if i := slices.Index(ws, ch); i >= 0 {
		ws = slices.Delete(ws, i, i+1)
	}

	if len(ws) == 0 {
		delete(a.waiters, productID)
		return
	}

	a.waiters[productID] = ws
}

func (a *Adapter) RestorePurchases(ctx context.Context) ([]platform.Transaction, error) {
	run := &restoreRun{done: make(chan error, 1)}

	a.mu.Lock()
	if a.restore != nil {
		a.mu.Unlock()
		return nil, platform.ErrRestoreInProgress
	}

	a.restore = run
	a.mu.Unlock()

	a.queue.RestoreCompletedTransactions()

	select {
	case err := <-run.done:
		if err != nil {
			return nil, fmt.Errorf("restoring purchases: %w", err)
		}

		return run.txs, nil
	case <-ctx.Done():
		a.mu.Lock()
		if a.restore == run {
			a.restore = nil
		}
		a.mu.Unlock()

		return nil, ctx.Err()
	}
}

// UpdatedTransactions implements QueueObserver.
func (a *Adapter) UpdatedTransactions(txs []platform.Transaction) {
	a.mu.Lock()

	for _, tx := range txs {
		switch tx.State {
		case platform.StatePurchased, platform.StateFailed, platform.StateDeferred:
			if ws := a.waiters[tx.ProductID]; len(ws) > 0 {
				ws[0] <- tx

				if len(ws) == 1 {
					delete(a.waiters, tx.ProductID)
				} else {
					a.waiters[tx.ProductID] = ws[1:]
				}
			}
		case platform.StateRestored:
			if a.restore != nil {
				a.restore.txs = append(a.restore.txs, tx)
			}
		}
	}

	a.mu.Unlock()

	a.sendMu.RLock()
	defer a.sendMu.RUnlock()

	a.mu.Lock()
	updates := a.updates
	a.mu.Unlock()

	if updates == nil {
		return
	}

	for _, tx := range txs {
		updates <- tx
	}
}

// RestoreCompletedTransactionsFinished implements QueueObserver.
func (a *Adapter) RestoreCompletedTransactionsFinished(err error) {
	a.mu.Lock()
	run := a.restore
	a.restore = nil
	a.mu.Unlock()

	if run != nil {
		run.done <- err
	}
}

func (a *Adapter) StartTransactionObserver(observe platform.Observer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.updates != nil {
		return platform.ErrObserverRegistered
	}

	updates := make(chan platform.Transaction, dispatchBuffer)
	a.updates = updates

	a.dispatch.Add(1)

	go func() {
		defer a.dispatch.Done()

		for tx := range updates {
			observe(tx)
		}
	}()

	return nil
}

// StopTransactionObserver detaches the observer after already queued updates are delivered.
func (a *Adapter) StopTransactionObserver() {
	a.sendMu.Lock()
	a.mu.Lock()
	updates := a.updates
	a.updates = nil
	a.mu.Unlock()

	if updates != nil {
		close(updates)
	}
	a.sendMu.Unlock()

	if updates == nil {
		return
	}

	a.dispatch.Wait()
}

func (a *Adapter) PendingTransactions(_ context.Context) ([]platform.Transaction, error) {
	return a.queue.Transactions(), nil
}

func (a *Adapter) FinishTransaction(_ context.Context, tx platform.Transaction) error {
	if err := a.queue.FinishTransaction(tx.ID); err != nil {
		return fmt.Errorf("finishing transaction %s: %w", tx.ID, err)
	}

	return nil
}
