// Package modern adapts the async-native store API to platform.Adapter.
package modern

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
)

type PurchaseKind string

const (
	PurchaseSuccess       PurchaseKind = "success"
	PurchasePending       PurchaseKind = "pending"
	PurchaseUserCancelled PurchaseKind = "user_cancelled"
)

type PurchaseResult struct {
	Kind        PurchaseKind
	Transaction *platform.Transaction
	// Verified is false when the platform could not verify the transaction signature.
	Verified bool
}

// Store is the async-native purchasing API.
type Store interface {
	Products(ctx context.Context, ids []string) ([]product.Product, error)
	Purchase(ctx context.Context, productID string, quantity int) (PurchaseResult, error)
	Sync(ctx context.Context) error
	CurrentEntitlements(ctx context.Context) ([]platform.Transaction, error)
	Unfinished(ctx context.Context) ([]platform.Transaction, error)
	// Subscribe streams every transaction update until cancel is called.
	Subscribe() (updates <-chan platform.Transaction, cancel func())
	Finish(ctx context.Context, transactionID string) error
}

type Adapter struct {
	store Store

	mu      sync.Mutex
	cancel  func()
	stopped chan struct{}
}

func New(store Store) *Adapter {
	return &Adapter{store: store}
}

var _ platform.Adapter = (*Adapter)(nil)

func (a *Adapter) Variant() platform.Variant { return platform.VariantModern }

func (a *Adapter) LoadProducts(ctx context.Context, ids []string) ([]product.Product, error) {
	products, err := a.store.Products(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading products: %w", err)
	}

	return products, nil
}

func (a *Adapter) Purchase(ctx context.Context, p product.Product) (platform.Result, error) {
	res, err := a.store.Purchase(ctx, p.ID, 1)
	if err != nil {
		return platform.Result{}, fmt.Errorf("purchasing %s: %w", p.ID, err)
	}

	switch res.Kind {
	case PurchaseSuccess:
		if res.Transaction == nil {
			return platform.Result{}, apperr.Wrap(apperr.ErrUnknown, fmt.Errorf("purchase of %s succeeded without a transaction", p.ID))
		}

		if !res.Verified {
			return platform.Result{}, apperr.Wrap(platform.ErrVerificationRejected, fmt.Errorf("transaction %s", res.Transaction.ID))
		}

		return platform.Result{Status: platform.ResultSuccess, Transaction: res.Transaction}, nil
	case PurchasePending:
		return platform.Result{Status: platform.ResultPending, Transaction: res.Transaction}, nil
	case PurchaseUserCancelled:
		return platform.Result{Status: platform.ResultCancelled}, nil
	}

	return platform.Result{}, apperr.Wrap(apperr.ErrUnknown, fmt.Errorf("unknown purchase result %q", res.Kind))
}

// RestorePurchases syncs with the store and returns current entitlements as restored transactions.
func (a *Adapter) RestorePurchases(ctx context.Context) ([]platform.Transaction, error) {
	if err := a.store.Sync(ctx); err != nil {
		return nil, fmt.Errorf("syncing store: %w", err)
	}

	txs, err := a.store.CurrentEntitlements(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entitlements: %w", err)
	}

	for i := range txs {
		txs[i].State = platform.StateRestored
	}

	return txs, nil
}

func (a *Adapter) StartTransactionObserver(observe platform.Observer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return platform.ErrObserverRegistered
	}

	updates, cancel := a.store.Subscribe()
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		for tx := range updates {
			observe(tx)
		}
	}()

	a.cancel = cancel
	a.stopped = stopped

	return nil
}

// StopTransactionObserver unsubscribes and waits for the update in progress, if any, to finish.
func (a *Adapter) StopTransactionObserver() {
	a.mu.Lock()
	cancel, stopped := a.cancel, a.stopped
	a.cancel, a.stopped = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-stopped
}

func (a *Adapter) PendingTransactions(ctx context.Context) ([]platform.Transaction, error) {
	txs, err := a.store.Unfinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished transactions: %w", err)
	}

	return txs, nil
}

func (a *Adapter) FinishTransaction(ctx context.Context, tx platform.Transaction) error {
	if err := a.store.Finish(ctx, tx.ID); err != nil {
		return fmt.Errorf("finishing transaction %s: %w", tx.ID, err)
	}

	return nil
}
