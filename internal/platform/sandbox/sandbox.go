// Package sandbox simulates the native purchasing subsystem in memory. It serves both the
// async-native and the callback-based APIs over one shared transaction queue and signs
// receipts the same way the validation authority expects them.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/legacy"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/modern"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
)

// Outcome scripts how the simulated user and store answer a purchase.
type Outcome string

const (
	OutcomeSucceed Outcome = "succeed"
	OutcomeCancel  Outcome = "cancel"
	OutcomeDefer   Outcome = "defer"
	OutcomeFail    Outcome = "fail"
)

type Behavior struct {
	Outcome Outcome
	Err     error // returned for OutcomeFail
	Delay   time.Duration
	// Unverified marks succeeded transactions as failing platform verification.
	Unverified bool
}

type Options struct {
	Key         []byte
	BundleID    string
	Environment receipt.Environment
	Now         func() time.Time
}

type Store struct {
	key      []byte
	bundleID string
	env      receipt.Environment
	now      func() time.Time

	mu         sync.Mutex
	products   map[string]product.Product
	behaviors  map[string]Behavior
	unfinished []platform.Transaction
	finished   map[string]platform.Transaction
	finishes   map[string]int
	observers  []legacy.QueueObserver

	subMu  sync.RWMutex
	subs   map[int]chan platform.Transaction
	nextID int

	purchases atomic.Int64
}

var (
	_ modern.Store        = (*Store)(nil)
	_ legacy.PaymentQueue = (*Store)(nil)
)

func New(catalog []product.Product, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.BundleID == "" {
		opts.BundleID = "com.example.app"
	}

	if opts.Environment == "" {
		opts.Environment = receipt.EnvironmentSandbox
	}

	s := &Store{
		key:       opts.Key,
		bundleID:  opts.BundleID,
		env:       opts.Environment,
		now:       opts.Now,
		products:  make(map[string]product.Product, len(catalog)),
		behaviors: make(map[string]Behavior),
		finished:  make(map[string]platform.Transaction),
		finishes:  make(map[string]int),
		subs:      make(map[int]chan platform.Transaction),
	}

	for _, p := range catalog {
		s.products[p.ID] = p
	}

	return s
}

// Script sets the behavior of future purchases of productID.
func (s *Store) Script(productID string, b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.behaviors[productID] = b
}

func (s *Store) behavior(productID string) Behavior {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.behaviors[productID]
	if !ok {
		return Behavior{Outcome: OutcomeSucceed}
	}

	return b
}

// PurchaseCalls counts purchase requests received through either API.
func (s *Store) PurchaseCalls() int {
	return int(s.purchases.Load())
}

// FinishCount reports how many times transactionID was effectively finished.
func (s *Store) FinishCount(transactionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finishes[transactionID]
}

func (s *Store) UnfinishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.unfinished)
}

func (s *Store) newTransaction(productID string, state platform.State, original string) (platform.Transaction, error) {
	tx := platform.Transaction{
		ID:                    uuid.NewString(),
		ProductID:             productID,
		PurchaseDate:          s.now(),
		State:                 state,
		OriginalTransactionID: original,
		Quantity:              1,
	}

	if tx.OriginalTransactionID == "" {
		tx.OriginalTransactionID = tx.ID
	}

	if state == platform.StatePurchased || state == platform.StateRestored {
		data, err := s.sign(tx)
		if err != nil {
			return platform.Transaction{}, err
		}

		tx.Receipt = data
	}

	return tx, nil
}

func (s *Store) sign(tx platform.Transaction) ([]byte, error) {
	return receipt.Sign(s.key, receipt.Claims{
		TransactionID:         tx.ID,
		OriginalTransactionID: tx.OriginalTransactionID,
		ProductID:             tx.ProductID,
		BundleID:              s.bundleID,
		PurchaseDate:          tx.PurchaseDate.UnixMilli(),
		Quantity:              tx.Quantity,
		Environment:           s.env,
		AppVersion:            "1.0",
	})
}

// Inject adds unfinished purchased transactions for productIDs without notifying anyone,
// the state an app finds after crashing between payment and finish.
func (s *Store) Inject(productIDs ...string) ([]platform.Transaction, error) {
	txs := make([]platform.Transaction, 0, len(productIDs))

	for _, id := range productIDs {
		tx, err := s.newTransaction(id, platform.StatePurchased, "")
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx)
	}

	s.mu.Lock()
	s.unfinished = append(s.unfinished, txs...)
	s.mu.Unlock()

	return txs, nil
}

// Approve resolves a deferred transaction as purchased and notifies observers.
func (s *Store) Approve(transactionID string) (platform.Transaction, error) {
	s.mu.Lock()

	i := slices.IndexFunc(s.unfinished, func(tx platform.Transaction) bool { return tx.ID == transactionID })
	if i < 0 || s.unfinished[i].State != platform.StateDeferred {
		s.mu.Unlock()
		return platform.Transaction{}, apperr.Wrap(platform.ErrTransactionNotFound, fmt.Errorf("deferred transaction %s", transactionID))
	}

	tx := s.unfinished[i]
	tx.State = platform.StatePurchased
	tx.PurchaseDate = s.now()
	s.mu.Unlock()

	data, err := s.sign(tx)
	if err != nil {
		return platform.Transaction{}, err
	}

	tx.Receipt = data

	s.mu.Lock()
	s.unfinished[i] = tx
	s.mu.Unlock()

	s.emit(tx)

	return tx, nil
}

func (s *Store) enqueue(tx platform.Transaction) {
	s.mu.Lock()
	s.unfinished = append(s.unfinished, tx)
	s.mu.Unlock()
}

// emit delivers tx to every modern subscriber and every legacy observer.
func (s *Store) emit(tx platform.Transaction) {
	s.subMu.RLock()
	for _, ch := range s.subs {
		ch <- tx
	}
	s.subMu.RUnlock()

	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, o := range observers {
		o.UpdatedTransactions([]platform.Transaction{tx})
	}
}

func (s *Store) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle runs one scripted purchase and returns the resulting transaction, if any.
func (s *Store) settle(productID string, b Behavior) (*platform.Transaction, error) {
	s.mu.Lock()
	_, known := s.products[productID]
	s.mu.Unlock()

	if !known {
		return nil, apperr.Wrap(platform.ErrProductUnavailable, fmt.Errorf("%q", productID))
	}

	switch b.Outcome {
	case OutcomeCancel:
		return nil, platform.ErrPurchaseCancelled
	case OutcomeFail:
		if b.Err == nil {
			return nil, platform.ErrStoreUnavailable
		}

		return nil, b.Err
	case OutcomeDefer:
		tx, err := s.newTransaction(productID, platform.StateDeferred, "")
		if err != nil {
			return nil, err
		}

		s.enqueue(tx)

		return &tx, nil
	}

	tx, err := s.newTransaction(productID, platform.StatePurchased, "")
	if err != nil {
		return nil, err
	}

	s.enqueue(tx)

	return &tx, nil
}

// Modern API.

func (s *Store) Products(_ context.Context, ids []string) ([]product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []product.Product

	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}

	return out, nil
}

func (s *Store) Purchase(ctx context.Context, productID string, _ int) (modern.PurchaseResult, error) {
	s.purchases.Add(1)

	b := s.behavior(productID)
	if err := s.pause(ctx, b.Delay); err != nil {
		return modern.PurchaseResult{}, err
	}

	tx, err := s.settle(productID, b)
	if errors.Is(err, platform.ErrPurchaseCancelled) {
		return modern.PurchaseResult{Kind: modern.PurchaseUserCancelled}, nil
	}

	if err != nil {
		return modern.PurchaseResult{}, err
	}

	s.emit(*tx)

	if tx.State == platform.StateDeferred {
		return modern.PurchaseResult{Kind: modern.PurchasePending, Transaction: tx}, nil
	}

	return modern.PurchaseResult{Kind: modern.PurchaseSuccess, Transaction: tx, Verified: !b.Unverified}, nil
}

func (s *Store) Sync(context.Context) error { return nil }

// CurrentEntitlements returns finished purchases of non-consumable and subscription products.
func (s *Store) CurrentEntitlements(context.Context) ([]platform.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []platform.Transaction

	for _, tx := range s.finished {
		p := s.products[tx.ProductID]
		if p.Kind == product.KindConsumable || !tx.IsCompletion() {
			continue
		}

		out = append(out, tx)
	}

	slices.SortFunc(out, func(a, b platform.Transaction) int { return a.PurchaseDate.Compare(b.PurchaseDate) })

	return out, nil
}

func (s *Store) Unfinished(context.Context) ([]platform.Transaction, error) {
	return s.Transactions(), nil
}

func (s *Store) Subscribe() (<-chan platform.Transaction, func()) {
	ch := make(chan platform.Transaction, 256)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.subMu.Unlock()
		})
	}
}

// Finish moves transactionID out of the queue. Finishing a finished transaction is a no-op.
func (s *Store) Finish(_ context.Context, transactionID string) error {
	return s.FinishTransaction(transactionID)
}

// Callback API.

func (s *Store) RequestProducts(ids []string, completion func([]product.Product, error)) {
	go func() {
		completion(s.Products(context.Background(), ids))
	}()
}

func (s *Store) AddPayment(productID string, _ int) {
	s.purchases.Add(1)

	go func() {
		b := s.behavior(productID)
		_ = s.pause(context.Background(), b.Delay)

		tx, err := s.settle(productID, b)
		if err != nil {
			failed, nerr := s.newTransaction(productID, platform.StateFailed, "")
			if nerr != nil {
				return
			}

			failed.Err = err
			s.enqueue(failed)
			tx = &failed
		}

		s.emit(*tx)
	}()
}

// RestoreCompletedTransactions queues a restored copy of every entitlement, then reports completion.
func (s *Store) RestoreCompletedTransactions() {
	go func() {
		entitled, _ := s.CurrentEntitlements(context.Background())

		for _, orig := range entitled {
			tx, err := s.newTransaction(orig.ProductID, platform.StateRestored, orig.OriginalTransactionID)
			if err != nil {
				s.finishRestore(err)
				return
			}

			s.enqueue(tx)
			s.emit(tx)
		}

		s.finishRestore(nil)
	}()
}

func (s *Store) finishRestore(err error) {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, o := range observers {
		o.RestoreCompletedTransactionsFinished(err)
	}
}

func (s *Store) FinishTransaction(transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.finished[transactionID]; ok {
		return nil
	}

	i := slices.IndexFunc(s.unfinished, func(tx platform.Transaction) bool { return tx.ID == transactionID })
	if i < 0 {
		return apperr.Wrap(platform.ErrTransactionNotFound, fmt.Errorf("%s", transactionID))
	}

	s.finished[transactionID] = s.unfinished[i]
	s.unfinished = slices.Delete(s.unfinished, i, i+1)
	s.finishes[transactionID]++

	return nil
}

func (s *Store) Transactions() []platform.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.unfinished)
}

func (s *Store) AddObserver(o legacy.QueueObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, o)
}

func (s *Store) RemoveObserver(o legacy.QueueObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = slices.DeleteFunc(s.observers, func(x legacy.QueueObserver) bool { return x == o })
}
