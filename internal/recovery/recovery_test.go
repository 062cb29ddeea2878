package recovery_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	orderStore "github.com/MrJamesThe3rd/iapkit/internal/order/store"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/modern"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/sandbox"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
	"github.com/MrJamesThe3rd/iapkit/internal/purchase"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt/replay"
	"github.com/MrJamesThe3rd/iapkit/internal/recovery"
)

const testKey = "recovery-test-key"

var (
	coins   = product.Product{ID: "coins.100", Price: decimal.RequireFromString("0.99"), CurrencyCode: "USD", Kind: product.KindConsumable}
	premium = product.Product{ID: "premium.unlock", Price: decimal.RequireFromString("4.99"), CurrencyCode: "USD", Kind: product.KindNonConsumable}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type trackerFunc func(productID string) bool

func (f trackerFunc) InFlight(_ context.Context, productID string) bool { return f(productID) }

// flakyBackend fails the first listFailures ListOrders calls with a network error.
type flakyBackend struct {
	*orderStore.Memory
	listFailures atomic.Int32
}

func (f *flakyBackend) ListOrders(ctx context.Context, filter order.ListFilter) ([]*order.Order, error) {
	if f.listFailures.Add(-1) >= 0 {
		return nil, apperr.Wrap(apperr.ErrNetwork, errors.New("connection reset"))
	}

	return f.Memory.ListOrders(ctx, filter)
}

type harness struct {
	store     *sandbox.Store
	backend   *flakyBackend
	orders    *order.Service
	finalizer *purchase.Finalizer
	manager   *recovery.Manager
	clock     *clock
}

func newHarness(t *testing.T, opts recovery.Options, orderOpts order.Options) *harness {
	t.Helper()

	clk := &clock{now: time.Now()}
	orderOpts.Now = clk.Now
	opts.Now = clk.Now

	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}

	store := sandbox.New([]product.Product{coins, premium}, sandbox.Options{Key: []byte(testKey), Now: clk.Now})
	mem := orderStore.NewMemory()
	backend := &flakyBackend{Memory: mem}
	adapter := modern.New(store)

	orders := order.NewService(backend, orderOpts)
	validator := receipt.NewValidator(
		receipt.NewVerifier([]byte(testKey), mem, replay.NewMemory()),
		receipt.Options{Key: []byte(testKey), Now: clk.Now},
	)
	finalizer := purchase.NewFinalizer(orders, validator, adapter, purchase.FinalizerOptions{AutoFinish: true})
	manager := recovery.NewManager(orders, adapter, finalizer, opts)

	t.Cleanup(func() {
		manager.Close()
		finalizer.Close()
		orders.Close()
	})

	return &harness{
		store:     store,
		backend:   backend,
		orders:    orders,
		finalizer: finalizer,
		manager:   manager,
		clock:     clk,
	}
}

func (h *harness) createOrders(t *testing.T, products ...product.Product) []*order.Order {
	t.Helper()

	out := make([]*order.Order, len(products))

	for i, p := range products {
		o, err := h.orders.CreateOrder(context.Background(), p, nil)
		require.NoError(t, err)

		out[i] = o
	}

	return out
}

func (h *harness) inject(t *testing.T, ids ...string) []platform.Transaction {
	t.Helper()

	txs, err := h.store.Inject(ids...)
	require.NoError(t, err)

	return txs
}

func TestManager_RecoverPendingTransactions_Converges(t *testing.T) {
	h := newHarness(t, recovery.Options{}, order.Options{})
	ctx := context.Background()

	orders := h.createOrders(t, coins, coins, premium)
	txs := h.inject(t, coins.ID, coins.ID, coins.ID, premium.ID, premium.ID)

	report, err := h.manager.RecoverPendingTransactions(ctx)
	require.NoError(t, err)

	assert.Len(t, report.Recovered, 3)
	assert.Len(t, report.Orphaned, 2)
	assert.Zero(t, report.Failures)
	assert.Zero(t, h.store.UnfinishedCount())

	for _, tx := range txs {
		assert.Equal(t, 1, h.store.FinishCount(tx.ID))
	}

	linked := make(map[string]bool)

	for _, o := range orders {
		got, err := h.orders.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCompleted, got.Status)
		assert.NotEmpty(t, got.TransactionID)
		assert.False(t, linked[got.TransactionID], "one transaction completes one order")

		linked[got.TransactionID] = true
	}

	again, err := h.manager.RecoverPendingTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Recovered)
	assert.Empty(t, again.Orphaned)
}

func TestManager_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("restored transaction is an orphan", func(t *testing.T) {
		h := newHarness(t, recovery.Options{}, order.Options{})
		h.createOrders(t, premium)

		tx := h.inject(t, premium.ID)[0]
		tx.State = platform.StateRestored

		res, err := h.manager.Reconcile(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, recovery.Orphaned, res)
		assert.Equal(t, 1, h.store.FinishCount(tx.ID))
	})

	t.Run("deferred transaction is left alone", func(t *testing.T) {
		h := newHarness(t, recovery.Options{}, order.Options{})

		res, err := h.manager.Reconcile(ctx, platform.Transaction{ID: "tx-1", ProductID: coins.ID, State: platform.StateDeferred})
		require.NoError(t, err)
		assert.Equal(t, recovery.Unchanged, res)
	})

	t.Run("finalized transaction is skipped", func(t *testing.T) {
		h := newHarness(t, recovery.Options{}, order.Options{})
		o := h.createOrders(t, coins)[0]
		tx := h.inject(t, coins.ID)[0]

		_, err := h.finalizer.Finalize(ctx, tx, o)
		require.NoError(t, err)

		res, err := h.manager.Reconcile(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, recovery.Skipped, res)
		assert.Equal(t, 1, h.store.FinishCount(tx.ID))
	})

	t.Run("transient listing failure is retried", func(t *testing.T) {
		h := newHarness(t, recovery.Options{MaxAttempts: 3}, order.Options{})
		o := h.createOrders(t, coins)[0]
		tx := h.inject(t, coins.ID)[0]

		h.backend.listFailures.Store(2)

		res, err := h.manager.Reconcile(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, recovery.Recovered, res)

		got, err := h.orders.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCompleted, got.Status)
	})

	t.Run("exhausted retries leave the transaction", func(t *testing.T) {
		h := newHarness(t, recovery.Options{MaxAttempts: 2}, order.Options{})
		h.createOrders(t, coins)
		tx := h.inject(t, coins.ID)[0]

		h.backend.listFailures.Store(5)

		res, err := h.manager.Reconcile(ctx, tx)
		require.ErrorIs(t, err, apperr.ErrNetwork)
		assert.Equal(t, recovery.Unchanged, res)
		assert.Equal(t, 1, h.store.UnfinishedCount())
		assert.Equal(t, int32(3), h.backend.listFailures.Load())
	})
}

func TestManager_RecoverOrderTransactionAssociations(t *testing.T) {
	h := newHarness(t, recovery.Options{}, order.Options{})
	ctx := context.Background()

	orders := h.createOrders(t, coins)
	txs := h.inject(t, coins.ID, premium.ID)

	report, err := h.manager.RecoverOrderTransactionAssociations(ctx)
	require.NoError(t, err)
	require.Len(t, report.Linked, 1)
	assert.Equal(t, orders[0].ID, report.Linked[0].Order.ID)
	assert.Equal(t, txs[0].ID, report.Linked[0].Transaction.ID)

	got, err := h.orders.GetOrder(ctx, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, txs[0].ID, got.TransactionID)
	assert.Equal(t, order.StatusCreated, got.Status, "linking never finalizes")
	assert.Equal(t, 2, h.store.UnfinishedCount())

	again, err := h.manager.RecoverOrderTransactionAssociations(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Linked)
}

func TestManager_RecoverOrphanedTransactions(t *testing.T) {
	h := newHarness(t, recovery.Options{}, order.Options{})
	ctx := context.Background()

	h.createOrders(t, coins)
	txs := h.inject(t, coins.ID, premium.ID)

	report, err := h.manager.RecoverOrphanedTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, report.Orphaned, 1)
	assert.Equal(t, txs[1].ID, report.Orphaned[0].ID)

	assert.Zero(t, h.store.FinishCount(txs[0].ID), "a transaction with an order is left for finalization")
	assert.Equal(t, 1, h.store.FinishCount(txs[1].ID))
}

func TestManager_RecoverPendingOrders(t *testing.T) {
	h := newHarness(t, recovery.Options{StaleAfter: 10 * time.Minute}, order.Options{})
	ctx := context.Background()

	orders := h.createOrders(t, coins, premium, coins)
	paying := orders[2]
	h.inject(t, coins.ID)

	// The back end settled the first order; this process never heard about it.
	settled := orders[0].Clone()
	settled.Status = order.StatusCompleted
	settled.TransactionID = "tx-elsewhere"
	h.backend.Put(settled)
	h.orders.Evict(ctx, settled.ID)

	h.clock.Advance(11 * time.Minute)

	report, err := h.manager.RecoverPendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, report.Orders, 2)

	got := make(map[uuid.UUID]order.Status)
	for _, o := range report.Orders {
		got[o.ID] = o.Status
	}

	assert.Equal(t, map[uuid.UUID]order.Status{
		orders[0].ID: order.StatusCompleted,
		orders[1].ID: order.StatusFailed,
	}, got, "an order nothing can pay for is failed")

	live, err := h.orders.GetOrder(ctx, paying.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, live.Status, "an unfinished transaction can still pay this order")
}

func TestManager_RecoverPendingOrders_LeavesPurchaseInFlight(t *testing.T) {
	busy := trackerFunc(func(productID string) bool { return productID == premium.ID })
	h := newHarness(t, recovery.Options{StaleAfter: 10 * time.Minute, Purchases: busy}, order.Options{})
	ctx := context.Background()

	o := h.createOrders(t, premium)[0]
	h.clock.Advance(11 * time.Minute)

	report, err := h.manager.RecoverPendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Orders)

	got, err := h.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, got.Status)
}

func TestManager_RecoverPendingTransactions_AfterOrderExpired(t *testing.T) {
	h := newHarness(t, recovery.Options{}, order.Options{OrderTTL: 30 * time.Minute})
	ctx := context.Background()

	o := h.createOrders(t, coins)[0]
	tx := h.inject(t, coins.ID)[0]

	// The app stayed closed well past the order TTL.
	h.clock.Advance(time.Hour)

	report, err := h.manager.RecoverPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, report.Recovered, 1)
	assert.Empty(t, report.Orphaned)
	assert.Zero(t, h.store.UnfinishedCount())

	got, err := h.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
	assert.Equal(t, tx.ID, got.TransactionID)

	cleaned, err := h.manager.CleanupExpiredOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, cleaned.Cleaned)
}

func TestManager_Reconcile_SkipsPurchaseInFlight(t *testing.T) {
	var inFlight atomic.Bool
	inFlight.Store(true)

	tracker := trackerFunc(func(productID string) bool { return inFlight.Load() && productID == coins.ID })
	h := newHarness(t, recovery.Options{Purchases: tracker}, order.Options{})
	ctx := context.Background()

	o := h.createOrders(t, coins)[0]
	tx := h.inject(t, coins.ID)[0]

	res, err := h.manager.Reconcile(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, recovery.Skipped, res)
	assert.Equal(t, 1, h.store.UnfinishedCount())

	inFlight.Store(false)

	res, err = h.manager.Reconcile(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, recovery.Recovered, res)

	got, err := h.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
}

func TestManager_RecoverAll(t *testing.T) {
	h := newHarness(t, recovery.Options{}, order.Options{OrderTTL: time.Hour})
	ctx := context.Background()

	stale := h.createOrders(t, premium)[0]
	h.clock.Advance(2 * time.Hour)

	fresh := h.createOrders(t, coins)[0]
	h.inject(t, coins.ID)

	report, err := h.manager.RecoverAll(ctx)
	require.NoError(t, err)

	assert.Len(t, report.Linked, 1)
	assert.Len(t, report.Recovered, 1)
	require.Len(t, report.Cleaned, 1)
	assert.Equal(t, stale.ID, report.Cleaned[0].ID)

	got, err := h.orders.GetOrder(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)

	got, err = h.orders.GetOrder(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, got.Status)

	stats := h.manager.Stats(ctx)
	assert.Equal(t, 4, stats.Attempts)
	assert.Equal(t, 1, stats.TransactionsRecovered)
	assert.Equal(t, 1, stats.CleanupsPerformed)
	assert.Zero(t, stats.Failures)
	assert.Equal(t, h.clock.Now(), stats.LastRun)

	h.manager.ResetStats(ctx)
	assert.Equal(t, recovery.Stats{}, h.manager.Stats(ctx))
}
