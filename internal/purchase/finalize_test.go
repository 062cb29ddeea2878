package purchase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/purchase"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
)

func injectOne(t *testing.T, h *harness, productID string) platform.Transaction {
	t.Helper()

	txs, err := h.store.Inject(productID)
	require.NoError(t, err)

	return txs[0]
}

func TestFinalizer_Finalize(t *testing.T) {
	type testCase struct {
		name           string
		orderProduct   string
		wantErr        error
		wantStatus     order.Status
		wantUnfinished int
	}

	tests := []testCase{
		{
			name:         "matching order is completed and the transaction finished",
			orderProduct: coins.ID,
			wantStatus:   order.StatusCompleted,
		},
		{
			name:           "product mismatch fails the order and keeps the transaction",
			orderProduct:   premium.ID,
			wantErr:        order.ErrMismatch,
			wantStatus:     order.StatusFailed,
			wantUnfinished: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{autoFinish: true})
			ctx := context.Background()

			p := coins
			if tt.orderProduct == premium.ID {
				p = premium
			}

			o, err := h.orders.CreateOrder(ctx, p, nil)
			require.NoError(t, err)

			tx := injectOne(t, h, coins.ID)

			got, err := h.finalizer.Finalize(ctx, tx, o)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tx.ID, got.TransactionID)
				assert.True(t, h.finalizer.IsFinalized(ctx, tx.ID))
			}

			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantUnfinished, h.store.UnfinishedCount())
		})
	}
}

func TestFinalizer_Finalize_IsIdempotent(t *testing.T) {
	h := newHarness(t, harnessConfig{autoFinish: true})
	ctx := context.Background()

	o, err := h.orders.CreateOrder(ctx, coins, nil)
	require.NoError(t, err)

	tx := injectOne(t, h, coins.ID)

	first, err := h.finalizer.Finalize(ctx, tx, o)
	require.NoError(t, err)

	// o is the stale pre-completion snapshot.
	second, err := h.finalizer.Finalize(ctx, tx, o)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCompleted, first.Status)
	assert.Equal(t, order.StatusCompleted, second.Status)
	assert.Equal(t, 1, h.store.FinishCount(tx.ID))
}

func TestFinalizer_Finalize_TransientValidationLeavesOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	authority := receipt.NewMockAuthority(ctrl)

	authority.EXPECT().
		Validate(gomock.Any(), gomock.Any()).
		Return(nil, apperr.Wrap(apperr.ErrServerUnavailable, errors.New("503")))

	h := newHarness(t, harnessConfig{autoFinish: true})
	ctx := context.Background()

	validator := receipt.NewValidator(authority, receipt.Options{Key: []byte(testKey)})
	finalizer := purchase.NewFinalizer(h.orders, validator, h.adapter, purchase.FinalizerOptions{AutoFinish: true})
	t.Cleanup(finalizer.Close)

	o, err := h.orders.CreateOrder(ctx, coins, nil)
	require.NoError(t, err)

	tx := injectOne(t, h, coins.ID)

	got, err := finalizer.Finalize(ctx, tx, o)
	require.ErrorIs(t, err, apperr.ErrServerUnavailable)
	assert.True(t, apperr.Retriable(err))

	assert.Equal(t, order.StatusCreated, got.Status)
	assert.Equal(t, 1, h.store.UnfinishedCount())
	assert.False(t, finalizer.IsFinalized(ctx, tx.ID))
}

func TestFinalizer_Finalize_RejectsSecondClaim(t *testing.T) {
	ctrl := gomock.NewController(t)
	authority := receipt.NewMockAuthority(ctrl)

	entered := make(chan struct{})
	unblock := make(chan struct{})

	authority.EXPECT().
		Validate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req receipt.Request) (*receipt.Result, error) {
			close(entered)
			<-unblock

			c, err := receipt.Parse(req.Receipt, []byte(testKey))
			if err != nil {
				return nil, err
			}

			return &receipt.Result{Valid: true, Transactions: []receipt.Claims{*c}}, nil
		})

	h := newHarness(t, harnessConfig{autoFinish: true})
	ctx := context.Background()

	validator := receipt.NewValidator(authority, receipt.Options{Key: []byte(testKey)})
	finalizer := purchase.NewFinalizer(h.orders, validator, h.adapter, purchase.FinalizerOptions{AutoFinish: true})
	t.Cleanup(finalizer.Close)

	o, err := h.orders.CreateOrder(ctx, coins, nil)
	require.NoError(t, err)

	tx := injectOne(t, h, coins.ID)

	done := make(chan error, 1)
	go func() {
		_, err := finalizer.Finalize(ctx, tx, o)
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first finalize never reached validation")
	}

	_, err = finalizer.Finalize(ctx, tx, o)
	assert.ErrorIs(t, err, purchase.ErrTransactionBusy)

	err = finalizer.FinalizeOrphan(ctx, tx)
	assert.ErrorIs(t, err, purchase.ErrTransactionBusy)

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.store.FinishCount(tx.ID))
}

func TestFinalizer_FinalizeOrphan(t *testing.T) {
	h := newHarness(t, harnessConfig{autoFinish: true})
	ctx := context.Background()

	tx := injectOne(t, h, premium.ID)

	require.NoError(t, h.finalizer.FinalizeOrphan(ctx, tx))
	require.NoError(t, h.finalizer.FinalizeOrphan(ctx, tx))

	assert.Equal(t, 1, h.store.FinishCount(tx.ID))
	assert.True(t, h.finalizer.IsFinalized(ctx, tx.ID))

	orders, err := h.backend.ListOrders(ctx, order.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders, "orphans never touch orders")
}

func TestFinalizer_Finalize_RejectsReceiptOfAnotherTransaction(t *testing.T) {
	h := newHarness(t, harnessConfig{autoFinish: true})
	ctx := context.Background()

	o, err := h.orders.CreateOrder(ctx, coins, nil)
	require.NoError(t, err)

	txs, err := h.store.Inject(coins.ID, coins.ID)
	require.NoError(t, err)

	// Same product, but the receipt proves the first purchase.
	tx := txs[1]
	tx.Receipt = txs[0].Receipt

	got, err := h.finalizer.Finalize(ctx, tx, o)
	require.ErrorIs(t, err, order.ErrMismatch)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.Equal(t, 2, h.store.UnfinishedCount())
	assert.False(t, h.finalizer.IsFinalized(ctx, tx.ID))
}

func TestFinalizer_Finalize_TransactionAlreadySpent(t *testing.T) {
	h := newHarness(t, harnessConfig{autoFinish: true})
	ctx := context.Background()

	first, err := h.orders.CreateOrder(ctx, coins, nil)
	require.NoError(t, err)

	second, err := h.orders.CreateOrder(ctx, coins, nil)
	require.NoError(t, err)

	tx := injectOne(t, h, coins.ID)

	_, err = h.finalizer.Finalize(ctx, tx, first)
	require.NoError(t, err)

	got, err := h.finalizer.Finalize(ctx, tx, second)
	require.ErrorIs(t, err, order.ErrMismatch)
	assert.Equal(t, order.StatusCreated, got.Status, "the other order is left for its own transaction")
	assert.Equal(t, 1, h.store.FinishCount(tx.ID))
}
