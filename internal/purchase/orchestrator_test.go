package purchase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/sandbox"
	"github.com/MrJamesThe3rd/iapkit/internal/purchase"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
)

func TestOrchestrator_Purchase(t *testing.T) {
	type testCase struct {
		name           string
		behavior       sandbox.Behavior
		storeKey       string
		modernOnly     bool
		wantOutcome    string
		wantStatus     order.Status
		wantErr        error
		wantUnfinished int
	}

	tests := []testCase{
		{
			name:        "success completes the order and finishes the transaction",
			behavior:    sandbox.Behavior{Outcome: sandbox.OutcomeSucceed},
			wantOutcome: "success",
			wantStatus:  order.StatusCompleted,
		},
		{
			name:        "user cancellation cancels the order",
			behavior:    sandbox.Behavior{Outcome: sandbox.OutcomeCancel},
			wantOutcome: "cancelled",
			wantStatus:  order.StatusCancelled,
		},
		{
			name:           "deferred approval leaves the transaction for the monitor",
			behavior:       sandbox.Behavior{Outcome: sandbox.OutcomeDefer},
			wantOutcome:    "pending",
			wantStatus:     order.StatusPending,
			wantUnfinished: 1,
		},
		{
			name:        "store failure fails the order",
			behavior:    sandbox.Behavior{Outcome: sandbox.OutcomeFail},
			wantOutcome: "failed",
			wantStatus:  order.StatusFailed,
			wantErr:     platform.ErrStoreUnavailable,
		},
		{
			name:           "receipt with a bad signature fails the order and keeps the transaction",
			behavior:       sandbox.Behavior{Outcome: sandbox.OutcomeSucceed},
			storeKey:       "someone-elses-key",
			wantOutcome:    "failed",
			wantStatus:     order.StatusFailed,
			wantErr:        receipt.ErrInvalidSignature,
			wantUnfinished: 1,
		},
		{
			name:           "platform verification failure fails the order",
			behavior:       sandbox.Behavior{Outcome: sandbox.OutcomeSucceed, Unverified: true},
			modernOnly:     true,
			wantOutcome:    "failed",
			wantStatus:     order.StatusFailed,
			wantErr:        platform.ErrVerificationRejected,
			wantUnfinished: 1,
		},
	}

	for _, variant := range []platform.Variant{platform.VariantModern, platform.VariantLegacy} {
		for _, tt := range tests {
			if tt.modernOnly && variant != platform.VariantModern {
				continue
			}

			t.Run(string(variant)+"/"+tt.name, func(t *testing.T) {
				h := newHarness(t, harnessConfig{variant: variant, autoFinish: true, storeKey: tt.storeKey})
				h.store.Script(coins.ID, tt.behavior)

				ctx := context.Background()
				out := h.orch.Purchase(ctx, coins, map[string]string{"userID": "u1"})

				require.Equal(t, tt.wantOutcome, out.Name(), "outcome error: %v", purchase.Err(out))
				assert.Equal(t, 1, h.store.PurchaseCalls())
				assert.Equal(t, tt.wantUnfinished, h.store.UnfinishedCount())

				if tt.wantErr != nil {
					assert.ErrorIs(t, purchase.Err(out), tt.wantErr)
				}

				var ord *order.Order

				switch v := out.(type) {
				case *purchase.Success:
					ord = v.Order
					assert.Equal(t, v.Transaction.ID, v.Order.TransactionID)
					assert.Equal(t, 1, h.store.FinishCount(v.Transaction.ID))
				case *purchase.Pending:
					ord = v.Order
					require.NotNil(t, v.Transaction)
					assert.Equal(t, platform.StateDeferred, v.Transaction.State)
					assert.Equal(t, v.Transaction.ID, v.Order.TransactionID, "deferred transaction is linked to its order")
				case *purchase.Cancelled:
					ord = v.Order
				case *purchase.Failed:
					ord = v.Order
				}

				require.NotNil(t, ord)

				stored, err := h.backend.GetOrder(ctx, ord.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, stored.Status)
				assert.Equal(t, map[string]string{"userID": "u1"}, stored.UserInfo)
				assert.Equal(t, coins.ID, stored.ProductID)
			})
		}
	}
}

func TestOrchestrator_Purchase_OrderCreationFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := order.NewMockBackend(ctrl)

	backend.EXPECT().
		CreateOrder(gomock.Any(), gomock.Any()).
		Return(apperr.Wrap(apperr.ErrNetwork, errors.New("dial tcp: connection refused")))

	h := newHarness(t, harnessConfig{backend: backend, autoFinish: true})

	out := h.orch.Purchase(context.Background(), coins, nil)

	failed, ok := out.(*purchase.Failed)
	require.True(t, ok, "want failed, got %s", out.Name())
	assert.Nil(t, failed.Order)
	assert.ErrorIs(t, failed.Err, apperr.ErrNetwork)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(failed.Err))
	assert.True(t, apperr.Retriable(failed.Err))
	assert.Zero(t, h.store.PurchaseCalls(), "no payment may be requested without an order")
}

func TestOrchestrator_Purchase_RejectsConcurrentAttempt(t *testing.T) {
	h := newHarness(t, harnessConfig{autoFinish: true})
	h.store.Script(coins.ID, sandbox.Behavior{Outcome: sandbox.OutcomeSucceed, Delay: 300 * time.Millisecond})

	ctx := context.Background()
	first := make(chan purchase.Outcome, 1)

	go func() { first <- h.orch.Purchase(ctx, coins, nil) }()

	require.Eventually(t, func() bool { return h.orch.InFlight(ctx, coins.ID) }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup

	rejected := make([]purchase.Outcome, 4)
	for i := range rejected {
		wg.Go(func() { rejected[i] = h.orch.Purchase(ctx, coins, nil) })
	}

	wg.Wait()

	for _, out := range rejected {
		assert.ErrorIs(t, purchase.Err(out), purchase.ErrConcurrentPurchase)
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(purchase.Err(out)))
	}

	out := <-first
	require.IsType(t, &purchase.Success{}, out)
	assert.Equal(t, 1, h.store.PurchaseCalls())
	assert.False(t, h.orch.InFlight(ctx, coins.ID))

	// The guard is free again once the attempt ends.
	h.store.Script(coins.ID, sandbox.Behavior{Outcome: sandbox.OutcomeSucceed})
	assert.IsType(t, &purchase.Success{}, h.orch.Purchase(ctx, premium, nil))
	assert.IsType(t, &purchase.Success{}, h.orch.Purchase(ctx, coins, nil))
	assert.Zero(t, h.orch.Active(ctx))
}

func TestOrchestrator_Purchase_ReleasesGuardOnCancellation(t *testing.T) {
	h := newHarness(t, harnessConfig{autoFinish: true})
	h.store.Script(coins.ID, sandbox.Behavior{Outcome: sandbox.OutcomeSucceed, Delay: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan purchase.Outcome, 1)

	go func() { done <- h.orch.Purchase(ctx, coins, nil) }()

	require.Eventually(t, func() bool { return h.orch.InFlight(context.Background(), coins.ID) }, time.Second, 5*time.Millisecond)
	cancel()

	out := <-done
	failed, ok := out.(*purchase.Failed)
	require.True(t, ok, "want failed, got %s", out.Name())
	assert.ErrorIs(t, failed.Err, context.Canceled)
	require.NotNil(t, failed.Order)

	// An abandoned attempt leaves its order for recovery instead of failing it.
	stored, err := h.backend.GetOrder(context.Background(), failed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, stored.Status)

	assert.False(t, h.orch.InFlight(context.Background(), coins.ID))

	h.store.Script(coins.ID, sandbox.Behavior{Outcome: sandbox.OutcomeSucceed})
	assert.IsType(t, &purchase.Success{}, h.orch.Purchase(context.Background(), coins, nil))
}

func TestOrchestrator_FinishTransaction(t *testing.T) {
	h := newHarness(t, harnessConfig{autoFinish: false})
	ctx := context.Background()

	out := h.orch.Purchase(ctx, coins, nil)
	success, ok := out.(*purchase.Success)
	require.True(t, ok, "want success, got %s: %v", out.Name(), purchase.Err(out))

	assert.Equal(t, order.StatusCompleted, success.Order.Status)
	assert.Equal(t, 1, h.store.UnfinishedCount(), "manual finish mode leaves the transaction open")

	require.NoError(t, h.orch.FinishTransaction(ctx, success.Transaction))
	require.NoError(t, h.orch.FinishTransaction(ctx, success.Transaction))

	assert.Equal(t, 1, h.store.FinishCount(success.Transaction.ID))
	assert.Zero(t, h.store.UnfinishedCount())
}

func TestOrchestrator_RestorePurchases(t *testing.T) {
	for _, variant := range []platform.Variant{platform.VariantModern, platform.VariantLegacy} {
		t.Run(string(variant), func(t *testing.T) {
			h := newHarness(t, harnessConfig{variant: variant, autoFinish: true})
			ctx := context.Background()

			bought := h.orch.Purchase(ctx, premium, nil)
			require.IsType(t, &purchase.Success{}, bought)
			require.IsType(t, &purchase.Success{}, h.orch.Purchase(ctx, coins, nil))

			txs, err := h.orch.RestorePurchases(ctx)
			require.NoError(t, err)
			require.Len(t, txs, 1, "consumables are never restored")

			assert.Equal(t, premium.ID, txs[0].ProductID)
			assert.Equal(t, platform.StateRestored, txs[0].State)
			assert.Equal(t, bought.(*purchase.Success).Transaction.ID, txs[0].OriginalTransactionID)
		})
	}
}

func TestOrchestrator_ValidateReceipt(t *testing.T) {
	h := newHarness(t, harnessConfig{autoFinish: true})
	ctx := context.Background()

	txs, err := h.store.Inject(coins.ID)
	require.NoError(t, err)

	res, err := h.orch.ValidateReceipt(ctx, txs[0].Receipt, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, txs[0].ID, res.Transactions[0].TransactionID)

	_, err = h.orch.ValidateReceipt(ctx, []byte("not-a-receipt"), nil)
	assert.ErrorIs(t, err, receipt.ErrInvalidFormat)
}
