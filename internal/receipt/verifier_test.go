package receipt_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/order/store"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt/replay"
)

func TestVerifier_Validate(t *testing.T) {
	ctx := context.Background()
	purchasedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := func(m *store.Memory, o *order.Order) *uuid.UUID {
		m.Put(o)
		return &o.ID
	}

	type testCase struct {
		name    string
		setup   func(m *store.Memory) *uuid.UUID
		wantErr error
	}

	tests := []testCase{
		{
			name: "orderless receipt is authentic",
			setup: func(*store.Memory) *uuid.UUID {
				return nil
			},
		},
		{
			name: "matching open order",
			setup: func(m *store.Memory) *uuid.UUID {
				return seed(m, &order.Order{ID: uuid.New(), ProductID: "coins.100", Status: order.StatusCreated})
			},
		},
		{
			name: "order completed by this very transaction",
			setup: func(m *store.Memory) *uuid.UUID {
				return seed(m, &order.Order{ID: uuid.New(), ProductID: "coins.100", Status: order.StatusCompleted, TransactionID: "tx-1"})
			},
		},
		{
			name: "order completed by another transaction",
			setup: func(m *store.Memory) *uuid.UUID {
				return seed(m, &order.Order{ID: uuid.New(), ProductID: "coins.100", Status: order.StatusCompleted, TransactionID: "tx-0"})
			},
			wantErr: order.ErrAlreadyCompleted,
		},
		{
			name: "order for another product",
			setup: func(m *store.Memory) *uuid.UUID {
				return seed(m, &order.Order{ID: uuid.New(), ProductID: "premium.unlock", Status: order.StatusCreated})
			},
			wantErr: order.ErrMismatch,
		},
		{
			name: "order expired before the purchase",
			setup: func(m *store.Memory) *uuid.UUID {
				return seed(m, &order.Order{ID: uuid.New(), ProductID: "coins.100", Status: order.StatusCreated, ExpiresAt: new(purchasedAt.Add(-time.Minute))})
			},
			wantErr: order.ErrExpired,
		},
		{
			name: "order linked to the transaction before it expired",
			setup: func(m *store.Memory) *uuid.UUID {
				return seed(m, &order.Order{ID: uuid.New(), ProductID: "coins.100", Status: order.StatusPending, TransactionID: "tx-1", ExpiresAt: new(purchasedAt.Add(-time.Minute))})
			},
		},
		{
			name: "unknown order",
			setup: func(*store.Memory) *uuid.UUID {
				return new(uuid.New())
			},
			wantErr: order.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := store.NewMemory()
			v := receipt.NewVerifier(testKey, orders, replay.NewMemory())

			res, err := v.Validate(ctx, receipt.Request{Receipt: sign(t, testKey, claims("coins.100")), OrderID: tt.setup(orders)})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.True(t, res.Valid)
			require.Len(t, res.Transactions, 1)
			assert.Equal(t, "tx-1", res.Transactions[0].TransactionID)
		})
	}
}

func TestVerifier_Validate_RejectsReplay(t *testing.T) {
	ctx := context.Background()
	orders := store.NewMemory()
	v := receipt.NewVerifier(testKey, orders, replay.NewMemory())

	first := &order.Order{ID: uuid.New(), ProductID: "coins.100", Status: order.StatusCreated}
	second := &order.Order{ID: uuid.New(), ProductID: "coins.100", Status: order.StatusCreated}
	orders.Put(first)
	orders.Put(second)

	data := sign(t, testKey, claims("coins.100"))

	_, err := v.Validate(ctx, receipt.Request{Receipt: data, OrderID: &first.ID})
	require.NoError(t, err)

	// Revalidating for the owning order is fine; any other order is a replay.
	_, err = v.Validate(ctx, receipt.Request{Receipt: data, OrderID: &first.ID})
	require.NoError(t, err)

	_, err = v.Validate(ctx, receipt.Request{Receipt: data, OrderID: &second.ID})
	assert.ErrorIs(t, err, receipt.ErrReplayed)
}
