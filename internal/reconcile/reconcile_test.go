package reconcile_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/reconcile"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func open(productID string, createdAt time.Time) *order.Order {
	return &order.Order{ID: uuid.New(), ProductID: productID, Status: order.StatusCreated, CreatedAt: createdAt}
}

func purchased(id, productID string, at time.Time) platform.Transaction {
	return platform.Transaction{ID: id, ProductID: productID, State: platform.StatePurchased, PurchaseDate: at}
}

func TestEligible(t *testing.T) {
	tx := purchased("tx-1", "coins.100", base)

	linkedElsewhere := open("coins.100", base)
	linkedElsewhere.TransactionID = "tx-2"

	completed := open("coins.100", base)
	completed.Status = order.StatusCompleted

	expired := open("coins.100", base.Add(-time.Hour))
	expired.ExpiresAt = new(base.Add(-time.Minute))

	linkedExpired := open("coins.100", base.Add(-time.Hour))
	linkedExpired.ExpiresAt = new(base.Add(-time.Minute))
	linkedExpired.TransactionID = "tx-1"

	tests := []struct {
		name string
		o    *order.Order
		tx   platform.Transaction
		want bool
	}{
		{name: "open order before purchase", o: open("coins.100", base.Add(-time.Minute)), tx: tx, want: true},
		{name: "within clock skew", o: open("coins.100", base.Add(30*time.Second)), tx: tx, want: true},
		{name: "created after purchase", o: open("coins.100", base.Add(2*time.Minute)), tx: tx},
		{name: "other product", o: open("premium.unlock", base), tx: tx},
		{name: "terminal", o: completed, tx: tx},
		{name: "linked to another transaction", o: linkedElsewhere, tx: tx},
		{name: "expired before purchase", o: expired, tx: tx},
		{name: "linked to this transaction ignores expiry", o: linkedExpired, tx: tx, want: true},
		{
			name: "unknown purchase date skips time checks",
			o:    open("coins.100", base.Add(time.Hour)),
			tx:   platform.Transaction{ID: "tx-1", ProductID: "coins.100"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reconcile.Eligible(tt.o, tt.tx))
		})
	}
}

func TestMatch(t *testing.T) {
	tx := purchased("tx-1", "coins.100", base)

	older := open("coins.100", base.Add(-10*time.Minute))
	newer := open("coins.100", base.Add(-time.Minute))
	linked := open("coins.100", base.Add(-20*time.Minute))
	linked.TransactionID = "tx-1"
	linked.ExpiresAt = new(base.Add(-5 * time.Minute))

	assert.Equal(t, newer, reconcile.Match([]*order.Order{older, newer}, tx), "newest eligible order wins")
	assert.Equal(t, linked, reconcile.Match([]*order.Order{older, newer, linked}, tx), "explicit link wins")
	assert.Nil(t, reconcile.Match([]*order.Order{open("premium.unlock", base)}, tx))
	assert.Nil(t, reconcile.Match(nil, tx))
}

func TestPair(t *testing.T) {
	first := open("coins.100", base)
	second := open("coins.100", base.Add(5*time.Minute))
	linked := open("coins.100", base.Add(-time.Hour))
	linked.TransactionID = "tx-c"

	txA := purchased("tx-a", "coins.100", base.Add(time.Minute))
	txB := purchased("tx-b", "coins.100", base.Add(6*time.Minute))
	txC := purchased("tx-c", "coins.100", base.Add(7*time.Minute))
	txD := purchased("tx-d", "coins.100", base.Add(8*time.Minute))

	pairs, unmatched := reconcile.Pair(
		[]*order.Order{first, second, linked},
		[]platform.Transaction{txD, txB, txC, txA},
	)

	got := make(map[string]uuid.UUID, len(pairs))
	for _, p := range pairs {
		got[p.Transaction.ID] = p.Order.ID
	}

	assert.Equal(t, map[string]uuid.UUID{
		"tx-c": linked.ID,
		"tx-a": first.ID,
		"tx-b": second.ID,
	}, got)

	assert.Equal(t, []platform.Transaction{txD}, unmatched)
}
