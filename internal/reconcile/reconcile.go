// Package reconcile decides which order a platform transaction belongs to.
package reconcile

import (
	"slices"
	"time"

	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
)

// ClockSkew tolerates an order created slightly after the platform's purchase timestamp.
const ClockSkew = time.Minute

// Association binds an order to the transaction that pays for it.
type Association struct {
	Order       *order.Order
	Transaction platform.Transaction
}

// Eligible reports whether o could be paid by tx: same product, still open, and either linked
// to tx or unlinked, created no later than the purchase and not expired by then.
func Eligible(o *order.Order, tx platform.Transaction) bool {
	if o.ProductID != tx.ProductID || o.Status.IsTerminal() {
		return false
	}

	if o.TransactionID != "" {
		return o.TransactionID == tx.ID
	}

	if tx.PurchaseDate.IsZero() {
		return true
	}

	if o.CreatedAt.After(tx.PurchaseDate.Add(ClockSkew)) {
		return false
	}

	return !o.IsExpired(tx.PurchaseDate)
}

// Match returns the order tx belongs to, or nil. An order already linked to tx wins;
// otherwise the newest eligible order does.
func Match(orders []*order.Order, tx platform.Transaction) *order.Order {
	var best *order.Order

	for _, o := range orders {
		if !Eligible(o, tx) {
			continue
		}

		if o.TransactionID == tx.ID {
			return o
		}

		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = o
		}
	}

	return best
}

// Pair assigns orders to transactions one-to-one. Transactions are served oldest first so
// an early purchase never takes the order a later one was made for; unmatched transactions
// are returned separately.
func Pair(orders []*order.Order, txs []platform.Transaction) ([]Association, []platform.Transaction) {
	sorted := slices.Clone(txs)
	slices.SortStableFunc(sorted, func(a, b platform.Transaction) int {
		return a.PurchaseDate.Compare(b.PurchaseDate)
	})

	free := slices.Clone(orders)

	var (
		pairs     []Association
		unmatched []platform.Transaction
	)

	// Explicit links are honoured before any time-based matching.
	for i := 0; i < len(sorted); {
		tx := sorted[i]

		idx := slices.IndexFunc(free, func(o *order.Order) bool { return o.TransactionID == tx.ID && Eligible(o, tx) })
		if idx < 0 {
			i++
			continue
		}

		pairs = append(pairs, Association{Order: free[idx], Transaction: tx})
		free = slices.Delete(free, idx, idx+1)
		sorted = slices.Delete(sorted, i, i+1)
	}

	for _, tx := range sorted {
		o := Match(free, tx)
		if o == nil {
			unmatched = append(unmatched, tx)
			continue
		}

		pairs = append(pairs, Association{Order: o, Transaction: tx})
		free = slices.DeleteFunc(free, func(c *order.Order) bool { return c.ID == o.ID })
	}

	return pairs, unmatched
}
