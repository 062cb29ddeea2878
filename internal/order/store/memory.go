package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
)

// Memory is an in-process order.Backend with the same conflict rules as Store.
// It backs the sandbox CLI and tests.
type Memory struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*order.Order
}

func NewMemory() *Memory {
	return &Memory{orders: make(map[uuid.UUID]*order.Order)}
}

func (m *Memory) CreateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.orders[o.ID]; ok {
		if stored.ProductID != o.ProductID {
			return apperr.Wrap(order.ErrMismatch, fmt.Errorf("order id %s already used for %q", o.ID, stored.ProductID))
		}

		*o = *stored.Clone()

		return nil
	}

	stored := o.Clone()
	stored.ServerOrderID = serverOrderID(o.ID)
	stored.Status = order.StatusCreated
	m.orders[o.ID] = stored

	*o = *stored.Clone()

	return nil
}

func (m *Memory) GetOrder(_ context.Context, id uuid.UUID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.Wrap(order.ErrNotFound, fmt.Errorf("order %s", id))
	}

	return o.Clone(), nil
}

func (m *Memory) ListOrders(_ context.Context, filter order.ListFilter) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*order.Order

	for _, o := range m.orders {
		if filter.ProductID != nil && o.ProductID != *filter.ProductID {
			continue
		}

		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, o.Status) {
			continue
		}

		if filter.CreatedBefore != nil && !o.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}

		out = append(out, o.Clone())
	}

	slices.SortFunc(out, func(a, b *order.Order) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return out, nil
}

func (m *Memory) UpdateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return apperr.Wrap(order.ErrNotFound, fmt.Errorf("order %s", o.ID))
	}

	if cur.Status.IsTerminal() {
		return apperr.Wrap(order.TerminalError(cur.Status), fmt.Errorf("order %s", o.ID))
	}

	if cur.TransactionID != "" && o.TransactionID != "" && cur.TransactionID != o.TransactionID {
		return apperr.Wrap(order.ErrMismatch, fmt.Errorf("order %s already linked to transaction %s", o.ID, cur.TransactionID))
	}

	cur.Status = o.Status
	if o.TransactionID != "" {
		cur.TransactionID = o.TransactionID
	}

	cur.UpdatedAt = new(time.Now())

	return nil
}

// Put stores o as-is, bypassing transition rules. Used to seed state.
func (m *Memory) Put(o *order.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[o.ID] = o.Clone()
}
