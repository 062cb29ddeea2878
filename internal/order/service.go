package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/cache"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
)

//go:generate mockgen -source=service.go -destination=backend_mock.go -package=order
type Backend interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	ListOrders(ctx context.Context, filter ListFilter) ([]*Order, error)
}

type ListFilter struct {
	ProductID     *string
	Statuses      []Status
	CreatedBefore *time.Time
}

// NonTerminal lists the statuses an order can still leave.
var NonTerminal = []Status{StatusCreated, StatusPending}

type Options struct {
	// OrderTTL sets ExpiresAt on new orders. Zero means orders never expire.
	OrderTTL time.Duration
	CacheTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// trackTTL bounds how long an open order stays known to this process without being seen
// again. It outlives the snapshot cache so stale orders can still be recovered.
const trackTTL = 24 * time.Hour

type Service struct {
	backend Backend
	cache   *cache.Cache[uuid.UUID, *Order]
	open    *cache.Cache[uuid.UUID, *Order]
	group   singleflight.Group
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewService(backend Backend, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}

	return &Service{
		backend: backend,
		cache:   cache.New(opts.CacheTTL, cache.WithClock[uuid.UUID, *Order](opts.Now)),
		open:    cache.New(trackTTL, cache.WithClock[uuid.UUID, *Order](opts.Now)),
		ttl:     opts.OrderTTL,
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

// Close releases the order snapshot caches.
func (s *Service) Close() {
	s.cache.Close()
	s.open.Close()
}

// remember refreshes the snapshot of o and keeps the open-order set in step with its status.
func (s *Service) remember(ctx context.Context, o *Order) {
	s.cache.Set(ctx, o.ID, o.Clone())
	s.open.Update(ctx, o.ID, func(*Order, bool) (*Order, bool) {
		return o.Clone(), !o.Status.IsTerminal()
	})
}

// CreateOrder registers a new order for p with the back end. Either a fully formed order in
// StatusCreated is returned or an error; nothing is cached on failure.
func (s *Service) CreateOrder(ctx context.Context, p product.Product, userInfo map[string]string) (*Order, error) {
	if err := product.ValidateID(p.ID); err != nil {
		return nil, err
	}

	now := s.now()
	o := &Order{
		ID:        uuid.New(),
		ProductID: p.ID,
		UserInfo:  maps.Clone(userInfo),
		Status:    StatusCreated,
		CreatedAt: now,
	}

	if s.ttl > 0 {
		o.ExpiresAt = new(now.Add(s.ttl))
	}

	id := o.ID
	if err := s.backend.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}

	if o.ID != id || o.ProductID != p.ID || o.Status != StatusCreated {
		return nil, apperr.Wrap(ErrMalformed, fmt.Errorf("back end returned order %s in status %q", o.ID, o.Status))
	}

	s.remember(ctx, o)

	return o.Clone(), nil
}

// GetOrder returns the cached snapshot if one is live, otherwise the back end's record.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	if o, ok := s.cache.Get(ctx, id); ok {
		return o.Clone(), nil
	}

	return s.fetch(ctx, id)
}

// fetch reads id from the back end, bypassing the cache, and refreshes the cache.
// Concurrent fetches of one id share a single request.
func (s *Service) fetch(ctx context.Context, id uuid.UUID) (*Order, error) {
	v, err, _ := s.group.Do(id.String(), func() (any, error) {
		o, err := s.backend.GetOrder(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("getting order %s: %w", id, err)
		}

		s.remember(ctx, o)

		return o, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Order).Clone(), nil
}

// QueryOrderStatus returns the live status of id. A cached terminal status is returned
// without a network call since terminal states never change.
func (s *Service) QueryOrderStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	if o, ok := s.cache.Get(ctx, id); ok && o.Status.IsTerminal() {
		return o.Status, nil
	}

	o, err := s.fetch(ctx, id)
	if err != nil {
		return "", err
	}

	return o.Status, nil
}

// UpdateOrderStatus moves id to status. Re-applying the current status is a no-op;
// any other change to a terminal order fails with the matching conflict error.
func (s *Service) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status Status) (*Order, error) {
	if !status.Valid() {
		return nil, apperr.Wrap(ErrInvalidTransition, fmt.Errorf("unknown status %q", status))
	}

	cur, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if cur.Status == status {
		return cur, nil
	}

	if cur.Status.IsTerminal() {
		return cur, apperr.Wrap(TerminalError(cur.Status), fmt.Errorf("order %s to %s", id, status))
	}

	if !CanTransition(cur.Status, status) {
		return cur, apperr.Wrap(ErrInvalidTransition, fmt.Errorf("order %s: %s to %s", id, cur.Status, status))
	}

	next := cur.Clone()
	next.Status = status
	next.UpdatedAt = new(s.now())

	return s.save(ctx, next, func(live *Order) bool { return live.Status == status })
}

// save writes next to the back end. When the back end refuses because the order moved on
// concurrently, the live record is re-read and the call succeeds if settled(live) holds.
func (s *Service) save(ctx context.Context, next *Order, settled func(live *Order) bool) (*Order, error) {
	err := s.backend.UpdateOrder(ctx, next)
	if err == nil {
		s.remember(ctx, next)
		return next, nil
	}

	if apperr.KindOf(err) != apperr.KindConflict {
		return nil, fmt.Errorf("updating order %s: %w", next.ID, err)
	}

	live, ferr := s.fetch(ctx, next.ID)
	if ferr != nil {
		return nil, errors.Join(fmt.Errorf("updating order %s: %w", next.ID, err), ferr)
	}

	if settled(live) {
		return live, nil
	}

	return live, fmt.Errorf("updating order %s: %w", next.ID, err)
}

func (s *Service) MarkPending(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.UpdateOrderStatus(ctx, id, StatusPending)
}

// CompleteOrder is idempotent: completing a completed order returns it unchanged.
func (s *Service) CompleteOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.UpdateOrderStatus(ctx, id, StatusCompleted)
}

func (s *Service) FailOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.UpdateOrderStatus(ctx, id, StatusFailed)
}

// CancelOrder cancels a non-terminal order. Unlike UpdateOrderStatus it fails for every
// terminal order, including one that is already cancelled.
func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	cur, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if cur.Status.IsTerminal() {
		return cur, apperr.Wrap(TerminalError(cur.Status), fmt.Errorf("cancel order %s", id))
	}

	return s.UpdateOrderStatus(ctx, id, StatusCancelled)
}

// LinkTransaction associates transactionID with id. The product ids must agree and an
// order already linked to a different transaction is never relinked.
func (s *Service) LinkTransaction(ctx context.Context, id uuid.UUID, transactionID, productID string) (*Order, error) {
	cur, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if cur.ProductID != productID {
		return cur, apperr.Wrap(ErrMismatch, fmt.Errorf("order %s is for %q, transaction %s is for %q", id, cur.ProductID, transactionID, productID))
	}

	if cur.TransactionID == transactionID {
		return cur, nil
	}

	if cur.TransactionID != "" {
		return cur, apperr.Wrap(ErrMismatch, fmt.Errorf("order %s already linked to transaction %s", id, cur.TransactionID))
	}

	if cur.Status.IsTerminal() {
		return cur, apperr.Wrap(TerminalError(cur.Status), fmt.Errorf("link order %s", id))
	}

	next := cur.Clone()
	next.TransactionID = transactionID
	next.UpdatedAt = new(s.now())

	return s.save(ctx, next, func(live *Order) bool { return live.TransactionID == transactionID })
}

// FindPendingOrders returns every non-terminal order for productID, oldest first.
func (s *Service) FindPendingOrders(ctx context.Context, productID string) ([]*Order, error) {
	return s.list(ctx, ListFilter{ProductID: &productID, Statuses: NonTerminal})
}

func (s *Service) list(ctx context.Context, filter ListFilter) ([]*Order, error) {
	orders, err := s.backend.ListOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}

	out := make([]*Order, len(orders))
	for i, o := range orders {
		s.remember(ctx, o)
		out[i] = o.Clone()
	}

	return out, nil
}

// CleanupExpiredOrders fails every non-terminal order past its expiry that has no linked
// transaction. A failure on one order does not stop the rest; all failures are joined.
func (s *Service) CleanupExpiredOrders(ctx context.Context) ([]*Order, error) {
	orders, err := s.list(ctx, ListFilter{Statuses: NonTerminal})
	if err != nil {
		return nil, err
	}

	now := s.now()

	var (
		cleaned []*Order
		errs    []error
	)

	for _, o := range orders {
		if !o.IsExpired(now) || o.TransactionID != "" {
			continue
		}

		failed, err := s.FailOrder(ctx, o.ID)
		if err != nil {
			s.logger.Warn("failed to clean up expired order", "order_id", o.ID, "error", err)
			errs = append(errs, err)

			continue
		}

		s.Evict(ctx, o.ID)
		cleaned = append(cleaned, failed)
	}

	return cleaned, errors.Join(errs...)
}

// RecoverPendingOrders resolves non-terminal orders older than staleAfter and returns the
// ones that ended up terminal. Orders this process knows about are re-read from the back end
// and reported if another party settled them. Stale open orders the back end lists are
// failed when active reports nothing that could still pay for them; unlinked expired orders
// are left to CleanupExpiredOrders. A nil active treats every listed order as still in flight.
func (s *Service) RecoverPendingOrders(ctx context.Context, staleAfter time.Duration, active func(*Order) bool) ([]*Order, error) {
	now := s.now()
	cutoff := now.Add(-staleAfter)

	candidates := make(map[uuid.UUID]*Order)

	for _, o := range s.open.Values(ctx) {
		if o.CreatedAt.Before(cutoff) {
			candidates[o.ID] = o
		}
	}

	var (
		recovered []*Order
		errs      []error
	)

	listed, err := s.list(ctx, ListFilter{Statuses: NonTerminal, CreatedBefore: &cutoff})
	if err != nil {
		errs = append(errs, err)
	}

	for _, o := range listed {
		// The listing is a live read; these need no refresh.
		delete(candidates, o.ID)

		// Unlinked expired orders belong to CleanupExpiredOrders.
		if active == nil || (o.IsExpired(now) && o.TransactionID == "") || active(o) {
			continue
		}

		failed, err := s.FailOrder(ctx, o.ID)
		if err != nil {
			s.logger.Warn("failed to resolve abandoned order", "order_id", o.ID, "error", err)
			errs = append(errs, err)

			continue
		}

		s.logger.Info("abandoned order failed", "order_id", o.ID, "product_id", o.ProductID, "status", o.Status)
		recovered = append(recovered, failed)
	}

	for id := range candidates {
		live, err := s.fetch(ctx, id)
		if err != nil {
			s.logger.Warn("failed to refresh pending order", "order_id", id, "error", err)
			errs = append(errs, err)

			continue
		}

		if live.Status.IsTerminal() {
			recovered = append(recovered, live)
		}
	}

	return recovered, errors.Join(errs...)
}

// Evict drops the snapshot of id so the next read goes to the back end. An open order stays
// tracked for RecoverPendingOrders.
func (s *Service) Evict(ctx context.Context, id uuid.UUID) {
	s.cache.Delete(ctx, id)
}
