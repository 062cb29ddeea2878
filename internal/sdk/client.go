// Package sdk wires the purchasing core into one client: the order service, the receipt
// validator, the orchestrator, the transaction monitor and the recovery manager, all over a
// single platform adapter chosen at startup.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
	"github.com/MrJamesThe3rd/iapkit/internal/cache"
	"github.com/MrJamesThe3rd/iapkit/internal/config"
	"github.com/MrJamesThe3rd/iapkit/internal/metrics"
	"github.com/MrJamesThe3rd/iapkit/internal/monitor"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
	"github.com/MrJamesThe3rd/iapkit/internal/purchase"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
	"github.com/MrJamesThe3rd/iapkit/internal/recovery"
)

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

type Client struct {
	cfg     config.IAP
	adapter platform.Adapter
	logger  *slog.Logger

	orders       *order.Service
	validator    *receipt.Validator
	finalizer    *purchase.Finalizer
	orchestrator *purchase.Orchestrator
	recovery     *recovery.Manager
	monitor      *monitor.Monitor

	catalog *cache.Cache[string, product.Product]
	loads   singleflight.Group
}

// New builds a client over backend and adapter. A nil authority limits receipt checks to
// local validation.
func New(cfg config.IAP, backend order.Backend, authority receipt.Authority, adapter platform.Adapter, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	var key []byte
	if cfg.ReceiptKey != "" {
		key = []byte(cfg.ReceiptKey)
	}

	orders := order.NewService(backend, order.Options{
		OrderTTL: cfg.OrderTTL,
		CacheTTL: cfg.CacheTTL,
		Now:      opts.Now,
		Logger:   opts.Logger,
	})
	validator := receipt.NewValidator(authority, receipt.Options{Key: key, Now: opts.Now})
	finalizer := purchase.NewFinalizer(orders, validator, adapter, purchase.FinalizerOptions{
		AutoFinish: cfg.AutoFinish,
		Logger:     opts.Logger,
	})
	orchestrator := purchase.NewOrchestrator(orders, adapter, validator, finalizer, purchase.Options{
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Now:     opts.Now,
	})
	manager := recovery.NewManager(orders, adapter, finalizer, recovery.Options{
		StaleAfter:  cfg.StaleOrderAfter,
		MaxAttempts: cfg.RecoveryMaxAttempts,
		Backoff:     cfg.RecoveryBackoff,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Now:         opts.Now,
		Purchases:   orchestrator,
	})
	mon := monitor.New(adapter, manager, orchestrator, monitor.Options{
		AutoRecovery: cfg.AutoRecovery,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		Now:          opts.Now,
	})

	return &Client{
		cfg:          cfg,
		adapter:      adapter,
		logger:       opts.Logger,
		orders:       orders,
		validator:    validator,
		finalizer:    finalizer,
		orchestrator: orchestrator,
		recovery:     manager,
		monitor:      mon,
		catalog:      cache.New(cfg.CacheTTL, cache.WithClock[string, product.Product](opts.Now)),
	}
}

// Start begins transaction monitoring. With auto-recovery on it also reconciles stale and
// expired orders left by earlier runs.
func (c *Client) Start(ctx context.Context) error {
	if err := c.monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting transaction monitor: %w", err)
	}

	if !c.cfg.AutoRecovery {
		return nil
	}

	_, ordersErr := c.recovery.RecoverPendingOrders(ctx)
	_, cleanupErr := c.recovery.CleanupExpiredOrders(ctx)

	if err := errors.Join(ordersErr, cleanupErr); err != nil {
		c.logger.Warn("startup order sweep incomplete", "error", err)
	}

	return nil
}

// Close stops monitoring and releases every component. The adapter is left to its owner.
func (c *Client) Close() {
	c.monitor.Close()
	c.recovery.Close()
	c.orchestrator.Close()
	c.finalizer.Close()
	c.orders.Close()
	c.catalog.Close()
}

// Products returns the catalog entries for ids, loading the ones not cached. Concurrent
// loads of the same id set share one platform request.
func (c *Client) Products(ctx context.Context, ids []string) ([]product.Product, error) {
	var (
		found   []product.Product
		missing []string
	)

	for _, id := range ids {
		if err := product.ValidateID(id); err != nil {
			return nil, err
		}

		if p, ok := c.catalog.Get(ctx, id); ok {
			found = append(found, p)
			continue
		}

		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return found, nil
	}

	slices.Sort(missing)
	missing = slices.Compact(missing)

	v, err, _ := c.loads.Do(strings.Join(missing, ","), func() (any, error) {
		loaded, err := c.adapter.LoadProducts(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("loading products: %w", err)
		}

		for _, p := range loaded {
			c.catalog.Set(ctx, p.ID, p)
		}

		return loaded, nil
	})
	if err != nil {
		return nil, err
	}

	return append(found, v.([]product.Product)...), nil
}

// Product returns one catalog entry.
func (c *Client) Product(ctx context.Context, id string) (product.Product, error) {
	products, err := c.Products(ctx, []string{id})
	if err != nil {
		return product.Product{}, err
	}

	i := slices.IndexFunc(products, func(p product.Product) bool { return p.ID == id })
	if i < 0 {
		return product.Product{}, apperr.Wrap(platform.ErrProductUnavailable, fmt.Errorf("%q", id))
	}

	return products[i], nil
}

// Purchase buys the product with id. Catalog failures surface as a failed outcome with no order.
func (c *Client) Purchase(ctx context.Context, id string, userInfo map[string]string) purchase.Outcome {
	p, err := c.Product(ctx, id)
	if err != nil {
		return &purchase.Failed{Err: err}
	}

	return c.orchestrator.Purchase(ctx, p, userInfo)
}

func (c *Client) PurchaseProduct(ctx context.Context, p product.Product, userInfo map[string]string) purchase.Outcome {
	return c.orchestrator.Purchase(ctx, p, userInfo)
}

func (c *Client) RestorePurchases(ctx context.Context) ([]platform.Transaction, error) {
	return c.orchestrator.RestorePurchases(ctx)
}

func (c *Client) FinishTransaction(ctx context.Context, tx platform.Transaction) error {
	return c.orchestrator.FinishTransaction(ctx, tx)
}

func (c *Client) ValidateReceipt(ctx context.Context, data []byte, o *order.Order) (*receipt.Result, error) {
	return c.orchestrator.ValidateReceipt(ctx, data, o)
}

// Recover runs a full recovery sweep.
func (c *Client) Recover(ctx context.Context) (recovery.Report, error) {
	return c.recovery.RecoverAll(ctx)
}

func (c *Client) Orders() *order.Service { return c.orders }

func (c *Client) Monitor() *monitor.Monitor { return c.monitor }

func (c *Client) Recovery() *recovery.Manager { return c.recovery }
