package purchase_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/MrJamesThe3rd/iapkit/internal/order"
	orderStore "github.com/MrJamesThe3rd/iapkit/internal/order/store"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/legacy"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/modern"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/sandbox"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
	"github.com/MrJamesThe3rd/iapkit/internal/purchase"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt/replay"
)

const testKey = "purchase-test-key"

var (
	coins = product.Product{
		ID:           "coins.100",
		DisplayName:  "100 Coins",
		Price:        decimal.RequireFromString("0.99"),
		CurrencyCode: "USD",
		Locale:       "en-US",
		Kind:         product.KindConsumable,
	}
	premium = product.Product{
		ID:           "premium.unlock",
		DisplayName:  "Premium",
		Price:        decimal.RequireFromString("4.99"),
		CurrencyCode: "USD",
		Locale:       "en-US",
		Kind:         product.KindNonConsumable,
	}
)

type harnessConfig struct {
	variant     platform.Variant
	autoFinish  bool
	storeKey    string
	backend     order.Backend
	// wrapBackend and wrapAdapter decorate the defaults, keeping the verifier on the same store.
	wrapBackend func(*orderStore.Memory) order.Backend
	wrapAdapter func(platform.Adapter) platform.Adapter
}

type harness struct {
	store     *sandbox.Store
	backend   *orderStore.Memory
	orders    *order.Service
	adapter   platform.Adapter
	finalizer *purchase.Finalizer
	orch      *purchase.Orchestrator
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	if cfg.storeKey == "" {
		cfg.storeKey = testKey
	}

	store := sandbox.New([]product.Product{coins, premium}, sandbox.Options{Key: []byte(cfg.storeKey)})
	mem := orderStore.NewMemory()

	backend := cfg.backend

	switch {
	case backend != nil:
	case cfg.wrapBackend != nil:
		backend = cfg.wrapBackend(mem)
	default:
		backend = mem
	}

	var adapter platform.Adapter

	switch cfg.variant {
	case platform.VariantLegacy:
		a := legacy.New(store)
		t.Cleanup(a.Close)
		adapter = a
	default:
		adapter = modern.New(store)
	}

	if cfg.wrapAdapter != nil {
		adapter = cfg.wrapAdapter(adapter)
	}

	orders := order.NewService(backend, order.Options{})
	validator := receipt.NewValidator(
		receipt.NewVerifier([]byte(testKey), mem, replay.NewMemory()),
		receipt.Options{Key: []byte(testKey)},
	)
	finalizer := purchase.NewFinalizer(orders, validator, adapter, purchase.FinalizerOptions{AutoFinish: cfg.autoFinish})
	orch := purchase.NewOrchestrator(orders, adapter, validator, finalizer, purchase.Options{})

	t.Cleanup(func() {
		orch.Close()
		finalizer.Close()
		orders.Close()
	})

	return &harness{
		store:     store,
		backend:   mem,
		orders:    orders,
		adapter:   adapter,
		finalizer: finalizer,
		orch:      orch,
	}
}
