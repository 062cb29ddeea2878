package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/MrJamesThe3rd/iapkit/internal/config"
	"github.com/MrJamesThe3rd/iapkit/internal/metrics"
	"github.com/MrJamesThe3rd/iapkit/internal/network"
	"github.com/MrJamesThe3rd/iapkit/internal/order"
	orderStore "github.com/MrJamesThe3rd/iapkit/internal/order/store"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/legacy"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/modern"
	"github.com/MrJamesThe3rd/iapkit/internal/platform/sandbox"
	"github.com/MrJamesThe3rd/iapkit/internal/product"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt/replay"
	"github.com/MrJamesThe3rd/iapkit/internal/sdk"
)

const sandboxKey = "iapctl-sandbox-key"

var catalog = []product.Product{
	{
		ID:           "coins.100",
		DisplayName:  "100 Coins",
		Price:        decimal.RequireFromString("0.99"),
		CurrencyCode: "USD",
		Locale:       "en-US",
		Kind:         product.KindConsumable,
	},
	{
		ID:           "premium.unlock",
		DisplayName:  "Premium",
		Price:        decimal.RequireFromString("4.99"),
		CurrencyCode: "USD",
		Locale:       "en-US",
		Kind:         product.KindNonConsumable,
	},
	{
		ID:           "pro.monthly",
		DisplayName:  "Pro Monthly",
		Price:        decimal.RequireFromString("2.99"),
		CurrencyCode: "EUR",
		Locale:       "de-DE",
		Kind:         product.KindAutoRenewable,
		Subscription: &product.SubscriptionTerms{GroupID: "pro", Period: product.PeriodMonth, PeriodCount: 1},
	},
}

// env is one CLI session: a fresh sandbox store and a client wired over it.
type env struct {
	store  *sandbox.Store
	client *sdk.Client
	close  func()
}

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.IAP.ReceiptKey == "" {
		cfg.IAP.ReceiptKey = sandboxKey
	}

	key := []byte(cfg.IAP.ReceiptKey)
	store := sandbox.New(catalog, sandbox.Options{Key: key})

	variant := cfg.IAP.BackendVariant
	if v, _ := cmd.Flags().GetString("variant"); v != "" {
		variant = v
	}

	asyncStore, _ := cmd.Flags().GetBool("async-store")

	var legacyAdapter *legacy.Adapter

	adapter, err := platform.Select(platform.Variant(variant), platform.Capabilities{AsyncStore: asyncStore},
		func() platform.Adapter {
			legacyAdapter = legacy.New(store)
			return legacyAdapter
		},
		func() platform.Adapter { return modern.New(store) },
	)
	if err != nil {
		return nil, err
	}

	var (
		backend   order.Backend
		authority receipt.Authority
	)

	if cfg.IAP.BackendURL != "" {
		c := network.NewClient(cfg.IAP.BackendURL, network.Options{Timeout: cfg.IAP.RequestTimeout})
		backend, authority = c, c
	} else {
		mem := orderStore.NewMemory()
		backend = mem
		authority = receipt.NewVerifier(key, mem, replay.NewMemory())
	}

	client := sdk.New(cfg.IAP, backend, authority, adapter, sdk.Options{
		Logger:  logger,
		Metrics: metrics.NewRegistry(),
	})

	return &env{
		store:  store,
		client: client,
		close: func() {
			client.Close()

			if legacyAdapter != nil {
				legacyAdapter.Close()
			}
		},
	}, nil
}

func parseUserInfo(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	info := make(map[string]string, len(pairs))

	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("user info %q: want key=value", p)
		}

		info[k] = v
	}

	return info, nil
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

var errUnknownOutcome = errors.New("outcome must be one of succeed, cancel, defer, fail")
