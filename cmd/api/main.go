package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/MrJamesThe3rd/iapkit/internal/config"
	"github.com/MrJamesThe3rd/iapkit/internal/database"
	iapHttp "github.com/MrJamesThe3rd/iapkit/internal/http"
	orderHandler "github.com/MrJamesThe3rd/iapkit/internal/http/order"
	receiptHandler "github.com/MrJamesThe3rd/iapkit/internal/http/receipt"
	"github.com/MrJamesThe3rd/iapkit/internal/metrics"
	orderStore "github.com/MrJamesThe3rd/iapkit/internal/order/store"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt"
	"github.com/MrJamesThe3rd/iapkit/internal/receipt/replay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.IAP.ReceiptKey == "" {
		slog.Error("IAP_RECEIPT_KEY is required to verify receipts")
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.New(ctx, cfg.ConnectionString())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	orders := orderStore.New(db)
	if err := orders.Migrate(ctx); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	var (
		registry = metrics.NewRegistry()
		verifier = receipt.NewVerifier([]byte(cfg.IAP.ReceiptKey), orders, replay.NewRedis(rdb, cfg.Redis.ReplayTTL))
	)

	var (
		orderH   = orderHandler.NewHandler(orders, registry)
		receiptH = receiptHandler.NewHandler(verifier)
	)

	router := iapHttp.New(orderH, receiptH, registry.Handler(), cfg.App.AllowedOrigins)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	slog.Info("starting server", "port", srv.Addr)

	if err := srv.ListenAndServe(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
