package main

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/KaushikKC/CharmPay/internal/api"
	"github.com/KaushikKC/CharmPay/internal/broadcast"
	"github.com/KaushikKC/CharmPay/internal/charms"
	"github.com/KaushikKC/CharmPay/internal/esplora"
	"github.com/KaushikKC/CharmPay/internal/funding"
	"github.com/KaushikKC/CharmPay/internal/graceful"
	"github.com/KaushikKC/CharmPay/internal/logging"
	"github.com/KaushikKC/CharmPay/internal/metrics"
	"github.com/KaushikKC/CharmPay/internal/registry"
	"github.com/KaushikKC/CharmPay/internal/signing"
	"github.com/KaushikKC/CharmPay/internal/subscription"
	"github.com/KaushikKC/CharmPay/internal/wallet"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := newConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	logger := logging.NewLogger(cfg.LogFormat)

	metricsServer := metrics.StartMetricsServer(cfg.Metrics, []string{metrics.ServiceHTTP, metrics.ServiceFlow}, logger)
	defer func() {
		if err := metricsServer.Stop(ctx); err != nil {
			logger.Errorf("failed to stop metrics server: %v", err)
		}
	}()

	params, err := netParams(cfg.Network)
	if err != nil {
		logger.Fatalf("failed to resolve network: %v", err)
	}

	pgPool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to initialize Postgres pool: %v", err)
	}
	defer pgPool.Close()

	store, err := subscription.NewPostgresStore(ctx, pgPool)
	if err != nil {
		logger.Fatalf("failed to initialize subscription store: %v", err)
	}

	fundingRegistry, err := registry.NewPostgres(ctx, pgPool)
	if err != nil {
		logger.Fatalf("failed to initialize funding registry: %v", err)
	}

	index := esplora.NewClient(cfg.Esplora.URL)
	prover := charms.NewProver(cfg.Prover.URL, logger)
	walletClient := wallet.NewRPCClient(cfg.Wallet.URL, logger)

	service := subscription.NewService(
		index,
		prover,
		funding.NewAllocator(index, fundingRegistry, cfg.Funding.SettleDelay, logger),
		signing.NewAdapter(index, walletClient, logger),
		broadcast.NewBroadcaster(index, logger),
		store,
		metrics.NewFlowMetrics(),
		logger,
		subscription.Config{
			VK:               cfg.App.VK,
			AppBinary:        cfg.App.Binary,
			FeeRate:          cfg.Funding.FeeRate,
			MaxAttempts:      cfg.Funding.MaxAttempts,
			MaxRefreshCycles: cfg.Funding.MaxRefreshCycles,
			NetParams:        params,
		},
	)

	e := echo.New()
	e.HideBanner = true
	api.NewHandler(service, logger).Register(e)

	go func() {
		logger.WithField("port", cfg.Port).Info("starting server")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server stopped: %v", err)
		}
	}()

	<-graceful.MakeSigintChan()
	logger.Info("shutting down")
	if err := e.Shutdown(ctx); err != nil {
		logger.Errorf("failed to shut down server: %v", err)
	}
}
