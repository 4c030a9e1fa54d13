package main

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/KaushikKC/CharmPay/internal/graceful"
	"github.com/KaushikKC/CharmPay/internal/logging"
	"github.com/KaushikKC/CharmPay/internal/metrics"
	"github.com/KaushikKC/CharmPay/internal/subscription"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := newConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	logger := logging.NewLogger(cfg.LogFormat)

	metricsServer := metrics.StartMetricsServer(cfg.Metrics, nil, logger)
	defer func() {
		if err := metricsServer.Stop(ctx); err != nil {
			logger.Errorf("failed to stop metrics server: %v", err)
		}
	}()

	redisConnOpt, err := asynq.ParseRedisURI(cfg.Redis.URI)
	if err != nil {
		logger.Fatalf("failed to parse redis URI: %v", err)
	}
	asynqClient := asynq.NewClient(redisConnOpt)
	defer asynqClient.Close()

	pgPool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to initialize Postgres pool: %v", err)
	}
	defer pgPool.Close()

	store, err := subscription.NewPostgresStore(ctx, pgPool)
	if err != nil {
		logger.Fatalf("failed to initialize subscription store: %v", err)
	}

	sched := subscription.NewScheduler(store, asynqClient, cfg.TickInterval, logger)

	go func() {
		<-graceful.MakeSigintChan()
		logger.Info("shutting down")
		cancel()
	}()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("failed to run scheduler: %v", err)
	}
}
