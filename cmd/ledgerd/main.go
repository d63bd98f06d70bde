package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/interledger/rafiki-sub008/internal/accounting"
	"github.com/interledger/rafiki-sub008/internal/accounting/psql"
	"github.com/interledger/rafiki-sub008/internal/accounting/tigerbeetle"
	"github.com/interledger/rafiki-sub008/internal/config"
	"github.com/interledger/rafiki-sub008/internal/infra"
	"github.com/interledger/rafiki-sub008/internal/logging"
	"github.com/interledger/rafiki-sub008/internal/metrics"
	"github.com/interledger/rafiki-sub008/internal/routes"
	"github.com/interledger/rafiki-sub008/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)

	ctx := context.Background()

	var (
		svc   accounting.AccountingService
		db    *pgxpool.Pool
		cache *redis.Client
	)

	switch cfg.Backend {
	case config.BackendPostgres:
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := psql.Migrate(ctx, db); err != nil {
			logger.Error("run migrations", "error", err)
			os.Exit(1)
		}

		opts := []psql.Option{psql.WithLogger(logger)}
		if cfg.RedisURL != "" {
			cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				logger.Error("connect redis", "error", err)
				os.Exit(1)
			}
			defer func() {
				if err := cache.Close(); err != nil {
					logger.Warn("close redis", "error", err)
				}
			}()
			opts = append(opts, psql.WithCache(cache))
		}
		svc = psql.NewService(db, opts...)

	case config.BackendTigerBeetle:
		client, err := tigerbeetle.Connect(cfg.TigerBeetleClusterID, cfg.TigerBeetleAddresses)
		if err != nil {
			logger.Error("connect tigerbeetle", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		svc = tigerbeetle.NewService(client, tigerbeetle.WithLogger(logger))

	case config.BackendMemory:
		logger.Warn("using in-memory accounting backend, data will not survive restarts")
		svc = accounting.NewInMemory()
	}

	svc = metrics.Instrument(svc)

	srv, err := server.New(routes.Deps{
		Cfg:        cfg,
		Accounting: svc,
		DB:         db,
		Cache:      cache,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress(),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srvErrCh := make(chan error, 2)
	go func() {
		logger.Info("api listening", "addr", cfg.Address(), "backend", string(cfg.Backend))
		srvErrCh <- srv.Listen()
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddress())
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
