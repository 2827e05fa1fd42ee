// Package main is the entry point for the polarsync API server.
//
// It loads configuration, connects the PostgreSQL pool, wires the webhook
// ingestion pipeline (verifier, ledger, reconciler) and billing handlers,
// and serves HTTP with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"polarsync/internal/api/handlers"
	"polarsync/internal/config"
	"polarsync/internal/core"
	"polarsync/internal/db"
	"polarsync/internal/external"
	"polarsync/internal/reconcile"
	"polarsync/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("polarsync API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	pool, err := newPool(cfg)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Repositories.
	ledgerRepo := db.NewLedgerRepo(pool, logger)
	customerRepo := db.NewCustomerRepo(pool, logger)
	subscriptionRepo := db.NewSubscriptionRepo(pool, logger)
	userRepo := db.NewUserRepo(pool, logger)

	// Webhook pipeline.
	verifier := webhook.NewVerifier(cfg.Polar.MaxTimestampAge)
	reconciler := reconcile.NewReconciler(customerRepo, subscriptionRepo, userRepo, logger)

	// Outbound Polar client.
	polarClient := external.NewPolarClient(
		&http.Client{Timeout: 20 * time.Second},
		external.PolarClientConfig{
			AccessToken: cfg.Polar.AccessToken,
			BaseURL:     cfg.Polar.APIBaseURL,
			Logger:      logger,
		},
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	srv.HealthProbes = []core.HealthProbe{
		core.HealthProbeFunc{ProbeName: "database", Fn: pool.Ping},
	}

	webhookHandler := handlers.NewPolarWebhookHandler(
		verifier,
		ledgerRepo,
		reconciler,
		cfg.Polar.WebhookSecret,
		logger,
	)
	billingHandler := handlers.NewBillingHandler(
		polarClient,
		userRepo,
		customerRepo,
		cfg,
		srv.Validator,
		logger,
	)

	srv.RouteRegistrars = append(srv.RouteRegistrars,
		func(r chi.Router) { webhookHandler.RegisterRoutes(r) },
		func(r chi.Router) { billingHandler.RegisterRoutes(r) },
	)

	srv.MountRoutes()

	return serve(srv, cfg, logger)
}

// newPool builds the pgx connection pool and verifies connectivity before
// the server starts accepting traffic.
func newPool(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// serve runs the HTTP server until a shutdown signal arrives, then drains
// in-flight requests within the configured shutdown timeout.
func serve(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured JSON slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
