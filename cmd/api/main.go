// Package main is the entry point for the expensio billing webhook service.
//
// It loads configuration, connects to PostgreSQL, selects the replay-guard
// backend, wires the reconciliation pipeline behind the webhook endpoint, and
// runs the API server alongside the Prometheus exposition server until a
// shutdown signal arrives.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"expensio/internal/api/handlers"
	"expensio/internal/audit"
	"expensio/internal/billing"
	"expensio/internal/config"
	"expensio/internal/core"
	"expensio/internal/db"
	"expensio/internal/external"
	"expensio/internal/replay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("expensio billing service starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	guard, err := newReplayGuard(cfg.Replay, logger)
	if err != nil {
		return fmt.Errorf("creating replay guard: %w", err)
	}

	// Repositories.
	orgRepo := db.NewOrganizationRepository(pool)
	planRepo := db.NewPlanRepository(pool)
	subRepo := db.NewSubscriptionRepository(pool, logger)
	invoiceRepo := db.NewInvoiceRepository(pool)
	auditRepo := db.NewAuditLogRepository(pool)

	// Reconciliation pipeline.
	auditLogger := audit.NewLogger(auditRepo, logger)
	resolver := billing.NewResolver(orgRepo, planRepo)
	reconciler := billing.NewReconciler(
		resolver,
		planRepo,
		subRepo,
		invoiceRepo,
		auditLogger,
		cfg.Billing.FreePlanID,
		logger,
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Pinger = pool

	webhookHandler := handlers.NewWebhookHandler(
		external.NewHMACVerifier(),
		guard,
		reconciler.Routes(),
		auditLogger,
		srv.Metrics,
		cfg.Billing.WebhookSecret,
		logger,
	)
	srv.RouteRegistrars = append(srv.RouteRegistrars, webhookHandler.RegisterRoutes)
	srv.MountRoutes()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	if err := srv.Metrics.Register(registry); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	return serve(ctx, cfg, srv.Handler(), registry, logger)
}

// newReplayGuard builds the configured replay-guard backend. The Redis guard
// is wrapped in a circuit breaker so a cache outage degrades to fail-open
// instead of failing billing ingestion.
func newReplayGuard(cfg config.ReplayConfig, logger *slog.Logger) (replay.Guard, error) {
	switch cfg.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		return replay.NewBreakerGuard(replay.NewRedisGuard(client), logger), nil
	default:
		return replay.NewMemoryGuard(), nil
	}
}

// serve runs the API server and the metrics server until ctx is canceled,
// then shuts both down gracefully with a 10-second deadline.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler, registry *prometheus.Registry, logger *slog.Logger) error {
	apiServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              ":" + cfg.Metrics.Port,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API server listening", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
