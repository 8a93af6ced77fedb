package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/gateway"
	"github.com/crosslogic/metering/internal/notifications"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/internal/tools"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/events"
	"go.uber.org/zap"
)

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	logger, err := newLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting metering service")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}
	logger.Info("connected to database")

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	eventBus := events.NewBus(logger)

	alertConfig, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load alert config", zap.Error(err))
	}
	notifications.NewService(alertConfig, redisCache, logger).Subscribe(eventBus)

	// Usage accounting
	usageStore := quota.NewPostgresStore(db)
	retrier := quota.NewCommitRetrier(
		usageStore,
		quota.NewRedisDeadLetters(redisCache, logger),
		quota.RetryConfig{
			Workers:     cfg.Quota.RetryWorkers,
			QueueSize:   cfg.Quota.RetryQueueSize,
			MaxAttempts: cfg.Quota.RetryMaxAttempts,
			BaseBackoff: cfg.Quota.RetryBaseBackoff,
			Timeout:     cfg.Quota.CommitTimeout,
		},
		eventBus,
		logger,
	)
	retrier.Start()

	quotaService := quota.NewService(quota.Options{
		Windows:       quota.NewRedisWindowCounter(redisCache),
		Store:         usageStore,
		Clock:         quota.NewDayClock(cfg.Quota.Location, nil),
		Retrier:       retrier,
		Publisher:     eventBus,
		CommitTimeout: cfg.Quota.CommitTimeout,
		Logger:        logger,
	})

	reconciler, err := quota.NewReconciler(retrier, cfg.Quota.ReconcileSchedule, logger)
	if err != nil {
		logger.Fatal("failed to schedule reconciler", zap.Error(err))
	}
	reconciler.Start()
	logger.Info("initialized usage accounting",
		zap.String("timezone", cfg.Quota.Location.String()),
		zap.Int("retry_workers", cfg.Quota.RetryWorkers),
	)

	// Plans and subscriptions
	plans := billing.NewPlanResolver(cfg.Plans, logger)
	principals := billing.NewPostgresPrincipals(db)
	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, principals, plans, redisCache, logger, eventBus)

	gw := gateway.NewGateway(gateway.Options{
		Quota:              quotaService,
		Plans:              plans,
		Principals:         principals,
		Cache:              redisCache,
		Catalog:            tools.NewPostgresCatalog(db),
		Runner:             tools.NewRunner(cfg.Backend, logger),
		Webhooks:           webhookHandler,
		Events:             eventBus,
		AdminToken:         cfg.Security.AdminAPIToken,
		AuthAttemptsPerMin: cfg.Security.AuthAttemptsPerMin,
		PrincipalCacheTTL:  cfg.Security.PrincipalCacheTTL,
		MetricsPath:        cfg.Monitoring.MetricsPath,
		Checks: map[string]gateway.HealthChecker{
			"database": db,
			"redis":    redisCache,
		},
		Logger: logger,
	})
	if cfg.Monitoring.Enabled {
		gw.StartHealthMetrics(ctx)
	}
	logger.Info("initialized API gateway")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// In-flight requests are done, so no new commits can reach the retrier.
	reconciler.Stop()
	retrier.Stop()
	eventBus.Drain()
	cancel()

	logger.Info("server stopped")
}
