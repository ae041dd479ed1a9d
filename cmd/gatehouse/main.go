package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatehouse-io/gatehouse/internal/app"
	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/gate"
	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/permissions"
	"github.com/gatehouse-io/gatehouse/internal/platform/db"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var catalogCache *features.CatalogCache
	if cfg.FlagCacheTTL > 0 {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping, catalog cache disabled", slog.Any("error", err))
		} else {
			catalogCache = features.NewCatalogCache(redisClient, cfg.FlagCacheTTL)
		}
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

	bucketMode, err := features.ParseBucketMode(cfg.BucketMode)
	if err != nil {
		logger.Error("bucket mode", slog.Any("error", err))
		os.Exit(1)
	}

	featureRepo := features.NewRepository(pool)
	featureService := features.NewService(featureRepo, features.ServiceConfig{
		BucketMode: bucketMode,
		Cache:      catalogCache,
		Metrics:    metrics,
		Audit:      auditLogger,
		Logger:     logger,
	})

	permissionRepo := permissions.NewRepository(pool)
	permissionService := permissions.NewService(permissionRepo, auditLogger, logger)

	accessGate := gate.New(featureService, permissionService, logger)
	guards := gate.Middleware{Gate: accessGate, Logger: logger}

	if missing, err := featureService.VerifyCatalog(ctx); err != nil {
		logger.Warn("verify flag catalog", slog.Any("error", err))
	} else if len(missing) > 0 {
		logger.Warn("known feature keys missing from catalog, resolving as disabled", slog.Any("keys", missing))
	}
	if missing, err := permissionService.VerifyGroups(ctx); err != nil {
		logger.Warn("verify permission groups", slog.Any("error", err))
	} else if len(missing) > 0 {
		logger.Warn("group template slugs without an active app", slog.Any("slugs", missing))
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		FeaturesHandler:    features.NewHandler(logger, featureService, guards.RequireAdmin),
		PermissionsHandler: permissions.NewHandler(logger, permissionService, guards.RequireAdmin),
		GateHandler:        gate.NewHandler(logger, accessGate),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
