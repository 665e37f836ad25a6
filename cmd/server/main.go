package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	convmodels "roleplay-chat-demo/backend/conversation/models"
	"roleplay-chat-demo/backend/conversation/repository"
	"roleplay-chat-demo/backend/conversation/service"
	"roleplay-chat-demo/backend/pkg/cache"
	"roleplay-chat-demo/backend/pkg/config"
	"roleplay-chat-demo/backend/pkg/health"
	"roleplay-chat-demo/backend/pkg/logger"
	"roleplay-chat-demo/backend/pkg/router"
	"roleplay-chat-demo/backend/shared/observability"
	"roleplay-chat-demo/backend/shared/redis"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.New()

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"
	appLog := logger.New(logConfig)
	logger.SetGlobal(appLog)

	appLog.Info("starting server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// Tracing and metrics
	shutdownTracing, err := observability.SetupTracing("roleplay-chat-backend")
	if err != nil {
		appLog.LogError(err, "failed to initialize tracing")
		os.Exit(1)
	}
	_, metricsHandler, err := observability.SetupMetrics()
	if err != nil {
		appLog.LogError(err, "failed to initialize metrics")
		os.Exit(1)
	}

	// Database
	db, err := config.NewDB()
	if err != nil {
		appLog.LogError(err, "failed to initialize database")
		os.Exit(1)
	}
	if err := db.AutoMigrate(&convmodels.Message{}, &convmodels.Scenario{}); err != nil {
		appLog.LogError(err, "failed to migrate database")
		os.Exit(1)
	}

	// Redis relay
	redisClient := redis.NewClient(redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()

	// Feed service
	feed := service.NewFeedService(service.Config{
		Messages:  repository.NewGormMessageRepository(db),
		Scenarios: repository.NewGormScenarioRepository(db),
		Relay:     redisClient,
		Cache:     cache.New(cfg.Cache.TTL, cfg.Cache.PurgeWindow, cfg.Cache.MaxSize),
		Logger:    appLog,
	})
	feed.StartRelay(relayCtx)

	// Health checks
	checker := health.NewChecker(appLog)
	checker.RegisterCheck("database", func() (health.Status, string, error) {
		if err := config.TestConnection(db); err != nil {
			return health.StatusDown, "database unreachable", err
		}
		return health.StatusUp, "database connection ok", nil
	})
	checker.RegisterCheck("redis", func() (health.Status, string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx); err != nil {
			// The relay degrades to local-only delivery, so redis being
			// down is degraded rather than down.
			return health.StatusDegraded, "feed relay unreachable", err
		}
		return health.StatusUp, "feed relay ok", nil
	})
	checker.Start(30 * time.Second)
	defer checker.Stop()

	// Router + hub
	r := router.New(router.Options{
		Feed:           feed,
		Checker:        checker,
		Logger:         appLog,
		MetricsHandler: metricsHandler,
	})
	r.SetupRoutes()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r.Engine,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	go func() {
		appLog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.LogError(err, "server failed")
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("shutting down")
	cancelRelay()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLog.LogError(err, "forced shutdown")
	}
	if err := shutdownTracing(ctx); err != nil {
		appLog.LogError(err, "tracing shutdown failed")
	}
	if err := redisClient.Close(); err != nil {
		appLog.LogError(err, "redis close failed")
	}
	appLog.Info("server stopped")
}
