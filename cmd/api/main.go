package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/dispatch-sla-back/internal/candidates"
	"github.com/iago/dispatch-sla-back/internal/clock"
	"github.com/iago/dispatch-sla-back/internal/config"
	"github.com/iago/dispatch-sla-back/internal/dispatch"
	httpserver "github.com/iago/dispatch-sla-back/internal/http"
	"github.com/iago/dispatch-sla-back/internal/http/handlers"
	"github.com/iago/dispatch-sla-back/internal/notify"
	"github.com/iago/dispatch-sla-back/internal/repository"
	"github.com/iago/dispatch-sla-back/internal/service"
)

func main() {
	logger := log.New(os.Stdout, "[dispatch] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	notifier, notifierCloser := setupNotifier(ctx, cfg, logger)
	defer notifierCloser()

	systemClock := clock.NewSystemClock()
	provider := candidates.NewRosterProvider(store)

	engine := dispatch.NewEngine(store, provider, notifier, systemClock, logger, dispatch.Config{
		ResponseDeadline: time.Duration(cfg.ResponseDeadlineSeconds) * time.Second,
		MaxAutoAttempts:  cfg.MaxAutoAttempts,
		ManualRankWeight: cfg.ManualRankWeight,
	})
	monitor := dispatch.NewMonitor(store, engine, systemClock, logger, time.Duration(cfg.MonitorSweepSeconds)*time.Second)
	engine.SetScheduler(monitor)

	gateway := dispatch.NewGateway(engine, store, notifier, logger)
	queries := service.NewJobQueryService(store)
	api := handlers.NewAPI(engine, gateway, queries)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		ServiceToken:   cfg.ServiceToken,
		JWTSecret:      cfg.JWTSecret,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.MonitorEnabled {
		go monitor.Start(ctx)
		logger.Printf("sla monitor enabled and started")
	} else {
		logger.Printf("sla monitor disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func setupStore(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), func() {}
	}

	pgStore, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres store, fallback to memory: %v", err)
		return repository.NewMemoryStore(), func() {}
	}
	logger.Printf("postgres store initialized")
	return pgStore, func() {
		pgStore.Close()
	}
}

func setupNotifier(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (notify.Notifier, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using log notifier")
		return notify.NewLogNotifier(logger), func() {}
	}

	streams, err := notify.NewStreamsNotifier(ctx, notify.StreamsConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Stream:   cfg.NotificationStream,
	})
	if err != nil {
		logger.Printf("failed to initialize streams notifier, fallback to log: %v", err)
		return notify.NewLogNotifier(logger), func() {}
	}
	logger.Printf("redis streams notifier initialized")
	return streams, func() {
		_ = streams.Close()
	}
}
