package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/api"
	"github.com/lalithlochan/driveline/internal/app"
	"github.com/lalithlochan/driveline/internal/circuitbreaker"
	"github.com/lalithlochan/driveline/internal/config"
	"github.com/lalithlochan/driveline/internal/observ"
	"github.com/lalithlochan/driveline/internal/redis"
	"github.com/lalithlochan/driveline/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting driveline notification agent",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("api_url", cfg.APIURL),
	)

	ctx := context.Background()

	// Credentials: environment first, then the keyring
	sources := []session.Source{session.EnvSource{}}
	var keyringStore *session.KeyringStore
	if cfg.UseKeyring {
		ring, err := session.OpenKeyring(cfg.KeyringDir)
		if err != nil {
			logger.Warn("keyring unavailable, credentials will not be remembered", zap.Error(err))
		} else {
			keyringStore = session.NewKeyringStore(ring)
			sources = append(sources, keyringStore)
		}
	}

	// Redis for snapshots and rate limiting
	var snapshots *redis.SnapshotStore
	var rateLimiter *redis.RateLimiter
	if cfg.RedisEnabled() {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, snapshots and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			snapshots = redis.NewSnapshotStore(redisClient, cfg.SnapshotTTL, logger)
			if cfg.RateLimit > 0 {
				rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
					Limit:  cfg.RateLimit,
					Window: time.Minute,
				})
			}
		}
	}

	opts := app.Options{Sources: sources}
	if snapshots != nil {
		opts.Snapshots = snapshots
	}
	if keyringStore != nil {
		opts.Credentials = keyringStore
	}

	agent := app.New(app.Config{
		APIURL:         cfg.APIURL,
		WSPath:         cfg.WSPath,
		HTTPTimeout:    cfg.HTTPTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		PollInterval:   cfg.UnreadPollInterval,
		ListRefresh:    cfg.ListRefreshInterval,
		PreviewLimit:   cfg.PreviewLimit,
		Breaker: circuitbreaker.Config{
			Name:            "driveline-backend",
			MaxFailures:     cfg.BreakerMaxFailures,
			RecoveryTimeout: cfg.BreakerRecovery,
		},
	}, opts, logger)

	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer agent.Close()

	handler := api.NewHandler(logger, agent)

	// Setup HTTP server
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     api.NewRouter(handler, rateLimiter, logger),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /v1/events streams indefinitely
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(handler.CloseStreams)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
