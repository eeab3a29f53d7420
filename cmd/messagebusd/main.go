// Command messagebusd runs the publish/subscribe message bus HTTP service:
// it wires configuration, logging, metrics, the storage backend, the bus
// engine, and the long-poll HTTP handler, then serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/odin-labs/messagebus/internal/backend"
	"github.com/odin-labs/messagebus/internal/backend/memorybackend"
	"github.com/odin-labs/messagebus/internal/backend/redisbackend"
	"github.com/odin-labs/messagebus/internal/bus"
	"github.com/odin-labs/messagebus/internal/config"
	"github.com/odin-labs/messagebus/internal/httpapi"
	"github.com/odin-labs/messagebus/internal/identity"
	"github.com/odin-labs/messagebus/internal/logging"
	"github.com/odin-labs/messagebus/internal/metrics"
	"github.com/odin-labs/messagebus/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: logging.Format(cfg.Logging.Format)})
	registry := metrics.NewRegistry()

	be, err := buildBackend(cfg, &logger, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize backend")
	}
	defer be.Close()

	engine := bus.New(bus.Config{
		Backend:        be,
		Logger:         logger,
		Metrics:        registry,
		PublishLimiter: ratelimit.NewLimiter(cfg.RateLimit.PublishRatePerSecond, cfg.RateLimit.PublishBurst),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)

	handler := httpapi.New(httpapi.Config{
		Engine:            engine,
		Hooks:             buildIdentityHooks(cfg, &logger),
		BasePath:          cfg.Server.BasePath,
		LongPollTimeout:   cfg.Server.LongPollTimeout,
		KeepaliveInterval: cfg.Server.KeepaliveInterval,
		PollLimiter:       ratelimit.NewPerKeyLimiter(cfg.RateLimit.PollRatePerSecond, cfg.RateLimit.PollBurst, 10*time.Minute),
		Logger:            logger,
	})

	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	apiErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", apiServer.Addr).Msg("message-bus http server starting")
		apiErrCh <- apiServer.ListenAndServe()
	}()

	var metricsServer *http.Server
	metricsErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: registry.Handler()}
		go func() {
			logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("metrics http server starting")
			metricsErrCh <- metricsServer.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-apiErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api server error")
		}
		stop()
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown error")
		}
	}

	engine.Stop()
	logger.Info().Msg("message-bus stopped")
}

func buildBackend(cfg config.Config, logger *zerolog.Logger, registry *metrics.Registry) (backend.Backend, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("redis.addr not set, using in-memory backend (not for production use)")
		mb := memorybackend.New()
		mb.SetMetrics(registry)
		return mb, nil
	}
	return redisbackend.New(redisbackend.Config{
		Addr:                 cfg.Redis.Addr,
		Password:             cfg.Redis.Password,
		DB:                   cfg.Redis.DB,
		DialTimeout:          cfg.Redis.DialTimeout,
		ReadTimeout:          cfg.Redis.ReadTimeout,
		WriteTimeout:         cfg.Redis.WriteTimeout,
		PoolSize:             cfg.Redis.PoolSize,
		MaxGlobalBacklogSize: cfg.Backend.MaxGlobalBacklogSize,
		GlobalClearEvery:     cfg.Backend.GlobalClearEvery,
		Logger:               logger,
		Metrics:              registry,
	})
}

// buildIdentityHooks selects JWT-backed identity resolution when a secret
// is configured, the same on/off switch buildBackend uses for Redis vs.
// in-memory storage.
func buildIdentityHooks(cfg config.Config, logger *zerolog.Logger) identity.Hooks {
	if cfg.Identity.JWTSecret == "" {
		logger.Warn().Msg("identity.jwt_secret not set, sessions are unscoped (not for production use)")
		return identity.NoopHooks()
	}
	return identity.NewJWTManager(cfg.Identity.JWTSecret).Hooks()
}
