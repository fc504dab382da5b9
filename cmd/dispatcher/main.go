package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-jobqueue/config"
	"github.com/vnmchuo/llm-jobqueue/internal/api"
	"github.com/vnmchuo/llm-jobqueue/internal/dispatch"
	"github.com/vnmchuo/llm-jobqueue/internal/jobstore"
	"github.com/vnmchuo/llm-jobqueue/internal/metrics"
	"github.com/vnmchuo/llm-jobqueue/internal/provider"
	"github.com/vnmchuo/llm-jobqueue/internal/provider/claude"
	"github.com/vnmchuo/llm-jobqueue/internal/provider/gemini"
	"github.com/vnmchuo/llm-jobqueue/internal/provider/openai"
	"github.com/vnmchuo/llm-jobqueue/internal/provider/replicate"
	"github.com/vnmchuo/llm-jobqueue/internal/telemetry"
	"github.com/vnmchuo/llm-jobqueue/pkg/ratelimit"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = logger

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Init telemetry
	ctx := context.Background()
	tracer, shutdownTracer, err := telemetry.Init(ctx, "llm-jobqueue", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL (terminal-record archive)
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}
	logger.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis (rate-limit counters)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping redis")
	}
	logger.Info().Msg("Redis connected")

	// 5. Init rate limiter and archive
	limiter := ratelimit.NewLimiter(rdb)
	archive := jobstore.NewPostgresStore(pool)

	// 6. Init metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// 7. Init dispatcher with one queue per configured provider
	d := dispatch.New(limiter, dispatch.Options{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: m,
		Archive: archive,
	})

	clients := map[string]func(string) provider.Client{
		"openai":    openai.New,
		"claude":    claude.New,
		"gemini":    gemini.New,
		"replicate": replicate.New,
	}
	for name, settings := range cfg.Providers {
		newClient, ok := clients[name]
		if !ok {
			logger.Fatal().Str("provider", name).Msg("no client for configured provider")
		}
		d.Register(name, newClient(settings.APIKey), dispatch.ProviderConfig{
			RateLimitMax:     settings.RateLimitMax,
			RateLimitWindow:  settings.RateLimitWindow,
			MaxAttempts:      settings.MaxAttempts,
			BackoffBaseDelay: settings.BackoffBaseDelay,
			Concurrency:      settings.Concurrency,
			HandlerTimeout:   settings.HandlerTimeout,
			RetainCompleted:  cfg.RetainCompleted,
			RetainFailed:     cfg.RetainFailed,
		})
		logger.Info().
			Str("provider", name).
			Int64("rate_limit_max", settings.RateLimitMax).
			Dur("rate_limit_window", settings.RateLimitWindow).
			Msg("provider queue registered")
	}

	d.Start(ctx)

	// 8. HTTP surface
	handler := api.NewHandler(d, tracer)
	router := api.NewRouter(handler, registry)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("job dispatcher starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	logger.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new jobs first, then drain the worker loops.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced server shutdown")
	}
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("dispatcher shutdown incomplete")
	}
	logger.Info().Msg("stopped")
}
