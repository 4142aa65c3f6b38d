package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/savane-labs/backend-pay/internal/config"
	"github.com/savane-labs/backend-pay/internal/events"
	"github.com/savane-labs/backend-pay/internal/lock"
	"github.com/savane-labs/backend-pay/internal/obs"
	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/queue"
	"github.com/savane-labs/backend-pay/internal/reconcile"
	"github.com/savane-labs/backend-pay/internal/resilience"
	"github.com/savane-labs/backend-pay/internal/store"
	"github.com/savane-labs/backend-pay/internal/txn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "pay"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	st := store.New(pool)

	providers := provider.Registry{
		provider.NowPayments: &provider.NowPaymentsClient{
			APIKey:    cfg.NowPaymentsAPIKey,
			IPNSecret: cfg.NowPaymentsIPNSecret,
			BaseURL:   cfg.NowPaymentsBaseURL,
			HTTP:      outboundClient(cfg, provider.NowPayments, logger),
		},
		provider.Moneroo: &provider.MonerooClient{
			SecretKey: cfg.MonerooSecretKey,
			BaseURL:   cfg.MonerooBaseURL,
			HTTP:      outboundClient(cfg, provider.Moneroo, logger),
		},
	}

	bus := &events.Bus{Store: st}
	engine := &txn.Engine{
		Store:    st,
		Notifier: &events.TerminalEmitter{Bus: bus, Logger: logger},
		Logger:   logger,
	}

	poller := reconcile.Poller{
		Store:       st,
		Providers:   providers,
		Engine:      engine,
		Locker:      lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL:     cfg.LockTTL,
		Enqueuer:    queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.PollWindow},
		Interval:    cfg.PollInterval,
		Window:      cfg.PollWindow,
		MaxAttempts: cfg.PollMaxAttempts,
		Logger:      logger,
	}

	// Pick up transactions that were open before the worker last stopped.
	seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := poller.SeedOpen(seedCtx); err != nil {
		logger.Error().Err(err).Msg("seed open transactions")
	}
	cancel()

	pollWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              reconcile.TaskKindPoll,
		Concurrency:       cfg.PollConcurrency,
		VisibilityTimeout: envDurationMillis("QUEUE_VISIBILITY_TIMEOUT_MS", 30000),
		RetryBase:         envDurationMillis("QUEUE_BACKOFF_BASE_MS", 500),
		RetryJitter:       envFloat("QUEUE_BACKOFF_JITTER", 0.2),
		Logger:            logger,
		Handler:           poller.HandleTask,
	}

	logger.Info().Msg("worker starting")
	if err := pollWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pay-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func outboundClient(cfg *config.Config, target string, logger zerolog.Logger) *http.Client {
	breaker := resilience.NewBreaker(
		envInt("BREAKER_MIN_REQUESTS", 5),
		envFloat("BREAKER_FAILURE_RATIO", 0.5),
		envDurationMillis("BREAKER_OPEN_FOR_MS", 30000),
	).WithTarget(target).WithLogger(logger)
	return &http.Client{
		Timeout:   cfg.OutboundTimeout,
		Transport: resilience.Transport{Base: otelhttp.NewTransport(nil), Breaker: breaker},
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
