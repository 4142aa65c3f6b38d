package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/savane-labs/backend-pay/internal/checkout"
	"github.com/savane-labs/backend-pay/internal/common"
	"github.com/savane-labs/backend-pay/internal/config"
	"github.com/savane-labs/backend-pay/internal/currency"
	"github.com/savane-labs/backend-pay/internal/events"
	"github.com/savane-labs/backend-pay/internal/health"
	"github.com/savane-labs/backend-pay/internal/lock"
	"github.com/savane-labs/backend-pay/internal/obs"
	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/queue"
	"github.com/savane-labs/backend-pay/internal/ratelimit"
	"github.com/savane-labs/backend-pay/internal/reconcile"
	"github.com/savane-labs/backend-pay/internal/resilience"
	"github.com/savane-labs/backend-pay/internal/security"
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
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "pay")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "pay-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if envBool("DB_AUTO_MIGRATE", true) {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pay-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	st := store.New(pool)

	providers := newProviderRegistry(cfg, logger)

	converter := currency.NewConverter(st, currency.NewCache(cfg.RateCacheTTL), logger)

	bus := &events.Bus{Store: st}
	engine := &txn.Engine{
		Store:    st,
		Notifier: &events.TerminalEmitter{Bus: bus, Logger: logger},
		Logger:   logger,
	}

	locker := lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}
	enqueuer := queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.PollWindow}
	poller := reconcile.Poller{
		Store:       st,
		Providers:   providers,
		Engine:      engine,
		Locker:      locker,
		LockTTL:     cfg.LockTTL,
		Enqueuer:    enqueuer,
		Interval:    cfg.PollInterval,
		Window:      cfg.PollWindow,
		MaxAttempts: cfg.PollMaxAttempts,
		Logger:      logger,
	}

	checkoutSvc := &checkout.Service{
		Store:              st,
		Providers:          providers,
		Converter:          converter,
		Scheduler:          poller,
		Bus:                bus,
		SettlementCurrency: cfg.SettlementCurrency,
		CallbackBase:       envOrDefault("PUBLIC_BASE_URL", ""),
		Logger:             logger,
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc, Validate: validator.New()}

	webhookHandler := reconcile.Webhook{
		Store:     st,
		Providers: providers,
		Engine:    engine,
		Locker:    locker,
		LockTTL:   cfg.LockTTL,
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Logger:    logger,
	}

	queueAdmin := &queue.AdminHandler{R: redisClient, Prefix: cfg.QueueRedisPrefix}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers{
		Enable:     envBool("SECURE_HEADERS", true),
		EnableHSTS: envBool("SECURE_HSTS", false),
	}.Middleware)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", true) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Deps{Pool: pool, Redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	checkoutLimiter := newCheckoutLimiter(cfg, redisClient, logger)
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}
	webhookLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "pay:rl:wh:"},
		Config: ratelimit.Config{
			Key:    func(r *http.Request) string { return chi.URLParam(r, "provider") },
			Window: time.Minute,
			Max:    envInt("RATE_LIMIT_WEBHOOK_PER_MINUTE", 600),
		},
		OnError: func(err error) { logger.Error().Err(err).Msg("webhook rate limit") },
	}

	r.Route("/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: 1 << 20}.Middleware)
		v.Route("/checkouts", func(c chi.Router) {
			if checkoutLimiter != nil {
				c.Use(checkoutLimiter.Handler)
			}
			c.Use(idem.Middleware)
			checkoutHandler.Routes(c)
		})
		v.With(webhookLimit.Middleware).Post("/webhooks/{provider}", webhookHandler.Handle)
	})

	adminToken := envOrDefault("SECURE_ADMIN_TOKEN", "")
	r.Route("/admin/queue", func(a chi.Router) {
		a.Use(requireAdminToken(adminToken))
		a.Get("/dlq", queueAdmin.ListDLQ)
		a.Post("/dlq/requeue", queueAdmin.RequeueDLQ)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-stopCtx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown http server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http server")
	}
	logger.Info().Msg("api stopped")
}

func newProviderRegistry(cfg *config.Config, logger zerolog.Logger) provider.Registry {
	return provider.Registry{
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

func newCheckoutLimiter(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) *limiterstdlib.Middleware {
	rate, err := limiter.NewRateFromFormatted(cfg.RateLimitCheckout)
	if err != nil {
		logger.Error().Err(err).Str("rate", cfg.RateLimitCheckout).Msg("parse checkout rate limit")
		return nil
	}
	lstore, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "pay:ratelimit"})
	if err != nil {
		logger.Error().Err(err).Msg("initialise rate limit store")
		return nil
	}
	return limiterstdlib.NewMiddleware(limiter.New(lstore, rate))
}

func requireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(token) == "" {
				common.JSONError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "admin endpoints disabled", nil)
				return
			}
			supplied := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
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

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="pprof"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
