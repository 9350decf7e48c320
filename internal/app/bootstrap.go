package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"authcore/internal/auth"
	"authcore/internal/auth/redisstore"
	"authcore/internal/db"
	"authcore/internal/maintenance"
	"authcore/internal/observability"
)

// Version is stamped at build time with -ldflags "-X authcore/internal/app.Version=...".
var Version = "dev"

type Options struct {
	LoadDotEnv bool
	// ForceMigrations applies migrations regardless of RUN_MIGRATIONS_ON_STARTUP.
	ForceMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  Config
	Logger  *observability.Logger
	Service *auth.Service
	Close   func() error
}

type healthCheck func(ctx context.Context) error

func Build(ctx context.Context, options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err})
	}

	var closers []func() error
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		observability.FlushSentry()
		_ = logger.Sync()
		return firstErr
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		directory   auth.IdentityDirectory
		windowStore auth.WindowStore
		targets     maintenance.Targets
		checks      []healthCheck
	)
	stores := auth.NewMemoryStores()

	if cfg.DatabaseURL != "" {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { pool.Close(); return nil })

		if cfg.RunMigrations || options.ForceMigrations {
			applied, err := db.RunMigrations(ctx, pool)
			if err != nil {
				return fail(fmt.Errorf("run migrations: %w", err))
			}
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}

		repo := auth.NewRepository(pool)
		directory = repo
		stores.Attempts = repo
		windowStore = repo
		targets.Database = repo
		checks = append(checks, repo.Ping)
	} else {
		directory = auth.NewMemoryDirectory()
		logger.Warn("memory_directory_in_use", map[string]any{"reason": "DATABASE_URL not set"})
	}

	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, client.Close)

		stores.Attempts = redisstore.NewAttemptTracker(client, "", cfg.LoginAttemptRetention)
		stores.Sessions = redisstore.NewSessionRegistry(client, "", cfg.StaySignedInTTL)
		stores.Recovery = redisstore.NewRecoveryRegistry(client, "", cfg.RecoveryTokenRetention)
		stores.History = redisstore.NewPasswordHistory(client, "")
		windowStore = redisstore.NewWindowStore(client, "")
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	} else {
		logger.Warn("memory_session_stores_in_use", map[string]any{"reason": "REDIS_URL not set"})
	}

	if pruner, ok := stores.Attempts.(maintenance.AttemptPruner); ok {
		targets.Attempts = pruner
	}
	if pruner, ok := stores.Recovery.(maintenance.RecoveryPruner); ok {
		targets.Recovery = pruner
	}

	hasher, err := auth.NewPasswordHasher(cfg.PasswordHasher)
	if err != nil {
		return fail(err)
	}
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.StaySignedInTTL)

	flowMetrics, err := auth.NewMetrics(registry)
	if err != nil {
		return fail(err)
	}
	httpMetrics, err := observability.NewHTTPMetrics(observability.HTTPMetricsOptions{Registerer: registry})
	if err != nil {
		return fail(err)
	}

	authService, err := auth.NewService(directory, stores, hasher, tokens,
		auth.WithSecurityConfig(cfg.Policy),
		auth.WithLogger(logger),
		auth.WithMetrics(flowMetrics),
	)
	if err != nil {
		return fail(err)
	}

	if err := bootstrapIdentity(ctx, directory, hasher, cfg.Bootstrap); err != nil {
		return fail(fmt.Errorf("bootstrap identity: %w", err))
	}

	authHandler := auth.NewHandler(authService, logger)
	loginLimiter := auth.NewLoginRateLimiter(windowStore, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger)
	cleanupHandler := maintenance.NewCleanupHandler(
		targets,
		logger,
		cfg.CronSecret,
		cfg.LoginAttemptRetention,
		cfg.RecoveryTokenRetention,
		cfg.CleanupBatchSize,
	)

	mux := http.NewServeMux()
	mux.Handle("POST /api/external/security/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /api/external/security/logout", authHandler.Logout)
	mux.HandleFunc("POST /api/external/security/recover-password", authHandler.RequestRecovery)
	mux.HandleFunc("PUT /api/external/security/recover-password", authHandler.ResetPassword)
	mux.Handle("GET /api/internal/security/session", auth.RequireSession(authService, http.HandlerFunc(authHandler.Session)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(checks))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	handler := observability.SentryMiddleware(
		observability.RecoverMiddleware(logger,
			observability.RequestLoggingMiddleware(logger,
				httpMetrics.Middleware(mux))))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Service: authService,
		Close:   closeAll,
	}, nil
}

func openPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func bootstrapIdentity(ctx context.Context, directory auth.IdentityDirectory, hasher auth.PasswordHasher, seed BootstrapIdentity) error {
	if seed.Email == "" || seed.Password == "" {
		return nil
	}
	writer, ok := directory.(auth.IdentityWriter)
	if !ok {
		return fmt.Errorf("directory %T cannot store identities", directory)
	}

	digest, err := hasher.Hash(seed.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = writer.UpsertIdentity(ctx, auth.Identity{
		UserType:       seed.UserType,
		Email:          seed.Email,
		PasswordDigest: digest,
		Status:         auth.StatusActive,
		FullName:       seed.Name,
	})
	return err
}

func healthHandler(checks []healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		for _, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
