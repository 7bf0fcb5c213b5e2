// Package app wires configuration, infrastructure, and the HTTP surface
// together and runs the selected mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/queryowl/internal/audit"
	"github.com/wisbric/queryowl/internal/auth"
	"github.com/wisbric/queryowl/internal/config"
	"github.com/wisbric/queryowl/internal/httpserver"
	"github.com/wisbric/queryowl/internal/platform"
	"github.com/wisbric/queryowl/internal/telemetry"
	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/execstore"
	"github.com/wisbric/queryowl/pkg/history"
	"github.com/wisbric/queryowl/pkg/kvexec"
	"github.com/wisbric/queryowl/pkg/slack"
	"github.com/wisbric/queryowl/pkg/sqlexec"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or seed).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting queryowl",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	clouds, err := cloud.LoadConfig(cfg.CloudsConfigPath)
	if err != nil {
		return fmt.Errorf("loading cloud inventory: %w", err)
	}
	logger.Info("cloud inventory loaded",
		"primary", clouds.Primary.CloudName,
		"secondaries", len(clouds.Secondaries),
		"kv_clouds", len(clouds.KVClouds),
	)

	// Control store.
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to control store: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	// Shared execution-store Redis.
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisAddr(), cfg.RedisClusterMode)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, clouds, db, rdb, metricsReg)
	case "seed":
		return runSeed(ctx, cfg, logger, db)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, clouds *cloud.Config, db *pgxpool.Pool, rdb redis.UniversalClient, metricsReg *prometheus.Registry) error {
	// Session manager.
	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = auth.GenerateDevSecret()
		logger.Info("session: using auto-generated dev secret (set QUERYOWL_SESSION_SECRET in production)")
	}
	sessionMgr, err := auth.NewSessionManager(sessionSecret, time.Duration(cfg.SessionTTLSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	accounts := auth.NewStore(db)

	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	// Query-history archival writer.
	historyWriter := history.NewWriter(db, logger)
	historyWriter.Start(ctx)
	defer historyWriter.Close()

	// Pool registry over the declared clouds.
	registry := cloud.NewRegistry(clouds, logger, telemetry.PoolEvictionsTotal)
	defer registry.Close()

	// Execution store: shared Redis tier, or the in-memory tier when the
	// configured Redis is a local dev instance.
	var store execstore.Store
	if cfg.RedisIsLocal() {
		mem := execstore.NewMemoryStore(logger)
		mem.Start(ctx)
		store = mem
		logger.Info("execution store: in-memory (local dev)", "redis_host", cfg.RedisHost)
	} else {
		store = execstore.NewRedisStore(rdb, time.Duration(cfg.ExecutionTTLSeconds)*time.Second, logger)
		logger.Info("execution store: shared redis", "ttl_seconds", cfg.ExecutionTTLSeconds)
	}

	active := execstore.NewActiveRegistry()

	// Slack ops notifications (optional).
	slackNotifier := slack.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	var sqlNotify sqlexec.Notifier
	var scanNotify kvexec.Notifier
	if slackNotifier.IsEnabled() {
		sqlNotify = slackNotifier
		scanNotify = slackNotifier
		logger.Info("slack ops notifications enabled", "channel", cfg.SlackOpsChannel)
	} else {
		logger.Info("slack ops notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	// SQL fan-out executor.
	executor := sqlexec.NewExecutor(
		sqlexec.NewPoolSessions(registry),
		clouds, store, active, logger,
		sqlexec.Options{
			StatementTimeout: time.Duration(cfg.StatementTimeoutMS) * time.Millisecond,
			MaxQueryTimeout:  time.Duration(cfg.MaxQueryTimeoutMS) * time.Millisecond,
			History:          historyWriter,
		},
	)

	// Cache executors.
	clusters := kvexec.NewRegistryClusters(registry)
	commander := kvexec.NewCommander(clusters, clouds, logger)
	scanner := kvexec.NewScanner(clusters, store, active, scanNotify, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg, sessionMgr)

	// --- Auth routes (public, pre-authentication) ---

	// Rate limiter: 10 failed attempts per IP per 15 minutes.
	rateLimiter := auth.NewRateLimiter(rdb, 10, 15*time.Minute)
	loginHandler := auth.NewLoginHandler(sessionMgr, accounts, logger, rateLimiter)
	srv.Router.Post("/auth/login", loginHandler.HandleLogin)
	srv.Router.Get("/auth/me", loginHandler.HandleMe)
	srv.Router.Post("/auth/logout", loginHandler.HandleLogout)

	// --- Domain handlers ---

	queryHandler := sqlexec.NewHandler(executor, store, active, clouds, accounts, auditWriter, sqlNotify, logger)
	srv.APIRouter.Mount("/query", queryHandler.Routes())

	redisHandler := kvexec.NewHandler(commander, scanner, store, clouds, auditWriter, logger)
	srv.APIRouter.Mount("/redis", redisHandler.Routes())

	historyHandler := history.NewHandler(db, logger)
	srv.APIRouter.Mount("/history", historyHandler.Routes())

	auditHandler := audit.NewHandler(db, logger)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
