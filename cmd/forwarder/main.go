// Command forwarder runs the callback-forwarder service: an HTTP ingestion
// layer that authenticates, deduplicates, and persists provider webhook
// callbacks into Postgres.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/forwarder/pkg/api"
	"github.com/Mindburn-Labs/forwarder/pkg/auth"
	"github.com/Mindburn-Labs/forwarder/pkg/config"
	"github.com/Mindburn-Labs/forwarder/pkg/dedup"
	"github.com/Mindburn-Labs/forwarder/pkg/observability"
	"github.com/Mindburn-Labs/forwarder/pkg/store"
	"github.com/Mindburn-Labs/forwarder/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("forwarder exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, db, logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	events := store.New(db, logger)

	var cache dedup.Cache
	switch strings.ToLower(cfg.DedupBackend) {
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("DEDUP_BACKEND=redis requires REDIS_ADDR")
		}
		redisCache := dedup.NewRedisCache(cfg.RedisAddr, cfg.DedupTTL, logger)
		defer redisCache.Close()
		cache = redisCache
	case "memory", "":
		cache = dedup.NewMemoryCache(cfg.DedupTTL)
	default:
		return fmt.Errorf("unknown DEDUP_BACKEND %q", cfg.DedupBackend)
	}
	deduper := dedup.New(cache, events, logger)

	authn := auth.New(cfg.EnableAuth, cfg.ProviderSecrets, cfg.AllowedIPs, logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "callback-forwarder",
		ServiceVersion: "1.0.0",
		Environment:    getenvDefault("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	handler := webhook.NewHandler("alchemy", authn, deduper, events, events,
		cfg.MaxBodyBytes, obs, logger)

	var wrap func(http.Handler) http.Handler
	if cfg.RateLimitRPS > 0 {
		limiter := api.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2)
		wrap = limiter.Middleware
	}

	mux := http.NewServeMux()
	handler.Register(mux, wrap)
	mux.HandleFunc("/ping", handler.ServePing)
	mux.HandleFunc("/health", handler.ServeHealth)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("forwarder listening",
			"addr", srv.Addr,
			"auth_enabled", cfg.EnableAuth,
			"dedup_backend", cfg.DedupBackend,
			"rate_limit_rps", cfg.RateLimitRPS,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown observability", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
