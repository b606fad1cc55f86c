package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/splax/kvscope/internal/app/migrate"
	httpx "github.com/splax/kvscope/internal/http"
	"github.com/splax/kvscope/internal/instrument"
	"github.com/splax/kvscope/internal/repository"
	"github.com/splax/kvscope/internal/repository/memory"
	"github.com/splax/kvscope/internal/repository/postgres"
	"github.com/splax/kvscope/internal/service/diagnostics"
	"github.com/splax/kvscope/internal/ws"
	"github.com/splax/kvscope/pkg/config"
	"github.com/splax/kvscope/pkg/crypto"
	"github.com/splax/kvscope/pkg/logger"
	kvotel "github.com/splax/kvscope/pkg/otel"
)

var buildVersion = "dev"

func main() {
	cfg := config.Load()
	log := logger.New("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := kvotel.NewTracerProvider(ctx, kvotel.Config{
		ServiceName:    "kvscope-api",
		ServiceVersion: buildVersion,
		UseStdout:      cfg.TraceStdout,
	})
	if err != nil {
		log.Error("failed to configure tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	kv := redis.NewClient(redisOpts)
	defer kv.Close()
	if cfg.InstrumentationEnabled {
		hook := instrument.NewHook(instrument.ConnectionIDFor(redisOpts),
			instrument.WithTracerProvider(tp),
			instrument.WithLogger(log),
		)
		kv.AddHook(hook)
		log.Info("kv instrumentation enabled", "connection", hook.ConnectionID())
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := kv.Ping(pingCtx).Err(); err != nil {
		log.Warn("kv store unreachable at startup", "addr", cfg.RedisAddr, "error", err)
	}
	cancel()

	var (
		repo     repository.CaptureRepository
		dbHealth func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		var repoOpts []postgres.Option
		if cfg.CaptureEncryptionKey != "" {
			sealer, err := crypto.NewSealer(cfg.CaptureEncryptionKey)
			if err != nil {
				log.Error("invalid capture encryption key", "error", err)
				os.Exit(1)
			}
			repoOpts = append(repoOpts, postgres.WithSealer(sealer))
		}
		repo = postgres.New(pool, repoOpts...)
		dbHealth = pool.Ping
	} else {
		log.Info("no database configured, keeping capture history in memory", "capacity", cfg.CaptureHistory)
		repo = memory.New(cfg.CaptureHistory)
	}

	var metrics *diagnostics.Metrics
	if cfg.MetricsEnabled {
		metrics = diagnostics.NewMetrics(prometheus.DefaultRegisterer)
	}
	hub := ws.NewHub(ws.WithLogger(log))
	defer hub.Close()
	diagSvc := diagnostics.NewService(repo, hub, log, metrics, diagnostics.Options{})

	limiter := httpx.NewMemoryRateLimiter()
	if cfg.RateLimitBackend == "redis" {
		limiter.Close()
		limiter = httpx.NewRedisRateLimiter(kv, "", log)
	}

	if cfg.DiagnosticsSecret == "" {
		log.Warn("DIAGNOSTICS_JWT_SECRET not set, diagnostics endpoints are disabled")
	}
	router := httpx.NewRouter(httpx.Options{
		Logger:               log,
		KV:                   kv,
		Diagnostics:          diagSvc,
		Limiter:              limiter,
		TokenSecret:          cfg.DiagnosticsSecret,
		DBHealth:             dbHealth,
		Metrics:              cfg.MetricsEnabled,
		KVRateLimit:          cfg.KVRateLimit,
		DiagnosticsRateLimit: cfg.DiagnosticsRateLimit,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(router, "kvscope-api", otelhttp.WithTracerProvider(tp)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment, "version", buildVersion)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

