package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	labshttp "github.com/litree/labsos/internal/adapter/http"
	"github.com/litree/labsos/internal/adapter/litellm"
	labsnats "github.com/litree/labsos/internal/adapter/nats"
	"github.com/litree/labsos/internal/adapter/natskv"
	"github.com/litree/labsos/internal/adapter/openai"
	"github.com/litree/labsos/internal/adapter/otel"
	"github.com/litree/labsos/internal/adapter/postgres"
	"github.com/litree/labsos/internal/adapter/ristretto"
	"github.com/litree/labsos/internal/adapter/tiered"
	"github.com/litree/labsos/internal/config"
	"github.com/litree/labsos/internal/domain/tool"
	"github.com/litree/labsos/internal/logger"
	"github.com/litree/labsos/internal/middleware"
	"github.com/litree/labsos/internal/port/cache"
	"github.com/litree/labsos/internal/resilience"
	"github.com/litree/labsos/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	store := postgres.NewStore(pool)

	queue, err := labsnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// --- Metrics ---

	shutdownMeter, err := otel.InitMeter(ctx, cfg.Logging.Service, cfg.Metrics.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMeter(shutdownCtx); err != nil {
			slog.Error("meter shutdown", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Cache ---
	// L1 in-process ristretto in front of an L2 NATS KV bucket shared
	// across replicas. Revocation checks and idempotency replays both
	// ride this tier.

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	defer l1.Close()

	var tieredCache cache.Cache = l1
	kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		slog.Warn("nats kv unavailable, running on L1 cache only", "error", err)
	} else {
		tieredCache = tiered.New(l1, natskv.New(kv), cfg.Cache.L1Expire)
	}

	// --- Services ---

	tokenSvc, err := service.NewTokenService(store, tieredCache, cfg.Auth)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	scheduler := cron.New()
	if err := tokenSvc.ScheduleRevocationPurge(scheduler); err != nil {
		return fmt.Errorf("revocation purge: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	idemSvc := service.NewIdempotencyService(store, tieredCache, cfg.Idempotency.ResponseTTL)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	generator := openai.New(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Runtime.Model)

	var llmClient *litellm.Client
	if cfg.Model.AdminURL != "" {
		llmClient = litellm.NewClient(cfg.Model.AdminURL, cfg.Model.MasterKey)
		llmClient.SetBreaker(breaker)
	}

	registry := tool.NewRegistry()
	taskSvc := service.NewTaskService(store, queue)
	service.RegisterBuiltinTools(registry, store, taskSvc)

	runtime := service.NewAgentRuntime(store, registry, generator, breaker, queue, metrics, cfg.Runtime)
	for _, b := range service.NewBehaviors(store) {
		runtime.RegisterBehavior(b)
	}

	if err := service.SeedAgents(ctx, store); err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}

	marketSvc := service.NewMarketService(store, queue, idemSvc, tieredCache, metrics)

	// --- Consumers ---

	worker := service.NewAgentWorker(store, queue, runtime, cfg.Worker)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("agent worker: %w", err)
	}
	defer worker.Stop()

	if err := marketSvc.StartSettlement(ctx); err != nil {
		return fmt.Errorf("settlement consumer: %w", err)
	}
	defer marketSvc.StopSettlement()

	// --- HTTP ---

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	handlers := &labshttp.Handlers{
		Auth:     tokenSvc,
		Tasks:    taskSvc,
		Market:   marketSvc,
		Store:    store,
		Registry: registry,
		LLM:      llmClient,
		Queue:    queue,
		Cfg:      *cfg,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           labshttp.Router(handlers, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := queue.Drain(); err != nil {
		slog.Error("nats drain", "error", err)
	}
	return nil
}
