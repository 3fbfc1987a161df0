package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/microcrop/trigger-engine/internal/auth"
	"github.com/microcrop/trigger-engine/internal/config"
	"github.com/microcrop/trigger-engine/internal/events"
	"github.com/microcrop/trigger-engine/internal/metrics"
	"github.com/microcrop/trigger-engine/internal/payout"
	"github.com/microcrop/trigger-engine/internal/registry"
	"github.com/microcrop/trigger-engine/internal/scheduler"
	"github.com/microcrop/trigger-engine/internal/settlement"
	"github.com/microcrop/trigger-engine/internal/store"
	"github.com/microcrop/trigger-engine/internal/weather"
	"github.com/microcrop/trigger-engine/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	m := metrics.New()

	// --- Initialize store ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			logger.Info("Redis policy cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Event fan-out ---
	hub := events.NewHub(m, logger)
	notifiers := events.Notifiers{hub}
	if cfg.KafkaEnabled() {
		pub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		cleanup = append(cleanup, func() { pub.Close() })
		notifiers = append(notifiers, pub)
		logger.Info("publishing payout decisions to Kafka", "topic", cfg.KafkaTopic, "brokers", strings.Join(cfg.KafkaBrokers, ","))
	}

	// --- Weather client ---
	var source weather.Source
	switch cfg.WeatherSource {
	case config.WeatherSourceSynthetic:
		logger.Warn("using synthetic weather source")
		source = weather.NewSyntheticSource(clock)
	default:
		source = weather.NewHTTPSource(cfg.WeatherAPIURL, cfg.WeatherAPIToken, cfg.WeatherTimeout)
	}
	var cache weather.Cache = weather.NewMemoryCache(clock)
	if rdb != nil {
		cache = weather.NewRedisCache(rdb)
	}
	wx := weather.NewClient(source, weather.Options{
		Cache:    cache,
		Limiter:  weather.NewRateLimiter(cfg.WeatherRateLimit, time.Minute, clock),
		Retry:    weather.DefaultRetryPolicy(),
		Timeout:  cfg.WeatherTimeout,
		Clock:    clock,
		Metrics:  m,
		Logger:   logger,
		Listener: hub,
	})

	// --- Settlement ledger ---
	var ledger payout.Settler
	if cfg.LedgerURL != "" {
		ledger = settlement.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerToken, cfg.SettlementTimeout)
	} else {
		logger.Warn("LEDGER_URL not set, settling against the simulated ledger")
		ledger = settlement.NewSimulatedLedger()
	}

	// --- Policy registry ---
	catalog := registry.NewCatalog()
	if cfg.CropCatalog != "" {
		catalog, err = registry.LoadCatalog(cfg.CropCatalog)
		if err != nil {
			logger.Error("crop catalog load failed", "path", cfg.CropCatalog, "err", err)
			os.Exit(1)
		}
	}
	var limiter *registry.ExposureLimiter
	if !cfg.MaxFarmerCoverage.IsZero() || !cfg.MaxAreaCoverage.IsZero() {
		limiter = registry.NewExposureLimiter(cfg.MaxFarmerCoverage, cfg.MaxAreaCoverage, cfg.ExposureCellDeg)
	}
	reg := registry.NewService(st, catalog, registry.Options{
		Limiter: limiter,
		Clock:   clock,
		Logger:  logger,
	})

	// --- Payout service ---
	payouts := payout.NewService(reg, wx, ledger, payout.Options{
		MinQuality:        cfg.MinQualityScore,
		SettlementTimeout: cfg.SettlementTimeout,
		Clock:             clock,
		Metrics:           m,
		Logger:            logger,
		Notifier:          notifiers,
	})

	// --- Background workers ---
	sweeper := scheduler.NewSweeper(reg, payouts, scheduler.SweepOptions{
		Interval:    cfg.SweepInterval,
		Concurrency: cfg.SweepConcurrency,
		Clock:       clock,
		Metrics:     m,
		Logger:      logger,
	})
	monitor := scheduler.NewHealthMonitor(wx, sweeper, cfg.HealthInterval, clock, m, logger)

	alerts := webhook.NewHandler([]byte(cfg.WebhookSecret), reg, payouts, webhook.Options{
		RadiusKm:    cfg.AlertRadiusKm,
		Concurrency: cfg.SweepConcurrency,
		Clock:       clock,
		Metrics:     m,
		Logger:      logger,
	})
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET not set, weather alerts will be rejected")
	}

	authMW := auth.NewMiddleware([]byte(cfg.JWTSecret), logger)
	if authMW == nil {
		logger.Warn("JWT_SECRET not set, operator API is unauthenticated")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(m.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trigger-engine"}`))
	})
	r.Get("/health/engine", monitor.Handler)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Provider push alerts are authenticated by HMAC, not JWT. Each policy
	// runs on its own deadline, so no request timeout here.
	r.Method(http.MethodPost, "/webhooks/weather-alerts", alerts)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMW.Wrap)

		// WebSocket feed of payout decisions and weather data.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			registry.NewHandler(reg, payouts).Routes(r)
			weather.NewHandler(wx).Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		logger.Info("trigger-engine listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down trigger-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("trigger-engine stopped with error", "err", err)
		return
	}
	logger.Info("trigger-engine stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
