package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/ipu-finops/config"
	"github.com/vnmchuo/ipu-finops/internal/analytics"
	"github.com/vnmchuo/ipu-finops/internal/api"
	"github.com/vnmchuo/ipu-finops/internal/auth"
	"github.com/vnmchuo/ipu-finops/internal/cache"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
	"github.com/vnmchuo/ipu-finops/internal/edge"
	"github.com/vnmchuo/ipu-finops/internal/logging"
	"github.com/vnmchuo/ipu-finops/internal/seeder"
	"github.com/vnmchuo/ipu-finops/internal/store"
	"github.com/vnmchuo/ipu-finops/internal/telemetry"
	"github.com/vnmchuo/ipu-finops/pkg/ratelimit"
)

const serviceName = "ipu-finops"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	logger, err := logging.New(logCfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	shutdownMeter, err := telemetry.InitMeter(serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init meter", zap.Error(err))
	}
	defer shutdownMeter()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 7. Init analytics
	opts := []analytics.Option{
		analytics.WithSharedCache(cache.NewRedisCache[consumption.AggregatedSeries](rdb, "finops:series", cfg.CacheTTL)),
		analytics.WithCacheTTL(cfg.CacheTTL),
		analytics.WithDebounce(cfg.DebounceDelay),
		analytics.WithDefaults(cfg.DefaultCycleLimit, cfg.ForecastHorizon),
		analytics.WithLogger(logger),
		analytics.WithTracer(otel.GetTracerProvider().Tracer(serviceName)),
		analytics.WithMeter(otel.GetMeterProvider().Meter(serviceName)),
	}
	if cfg.ExcludedMeters != nil {
		opts = append(opts, analytics.WithExcludedMeters(cfg.ExcludedMeters))
	}
	if cfg.AggregationSource == config.SourceEdge {
		opts = append(opts, analytics.WithSeriesSource(edge.New(cfg.EdgeFunctionURL, cfg.EdgeFunctionKey,
			edge.WithRateLimit(cfg.EdgeFunctionRPS, 1),
		)))
		logger.Info("aggregating unfiltered series through the edge function", zap.String("url", cfg.EdgeFunctionURL))
	}
	svc := analytics.New(store.NewPostgresStore(pool), opts...)

	// 8. Init handler
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	handler := api.NewHandler(svc, limiter, tracer, logger)

	// 9. Seed demo API key if RUN_SEED=true
	if cfg.RunSeed {
		seeder.SeedDemoAPIKey(ctx, authStore, logger)
	}

	// 10. Init Chi router
	r := api.NewRouter(handler, authMiddleware, logger)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("IPU FinOps API starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}
