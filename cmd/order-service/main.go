package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tableorder/internal/config"
	"tableorder/internal/httpapi"
	"tableorder/internal/store"
	"tableorder/internal/store/cached"
	"tableorder/internal/store/postgres"
	"tableorder/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := telemetry.InitLogger("order-service")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	shutdownTelemetry, err := telemetry.Setup(context.Background(), "order-service", cfg.Telemetry)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var orders store.OrderStore = postgres.NewStore(pool)
	if rdb := connectRedis(ctx, cfg.RedisAddr); rdb != nil {
		defer rdb.Close()
		orders = cached.New(orders, rdb, "tableorder", cfg.OrderService.CacheTTL)
	}

	handler := httpapi.NewHandler(orders, httpapi.Options{
		RecentTerminal: cfg.OrderService.RecentTerminal,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.OrderService.RateLimitPerMinute,
		IPBurst:         cfg.OrderService.RateLimitBurst,
		TenantPerMinute: cfg.OrderService.TenantRateLimitPerMinute,
		TenantBurst:     cfg.OrderService.TenantRateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.OrderService.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), "order-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("order-service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("order-service stopped", "error", err)
		os.Exit(1)
	}
}

// connectRedis returns nil when no address is configured or the server does
// not answer; the service then reads straight from Postgres.
func connectRedis(ctx context.Context, addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unavailable, order cache disabled", "addr", addr, "error", err)
		_ = rdb.Close()
		return nil
	}
	return rdb
}
