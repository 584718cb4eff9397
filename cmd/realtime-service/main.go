package main

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tableorder/internal/config"
	"tableorder/internal/feed"
	"tableorder/internal/feed/rabbitmq"
	"tableorder/internal/httpapi"
	"tableorder/internal/store/postgres"
	"tableorder/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := telemetry.InitLogger("realtime-service")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	shutdownTelemetry, err := telemetry.Setup(context.Background(), "realtime-service", cfg.Telemetry)
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

	h := feed.NewHub()
	expvar.Publish("feed_clients", expvar.Func(func() interface{} { return h.Len() }))

	sinks := []feed.Sink{h}
	if cfg.AMQPURL != "" && cfg.Realtime.PublishAMQP {
		publisher, err := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.FeedExchange)
		if err != nil {
			logger.Error("amqp connect", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		sinks = append(sinks, feed.BestEffort("amqp", publisher))
		logger.Info("mirroring feed to amqp", "exchange", cfg.FeedExchange)
	}

	relay := feed.NewRelay(postgres.NewStore(pool), feed.RelayConfig{
		Consumer:        cfg.Realtime.Consumer,
		PollInterval:    cfg.Realtime.PollInterval,
		BatchSize:       cfg.Realtime.BatchSize,
		Retention:       cfg.Realtime.Retention,
		CleanupInterval: cfg.Realtime.CleanupInterval,
	}, sinks...)

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.OrderService.RateLimitPerMinute,
		IPBurst:     cfg.OrderService.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		serveSession(h, session, cfg.Realtime.SendBuffer)
	}))

	server := &http.Server{
		Addr:        ":" + cfg.Realtime.Port,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "realtime-service"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("realtime-service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("realtime-service stopped", "error", err)
		os.Exit(1)
	}
}

// serveSession registers one SockJS session with the hub and feeds its
// subscribe messages into the client's filter until the session ends.
// closeResync is sent to clients the hub dropped for falling behind.
const closeResync = 4008

func serveSession(h *feed.Hub, session sockjs.Session, buffer int) {
	client := feed.NewClient(uuid.NewString(), buffer)
	h.Register(client)
	defer h.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
		// Send closes when the hub evicts a lagging client. Ending the
		// session makes the subscriber reconnect and reconcile.
		_ = session.Close(closeResync, "resync required")
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		if !handleClientMessage(h, client, msg) {
			slog.Debug("ignore client message", "client_id", client.ID, "session_id", session.ID())
		}
	}
}

// handleClientMessage applies a subscribe or unsubscribe message and reports
// whether it was understood.
func handleClientMessage(h *feed.Hub, client *feed.Client, raw string) bool {
	msg, ok := feed.ParseSubscribe([]byte(raw))
	if !ok {
		return false
	}
	sub := h.Apply(client, msg)
	slog.Debug("subscription updated", "client_id", client.ID, "tenant", sub.TenantID, "tables", len(sub.Tables))
	return true
}
