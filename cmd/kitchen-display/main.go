package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tableorder/internal/client"
	"tableorder/internal/config"
	"tableorder/internal/feed/rabbitmq"
	"tableorder/internal/livesync"
	"tableorder/internal/models"
	"tableorder/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

func main() {
	logger := telemetry.InitLogger("kitchen-display")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	shutdownTelemetry, err := telemetry.Setup(context.Background(), "kitchen-display", cfg.Telemetry)
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

	var source livesync.Source
	switch cfg.Display.Source {
	case "amqp":
		source = rabbitmq.NewSource(cfg.AMQPURL, cfg.FeedExchange)
	default:
		source = livesync.NewWebsocketSource(cfg.Display.RealtimeURL)
	}

	sync := livesync.New(
		client.New(cfg.Display.OrderServiceURL, nil),
		source,
		logNotifier(logger),
		livesync.Config{RecentTerminal: cfg.Display.RecentTerminal},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sync.Run(gctx)
	})
	if cfg.Display.TenantID != "" {
		if err := sync.Switch(ctx, cfg.Display.TenantID); err != nil {
			logger.Error("switch tenant", "tenant", cfg.Display.TenantID, "error", err)
		}
	}
	go readCommands(gctx, sync, os.Stdin, os.Stdout)

	if err := g.Wait(); err != nil {
		logger.Error("kitchen-display stopped", "error", err)
		os.Exit(1)
	}
}

func logNotifier(logger *slog.Logger) livesync.Notifier {
	return livesync.NotifierFuncs{
		NewOrder: func(order models.Order) {
			logger.Info("new order", "order_id", order.OrderID, "table", order.TableLabel, "status", order.Status, "items", len(order.Items))
		},
		NewServiceRequest: func(request models.ServiceRequest) {
			logger.Info("table needs service", "request_id", request.RequestID, "table", request.TableLabel)
		},
		OrderStatusChanged: func(order models.Order) {
			logger.Info("order status changed", "order_id", order.OrderID, "table", order.TableLabel, "status", order.Status)
		},
		Error: func(err error) {
			logger.Error("sync error", "error", err)
		},
	}
}

// readCommands runs staff commands typed on in until it is closed or ctx
// ends.
func readCommands(ctx context.Context, sync staffActions, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, err := parseCommand(scanner.Text())
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		cmdCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := runCommand(cmdCtx, sync, cmd, out); err != nil {
			if client.IsRetryable(err) {
				fmt.Fprintf(out, "%s failed: %v (temporary, try again)\n", cmd.name, err)
			} else {
				fmt.Fprintf(out, "%s failed: %v\n", cmd.name, err)
			}
		}
		cancel()
	}
}
