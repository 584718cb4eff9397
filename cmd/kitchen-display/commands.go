package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"tableorder/internal/livesync"
	"tableorder/internal/models"
)

var errUsage = errors.New("usage: list | advance <order> | cancel <order> | reject <order> | resolve <request> | tenant <id>")

type command struct {
	name string
	arg  string
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errUsage
	}
	cmd := command{name: strings.ToLower(fields[0])}
	switch cmd.name {
	case "list":
		if len(fields) != 1 {
			return command{}, errUsage
		}
	case "advance", "cancel", "reject", "resolve", "tenant":
		if len(fields) != 2 {
			return command{}, errUsage
		}
		cmd.arg = fields[1]
	default:
		return command{}, errUsage
	}
	return cmd, nil
}

// staffActions is the part of the synchronizer the command loop drives.
type staffActions interface {
	State(ctx context.Context) (livesync.State, error)
	Switch(ctx context.Context, tenantID string) error
	Advance(ctx context.Context, orderID string) (models.Order, error)
	Cancel(ctx context.Context, orderID string) (models.Order, error)
	Reject(ctx context.Context, orderID string) (models.Order, error)
	ResolveRequest(ctx context.Context, requestID string) error
}

func runCommand(ctx context.Context, sync staffActions, cmd command, out io.Writer) error {
	switch cmd.name {
	case "list":
		state, err := sync.State(ctx)
		if err != nil {
			return err
		}
		printState(out, state)
		return nil
	case "tenant":
		return sync.Switch(ctx, cmd.arg)
	case "resolve":
		if err := sync.ResolveRequest(ctx, cmd.arg); err != nil {
			return err
		}
		fmt.Fprintf(out, "request %s resolved\n", cmd.arg)
		return nil
	}

	var (
		order models.Order
		err   error
	)
	switch cmd.name {
	case "advance":
		order, err = sync.Advance(ctx, cmd.arg)
	case "cancel":
		order, err = sync.Cancel(ctx, cmd.arg)
	case "reject":
		order, err = sync.Reject(ctx, cmd.arg)
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "order %s is now %s\n", order.OrderID, order.Status)
	return nil
}

func printState(out io.Writer, state livesync.State) {
	fmt.Fprintf(out, "tenant %s: %d orders, %d open requests\n", state.TenantID, len(state.Orders), len(state.Requests))
	for _, order := range state.Orders {
		fmt.Fprintf(out, "  %s  table %-6s %-10s %s\n", order.OrderID, order.TableLabel, order.Status, order.TotalAmount.StringFixed(2))
	}
	for _, request := range state.Requests {
		fmt.Fprintf(out, "  request %s  table %s since %s\n", request.RequestID, request.TableLabel, request.CreatedAt.Format("15:04:05"))
	}
}
