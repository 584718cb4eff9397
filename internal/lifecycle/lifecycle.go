// Package lifecycle defines the order status vocabulary and the transitions
// staff may apply to an order. It performs no I/O: callers persist the
// returned status and fan out notifications themselves.
package lifecycle

import (
	"errors"
	"fmt"

	"tableorder/internal/models"
)

var (
	ErrTerminalState       = errors.New("terminal state")
	ErrUnknownStatus       = errors.New("unknown order status")
	ErrIllegalCancellation = errors.New("illegal cancellation")
	ErrIllegalRejection    = errors.New("illegal rejection")
)

const (
	ActionAdvance = "advance"
	ActionCancel  = "cancel"
	ActionReject  = "reject"
)

// Action describes the single forward step available from a status.
type Action struct {
	Name   string             `json:"name"`
	Label  string             `json:"label"`
	Target models.OrderStatus `json:"target"`
}

var advanceTable = map[models.OrderStatus]Action{
	models.StatusPending:   {Name: "accept", Label: "Accept order", Target: models.StatusReceived},
	models.StatusReceived:  {Name: "start", Label: "Start preparing", Target: models.StatusPreparing},
	models.StatusPreparing: {Name: "ready", Label: "Mark ready", Target: models.StatusReady},
	models.StatusReady:     {Name: "serve", Label: "Mark served", Target: models.StatusServed},
	models.StatusServed:    {Name: "checkout", Label: "Checkout", Target: models.StatusPaid},
}

var terminal = map[models.OrderStatus]bool{
	models.StatusPaid:      true,
	models.StatusCancelled: true,
	models.StatusRejected:  true,
}

var transitionMap = map[string][]models.OrderStatus{
	ActionAdvance: {models.StatusPending, models.StatusReceived, models.StatusPreparing, models.StatusReady, models.StatusServed},
	ActionCancel:  {models.StatusPending, models.StatusReceived},
	ActionReject:  {models.StatusPending},
}

func Known(status models.OrderStatus) bool {
	_, ok := advanceTable[status]
	return ok || terminal[status]
}

func IsTerminal(status models.OrderStatus) bool {
	return terminal[status]
}

// IsActive reports whether an order still needs kitchen attention.
func IsActive(status models.OrderStatus) bool {
	_, ok := advanceTable[status]
	return ok
}

func Next(status models.OrderStatus) (models.OrderStatus, bool) {
	action, ok := advanceTable[status]
	if !ok {
		return "", false
	}
	return action.Target, true
}

func ActionFor(status models.OrderStatus) (Action, bool) {
	action, ok := advanceTable[status]
	return action, ok
}

func ValidTransition(action string, from models.OrderStatus) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

func CanAdvance(status models.OrderStatus) bool { return ValidTransition(ActionAdvance, status) }
func CanCancel(status models.OrderStatus) bool  { return ValidTransition(ActionCancel, status) }
func CanReject(status models.OrderStatus) bool  { return ValidTransition(ActionReject, status) }

// Advance returns the status the order moves to on its single forward step.
func Advance(order models.Order) (models.OrderStatus, error) {
	next, ok := Next(order.Status)
	if ok {
		return next, nil
	}
	if IsTerminal(order.Status) {
		return order.Status, fmt.Errorf("advance %s: %w", order.Status, ErrTerminalState)
	}
	return order.Status, fmt.Errorf("advance %q: %w", order.Status, ErrUnknownStatus)
}

// Cancel is only legal before preparation has begun.
func Cancel(order models.Order) (models.OrderStatus, error) {
	if !CanCancel(order.Status) {
		return order.Status, fmt.Errorf("cancel %s: %w", order.Status, ErrIllegalCancellation)
	}
	return models.StatusCancelled, nil
}

func Reject(order models.Order) (models.OrderStatus, error) {
	if !CanReject(order.Status) {
		return order.Status, fmt.Errorf("reject %s: %w", order.Status, ErrIllegalRejection)
	}
	return models.StatusRejected, nil
}

// Apply runs the named action against the order.
func Apply(action string, order models.Order) (models.OrderStatus, error) {
	switch action {
	case ActionAdvance:
		return Advance(order)
	case ActionCancel:
		return Cancel(order)
	case ActionReject:
		return Reject(order)
	default:
		return order.Status, fmt.Errorf("unknown action %q", action)
	}
}
