// Package livesync keeps a staff client's view of one tenant's active orders
// and pending service requests in step with the change feed.
package livesync

import (
	"sort"

	"tableorder/internal/lifecycle"
	"tableorder/internal/models"
)

// State is the local view for a single tenant. Orders and Requests are
// newest first.
type State struct {
	TenantID string
	Orders   []models.Order
	Requests []models.ServiceRequest
}

func (s State) OrderIndex(orderID string) int {
	for i, order := range s.Orders {
		if order.OrderID == orderID {
			return i
		}
	}
	return -1
}

func (s State) RequestIndex(requestID string) int {
	for i, request := range s.Requests {
		if request.RequestID == requestID {
			return i
		}
	}
	return -1
}

func (s State) Order(orderID string) (models.Order, bool) {
	if i := s.OrderIndex(orderID); i >= 0 {
		return s.Orders[i], true
	}
	return models.Order{}, false
}

// Action is one input to Reduce.
type Action interface {
	Tenant() string
}

// Snapshot replaces both collections with an authoritative fetch.
type Snapshot struct {
	TenantID string
	Orders   []models.Order
	Requests []models.ServiceRequest
}

// OrderCreated carries a fully loaded order, items included.
type OrderCreated struct {
	Order models.Order
}

// OrderUpdated carries the changed order row. Fields names the JSON keys the
// row actually contained; only those are merged into the local order. A nil
// Fields means Order is a complete row. Items are never part of an update and
// the local ones are kept.
type OrderUpdated struct {
	Order  models.Order
	Fields map[string]bool
}

func (a OrderUpdated) has(field string) bool {
	return a.Fields == nil || a.Fields[field]
}

type RequestCreated struct {
	Request models.ServiceRequest
}

type RequestResolved struct {
	TenantID  string
	RequestID string
}

func (a Snapshot) Tenant() string        { return a.TenantID }
func (a OrderCreated) Tenant() string    { return a.Order.TenantID }
func (a OrderUpdated) Tenant() string    { return a.Order.TenantID }
func (a RequestCreated) Tenant() string  { return a.Request.TenantID }
func (a RequestResolved) Tenant() string { return a.TenantID }

type NotificationKind int

const (
	NotifyNewOrder NotificationKind = iota + 1
	NotifyNewServiceRequest
	NotifyOrderStatusChanged
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyNewOrder:
		return "new_order"
	case NotifyNewServiceRequest:
		return "new_service_request"
	case NotifyOrderStatusChanged:
		return "order_status_changed"
	default:
		return "unknown"
	}
}

// Notification is a side effect requested by Reduce. Exactly one of Order or
// Request is set, depending on Kind.
type Notification struct {
	Kind    NotificationKind
	Order   models.Order
	Request models.ServiceRequest
}

// Reduce applies a to s and returns the next state along with the
// notifications the change implies. It never modifies s in place. Actions
// for another tenant, duplicate creates and updates for unknown orders leave
// the state as it was.
func Reduce(s State, a Action) (State, []Notification) {
	if a == nil || s.TenantID == "" || a.Tenant() != s.TenantID {
		return s, nil
	}

	switch action := a.(type) {
	case Snapshot:
		return reduceSnapshot(s, action), nil
	case OrderCreated:
		return reduceOrderCreated(s, action.Order)
	case OrderUpdated:
		return reduceOrderUpdated(s, action)
	case RequestCreated:
		return reduceRequestCreated(s, action.Request)
	case RequestResolved:
		return reduceRequestResolved(s, action.RequestID), nil
	default:
		return s, nil
	}
}

func reduceSnapshot(s State, snap Snapshot) State {
	next := State{TenantID: s.TenantID}
	seenOrders := make(map[string]bool, len(snap.Orders))
	for _, order := range snap.Orders {
		if order.TenantID != s.TenantID || seenOrders[order.OrderID] {
			continue
		}
		seenOrders[order.OrderID] = true
		next.Orders = append(next.Orders, order)
	}
	seenRequests := make(map[string]bool, len(snap.Requests))
	for _, request := range snap.Requests {
		if request.TenantID != s.TenantID || request.Status != models.RequestPending || seenRequests[request.RequestID] {
			continue
		}
		seenRequests[request.RequestID] = true
		next.Requests = append(next.Requests, request)
	}
	sort.SliceStable(next.Orders, func(i, j int) bool {
		return next.Orders[i].CreatedAt.After(next.Orders[j].CreatedAt)
	})
	sort.SliceStable(next.Requests, func(i, j int) bool {
		return next.Requests[i].CreatedAt.After(next.Requests[j].CreatedAt)
	})
	return next
}

func reduceOrderCreated(s State, order models.Order) (State, []Notification) {
	if order.OrderID == "" || s.OrderIndex(order.OrderID) >= 0 {
		return s, nil
	}
	orders := make([]models.Order, 0, len(s.Orders)+1)
	orders = append(orders, order)
	orders = append(orders, s.Orders...)
	s.Orders = orders
	return s, []Notification{{Kind: NotifyNewOrder, Order: order}}
}

func reduceOrderUpdated(s State, update OrderUpdated) (State, []Notification) {
	patch := update.Order
	i := s.OrderIndex(patch.OrderID)
	if i < 0 {
		return s, nil
	}
	current := s.Orders[i]
	stamped := update.has("updated_at") && !patch.UpdatedAt.IsZero()
	if stamped && patch.UpdatedAt.Before(current.UpdatedAt) {
		return s, nil
	}
	// Without a timestamp the row cannot be ordered against the local one,
	// so it may not reopen an order that already finished.
	if !stamped && update.has("status") && lifecycle.IsTerminal(current.Status) && patch.Status != current.Status {
		return s, nil
	}

	merged := mergeOrder(current, update)

	orders := make([]models.Order, len(s.Orders))
	copy(orders, s.Orders)
	orders[i] = merged
	s.Orders = orders

	if merged.Status == current.Status {
		return s, nil
	}
	return s, []Notification{{Kind: NotifyOrderStatusChanged, Order: merged}}
}

func mergeOrder(current models.Order, update OrderUpdated) models.Order {
	patch := update.Order
	merged := current
	if update.has("table_label") {
		merged.TableLabel = patch.TableLabel
	}
	if update.has("customer_name") {
		merged.CustomerName = patch.CustomerName
	}
	if update.has("total_amount") {
		merged.TotalAmount = patch.TotalAmount
	}
	if update.has("status") && patch.Status != "" {
		merged.Status = patch.Status
	}
	if update.has("payment_method") && patch.PaymentMethod != "" {
		merged.PaymentMethod = patch.PaymentMethod
	}
	if update.has("notes") {
		merged.Notes = patch.Notes
	}
	if update.has("created_at") && !patch.CreatedAt.IsZero() {
		merged.CreatedAt = patch.CreatedAt
	}
	if update.has("updated_at") && !patch.UpdatedAt.IsZero() {
		merged.UpdatedAt = patch.UpdatedAt
	}
	return merged
}

func reduceRequestCreated(s State, request models.ServiceRequest) (State, []Notification) {
	if request.RequestID == "" || request.Status != models.RequestPending || s.RequestIndex(request.RequestID) >= 0 {
		return s, nil
	}
	requests := make([]models.ServiceRequest, 0, len(s.Requests)+1)
	requests = append(requests, request)
	requests = append(requests, s.Requests...)
	s.Requests = requests
	return s, []Notification{{Kind: NotifyNewServiceRequest, Request: request}}
}

func reduceRequestResolved(s State, requestID string) State {
	i := s.RequestIndex(requestID)
	if i < 0 {
		return s
	}
	requests := make([]models.ServiceRequest, 0, len(s.Requests)-1)
	requests = append(requests, s.Requests[:i]...)
	requests = append(requests, s.Requests[i+1:]...)
	s.Requests = requests
	return s
}
