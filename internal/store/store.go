package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tableorder/internal/models"

	"github.com/shopspring/decimal"
)

// Change feed tables and row event kinds.
const (
	TableOrders          = "orders"
	TableServiceRequests = "service_requests"

	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

type CreateOrderItemInput struct {
	MenuItemID string
	Name       string
	Quantity   int
	UnitPrice  decimal.Decimal
	Notes      string
}

type CreateOrderInput struct {
	TenantID      string
	TableLabel    string
	CustomerName  string
	PaymentMethod models.PaymentMethod
	Notes         string
	Items         []CreateOrderItemInput
	CreatedAt     time.Time
}

func (in CreateOrderInput) Validate() error {
	if strings.TrimSpace(in.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidOrder)
	}
	if strings.TrimSpace(in.TableLabel) == "" {
		return fmt.Errorf("%w: table_label is required", ErrInvalidOrder)
	}
	if !in.PaymentMethod.Valid() {
		return fmt.Errorf("%w: payment_method must be cash or online", ErrInvalidOrder)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, item := range in.Items {
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("%w: item %d name is required", ErrInvalidOrder, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidOrder, i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d unit_price must not be negative", ErrInvalidOrder, i)
		}
	}
	return nil
}

// StatusChangeInput asks for one lifecycle action on an order. When
// ExpectedStatus is set the change only applies if the stored status still
// matches it.
type StatusChangeInput struct {
	RequestID      string
	TenantID       string
	OrderID        string
	Action         string
	ExpectedStatus models.OrderStatus
	OccurredAt     time.Time
}

type CreateServiceRequestInput struct {
	TenantID   string
	TableLabel string
	CreatedAt  time.Time
}

type OrderStore interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (models.Order, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (models.Order, error)
	ListActiveOrders(ctx context.Context, tenantID string, recentTerminal time.Duration) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, input StatusChangeInput) (models.Order, bool, error)
	CreateServiceRequest(ctx context.Context, input CreateServiceRequestInput) (models.ServiceRequest, error)
	ListPendingServiceRequests(ctx context.Context, tenantID string) ([]models.ServiceRequest, error)
	ResolveServiceRequest(ctx context.Context, tenantID, requestID string) (models.ServiceRequest, error)
	GetRestaurant(ctx context.Context, tenantID string) (models.Restaurant, error)
	ListTenantEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]OutboxEvent, error)
}

type FeedStore interface {
	ListOutboxEvents(ctx context.Context, offset OutboxOffset, limit int) ([]OutboxEvent, error)
	GetOffset(ctx context.Context, consumer string) (OutboxOffset, error)
	UpdateOffset(ctx context.Context, consumer string, offset OutboxOffset) error
	CleanupOutbox(ctx context.Context, before time.Time) (int64, error)
}

// OutboxEvent is one row-level change written in the same transaction as the
// mutation it describes. TxID and Seq give its position in commit-safe feed
// order: the id of the writing transaction, then insertion order.
type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Table     string          `json:"table"`
	Type      string          `json:"type"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	TxID      int64           `json:"-"`
	Seq       int64           `json:"-"`
}

// OutboxOffset is the position of the last event a consumer has handled.
// Paging compares (LastTxID, LastSeq); the time and id are informational.
type OutboxOffset struct {
	LastTxID      int64
	LastSeq       int64
	LastEventTime time.Time
	LastEventID   string
}

// OffsetOf is the offset just past event.
func OffsetOf(event OutboxEvent) OutboxOffset {
	return OutboxOffset{
		LastTxID:      event.TxID,
		LastSeq:       event.Seq,
		LastEventTime: event.CreatedAt,
		LastEventID:   event.EventID,
	}
}
