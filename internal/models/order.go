package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusReceived  OrderStatus = "received"
	StatusPreparing OrderStatus = "preparing"
	StatusReady     OrderStatus = "ready"
	StatusServed    OrderStatus = "served"
	StatusPaid      OrderStatus = "paid"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentOnline PaymentMethod = "online"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentOnline
}

// InitialStatus is the status a new order starts in. Online orders wait for
// payment confirmation; everything else is accepted directly.
func (m PaymentMethod) InitialStatus() OrderStatus {
	if m == PaymentOnline {
		return StatusPending
	}
	return StatusReceived
}

type Order struct {
	OrderID       string          `json:"order_id"`
	TenantID      string          `json:"tenant_id"`
	TableLabel    string          `json:"table_label"`
	CustomerName  string          `json:"customer_name,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        OrderStatus     `json:"status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Items         []OrderItem     `json:"items,omitempty"`
}

// OrderItem is a snapshot of a menu item at order time. MenuItemID is nil
// once the source menu item has been deleted.
type OrderItem struct {
	ItemID     string          `json:"item_id"`
	OrderID    string          `json:"order_id"`
	MenuItemID *string         `json:"menu_item_id,omitempty"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	LineTotal  decimal.Decimal `json:"line_total"`
	Notes      string          `json:"notes,omitempty"`
}

func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

func SumLineTotals(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal)
	}
	return total
}
