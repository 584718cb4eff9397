package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tableorder/internal/lifecycle"
	"tableorder/internal/models"
	"tableorder/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const orderColumns = `order_id, tenant_id, table_label, customer_name, total_amount::text, status, payment_method, notes, created_at, updated_at`

const itemColumns = `item_id, order_id, menu_item_id, name, quantity, unit_price::text, line_total::text, notes`

const requestColumns = `request_id, tenant_id, table_label, status, created_at, resolved_at`

const foreignKeyViolation = "23503"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateOrder(ctx context.Context, input store.CreateOrderInput) (models.Order, error) {
	if err := input.Validate(); err != nil {
		return models.Order{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	order := models.Order{
		OrderID:       uuid.NewString(),
		TenantID:      input.TenantID,
		TableLabel:    strings.TrimSpace(input.TableLabel),
		CustomerName:  strings.TrimSpace(input.CustomerName),
		Status:        input.PaymentMethod.InitialStatus(),
		PaymentMethod: input.PaymentMethod,
		Notes:         strings.TrimSpace(input.Notes),
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	for _, in := range input.Items {
		item := models.OrderItem{
			ItemID:    uuid.NewString(),
			OrderID:   order.OrderID,
			Name:      strings.TrimSpace(in.Name),
			Quantity:  in.Quantity,
			UnitPrice: in.UnitPrice,
			LineTotal: models.LineTotal(in.Quantity, in.UnitPrice),
			Notes:     strings.TrimSpace(in.Notes),
		}
		if menuItemID := strings.TrimSpace(in.MenuItemID); menuItemID != "" {
			item.MenuItemID = &menuItemID
		}
		order.Items = append(order.Items, item)
	}
	order.TotalAmount = models.SumLineTotals(order.Items)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			order_id, tenant_id, table_label, customer_name, total_amount, status,
			payment_method, notes, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, order.OrderID, order.TenantID, order.TableLabel, nullIfEmpty(order.CustomerName), order.TotalAmount.String(),
		string(order.Status), string(order.PaymentMethod), nullIfEmpty(order.Notes), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Order{}, store.ErrRestaurantNotFound
		}
		return models.Order{}, err
	}

	for i, item := range order.Items {
		var menuItemID interface{}
		if item.MenuItemID != nil {
			menuItemID = *item.MenuItemID
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (item_id, order_id, menu_item_id, name, quantity, unit_price, line_total, notes, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ItemID, item.OrderID, menuItemID, item.Name, item.Quantity, item.UnitPrice.String(), item.LineTotal.String(), nullIfEmpty(item.Notes), i)
		if err != nil {
			return models.Order{}, err
		}
	}

	if err = insertOutboxEvent(ctx, tx, order.TenantID, store.TableOrders, store.EventInsert, orderRow(order), nil); err != nil {
		return models.Order{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, err
	}
	return order, nil
}

func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (models.Order, error) {
	order, err := getOrderByID(ctx, s.pool, tenantID, orderID, false)
	if err != nil {
		return models.Order{}, err
	}
	items, err := loadItems(ctx, s.pool, []string{order.OrderID})
	if err != nil {
		return models.Order{}, err
	}
	order.Items = items[order.OrderID]
	return order, nil
}

// ListActiveOrders returns every non-terminal order for the tenant plus
// terminal ones touched within recentTerminal, newest first.
func (s *Store) ListActiveOrders(ctx context.Context, tenantID string, recentTerminal time.Duration) ([]models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE tenant_id = $1 AND (status NOT IN ('paid', 'cancelled', 'rejected')`
	args := []interface{}{tenantID}
	if recentTerminal > 0 {
		query += " OR updated_at >= $2"
		args = append(args, time.Now().UTC().Add(-recentTerminal))
	}
	query += ") ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	var ids []string
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.OrderID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return orders, nil
	}

	items, err := loadItems(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].OrderID]
	}
	return orders, nil
}

// UpdateOrderStatus applies one lifecycle action under a row lock. The write
// is guarded by the status the caller observed, so two staff members acting
// on the same order cannot silently overwrite each other.
func (s *Store) UpdateOrderStatus(ctx context.Context, input store.StatusChangeInput) (models.Order, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if input.RequestID != "" {
		existing, found, err := findActionRequest(ctx, tx, input.TenantID, input.OrderID, input.Action, input.RequestID)
		if err != nil {
			return models.Order{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Order{}, false, err
			}
			return existing, false, nil
		}
	}

	current, err := getOrderByID(ctx, tx, input.TenantID, input.OrderID, true)
	if err != nil {
		return models.Order{}, false, err
	}
	if input.ExpectedStatus != "" && current.Status != input.ExpectedStatus {
		return models.Order{}, false, store.ErrStatusConflict
	}
	target, err := lifecycle.Apply(input.Action, current)
	if err != nil {
		return models.Order{}, false, fmt.Errorf("%w: %w", store.ErrInvalidState, err)
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, updated_at = $2
		WHERE order_id = $3 AND tenant_id = $4 AND status = $5
		RETURNING `+orderColumns,
		string(target), occurredAt, input.OrderID, input.TenantID, string(current.Status))
	updated, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, false, store.ErrStatusConflict
		}
		return models.Order{}, false, err
	}

	if input.RequestID != "" {
		if err = insertActionRequest(ctx, tx, input.RequestID, input.Action, input.TenantID, input.OrderID); err != nil {
			return models.Order{}, false, err
		}
	}

	if err = insertOutboxEvent(ctx, tx, input.TenantID, store.TableOrders, store.EventUpdate, orderRow(updated), orderRow(current)); err != nil {
		return models.Order{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, false, err
	}
	return updated, true, nil
}

func (s *Store) CreateServiceRequest(ctx context.Context, input store.CreateServiceRequestInput) (models.ServiceRequest, error) {
	tableLabel := strings.TrimSpace(input.TableLabel)
	if tableLabel == "" {
		return models.ServiceRequest{}, fmt.Errorf("%w: table_label is required", store.ErrInvalidOrder)
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	request := models.ServiceRequest{
		RequestID:  uuid.NewString(),
		TenantID:   input.TenantID,
		TableLabel: tableLabel,
		Status:     models.RequestPending,
		CreatedAt:  createdAt,
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ServiceRequest{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO service_requests (request_id, tenant_id, table_label, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, request.RequestID, request.TenantID, request.TableLabel, request.Status, request.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.ServiceRequest{}, store.ErrRestaurantNotFound
		}
		return models.ServiceRequest{}, err
	}

	if err = insertOutboxEvent(ctx, tx, request.TenantID, store.TableServiceRequests, store.EventInsert, request, nil); err != nil {
		return models.ServiceRequest{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.ServiceRequest{}, err
	}
	return request, nil
}

func (s *Store) ListPendingServiceRequests(ctx context.Context, tenantID string) ([]models.ServiceRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM service_requests
		WHERE tenant_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []models.ServiceRequest
	for rows.Next() {
		request, err := scanServiceRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

// ResolveServiceRequest moves a pending request to resolved. It succeeds at
// most once per request.
func (s *Store) ResolveServiceRequest(ctx context.Context, tenantID, requestID string) (models.ServiceRequest, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ServiceRequest{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE service_requests
		SET status = 'resolved', resolved_at = $1
		WHERE request_id = $2 AND tenant_id = $3 AND status = 'pending'
		RETURNING `+requestColumns,
		time.Now().UTC(), requestID, tenantID)
	resolved, err := scanServiceRequest(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.ServiceRequest{}, err
		}
		var status string
		row = tx.QueryRow(ctx, `
			SELECT status FROM service_requests WHERE request_id = $1 AND tenant_id = $2
		`, requestID, tenantID)
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ServiceRequest{}, store.ErrRequestNotFound
			}
			return models.ServiceRequest{}, err
		}
		return models.ServiceRequest{}, store.ErrRequestAlreadyResolved
	}

	previous := resolved
	previous.Status = models.RequestPending
	previous.ResolvedAt = nil
	if err = insertOutboxEvent(ctx, tx, tenantID, store.TableServiceRequests, store.EventUpdate, resolved, previous); err != nil {
		return models.ServiceRequest{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.ServiceRequest{}, err
	}
	return resolved, nil
}

func (s *Store) GetRestaurant(ctx context.Context, tenantID string) (models.Restaurant, error) {
	var restaurant models.Restaurant
	var themeColor, logoURL, workingHours sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, name, slug, theme_color, logo_url, working_hours
		FROM restaurants
		WHERE tenant_id = $1
	`, tenantID)
	if err := row.Scan(&restaurant.TenantID, &restaurant.Name, &restaurant.Slug, &themeColor, &logoURL, &workingHours); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Restaurant{}, store.ErrRestaurantNotFound
		}
		return models.Restaurant{}, err
	}
	restaurant.ThemeColor = themeColor.String
	restaurant.LogoURL = logoURL.String
	restaurant.WorkingHours = workingHours.String
	return restaurant, nil
}

func getOrderByID(ctx context.Context, q querier, tenantID, orderID string, forUpdate bool) (models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE order_id = $1 AND tenant_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}
	order, err := scanOrder(q.QueryRow(ctx, query, orderID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, store.ErrOrderNotFound
		}
		return models.Order{}, err
	}
	return order, nil
}

func loadItems(ctx context.Context, q querier, orderIDs []string) (map[string][]models.OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position ASC
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]models.OrderItem, len(orderIDs))
	for rows.Next() {
		var item models.OrderItem
		var menuItemID, notes sql.NullString
		var unitPrice, lineTotal string
		if err := rows.Scan(&item.ItemID, &item.OrderID, &menuItemID, &item.Name, &item.Quantity, &unitPrice, &lineTotal, &notes); err != nil {
			return nil, err
		}
		if item.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, fmt.Errorf("parse unit_price: %w", err)
		}
		if item.LineTotal, err = decimal.NewFromString(lineTotal); err != nil {
			return nil, fmt.Errorf("parse line_total: %w", err)
		}
		item.MenuItemID = nullStringPtr(menuItemID)
		item.Notes = notes.String
		items[item.OrderID] = append(items[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// findActionRequest returns the order a replayed request already produced.
// A request id reused for another order or action is a conflict, never a
// replay.
func findActionRequest(ctx context.Context, tx pgx.Tx, tenantID, orderID, action, requestID string) (models.Order, bool, error) {
	var storedOrderID, storedAction string
	row := tx.QueryRow(ctx, `
		SELECT order_id, action
		FROM order_action_requests
		WHERE request_id = $1 AND tenant_id = $2
	`, requestID, tenantID)
	if err := row.Scan(&storedOrderID, &storedAction); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, false, nil
		}
		return models.Order{}, false, err
	}
	if storedOrderID != orderID || storedAction != action {
		return models.Order{}, false, fmt.Errorf("%w: request %s was issued for another order or action", store.ErrStatusConflict, requestID)
	}
	order, err := getOrderByID(ctx, tx, tenantID, storedOrderID, false)
	if err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, requestID, action, tenantID, orderID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_action_requests (request_id, action, tenant_id, order_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, tenantID, orderID)
	return err
}

func scanOrder(row scanner) (models.Order, error) {
	var order models.Order
	var customerName, notes sql.NullString
	var total, status, paymentMethod string
	if err := row.Scan(&order.OrderID, &order.TenantID, &order.TableLabel, &customerName, &total, &status, &paymentMethod, &notes, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return models.Order{}, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return models.Order{}, fmt.Errorf("parse total_amount: %w", err)
	}
	order.TotalAmount = amount
	order.Status = models.OrderStatus(status)
	order.PaymentMethod = models.PaymentMethod(paymentMethod)
	order.CustomerName = customerName.String
	order.Notes = notes.String
	return order, nil
}

func scanServiceRequest(row scanner) (models.ServiceRequest, error) {
	var request models.ServiceRequest
	var resolvedAt sql.NullTime
	if err := row.Scan(&request.RequestID, &request.TenantID, &request.TableLabel, &request.Status, &request.CreatedAt, &resolvedAt); err != nil {
		return models.ServiceRequest{}, err
	}
	request.ResolvedAt = nullTimePtr(resolvedAt)
	return request, nil
}

// orderRow is the change-feed representation of an order: the row only,
// without its items.
func orderRow(order models.Order) models.Order {
	order.Items = nil
	return order
}

func jsonBytes(value interface{}) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
