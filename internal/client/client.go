// Package client talks to the order service over HTTP. Client satisfies
// store.OrderStore, so remote staff tools can use it wherever a store is
// expected.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tableorder/internal/lifecycle"
	"tableorder/internal/models"
	"tableorder/internal/store"
	"tableorder/internal/tenant"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx response from the order service. It unwraps to the
// matching store or lifecycle error when the code is known.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("order service: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.err
}

var codeErrors = map[string]error{
	"order_not_found":           store.ErrOrderNotFound,
	"service_request_not_found": store.ErrRequestNotFound,
	"restaurant_not_found":      store.ErrRestaurantNotFound,
	"invalid_request":           store.ErrInvalidOrder,
	"terminal_state":            fmt.Errorf("%w: %w", store.ErrInvalidState, lifecycle.ErrTerminalState),
	"illegal_cancellation":      fmt.Errorf("%w: %w", store.ErrInvalidState, lifecycle.ErrIllegalCancellation),
	"illegal_rejection":         fmt.Errorf("%w: %w", store.ErrInvalidState, lifecycle.ErrIllegalRejection),
	"invalid_state":             store.ErrInvalidState,
	"status_conflict":           store.ErrStatusConflict,
	"already_resolved":          store.ErrRequestAlreadyResolved,
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type createOrderItem struct {
	MenuItemID string          `json:"menu_item_id,omitempty"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Notes      string          `json:"notes,omitempty"`
}

type createOrderBody struct {
	TableLabel    string               `json:"table_label"`
	CustomerName  string               `json:"customer_name,omitempty"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	Notes         string               `json:"notes,omitempty"`
	Items         []createOrderItem    `json:"items"`
}

type transitionBody struct {
	RequestID      string             `json:"request_id,omitempty"`
	ExpectedStatus models.OrderStatus `json:"expected_status,omitempty"`
}

func (c *Client) CreateOrder(ctx context.Context, input store.CreateOrderInput) (models.Order, error) {
	body := createOrderBody{
		TableLabel:    input.TableLabel,
		CustomerName:  input.CustomerName,
		PaymentMethod: input.PaymentMethod,
		Notes:         input.Notes,
	}
	for _, item := range input.Items {
		body.Items = append(body.Items, createOrderItem{
			MenuItemID: item.MenuItemID,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Notes:      item.Notes,
		})
	}
	var order models.Order
	err := c.do(ctx, input.TenantID, http.MethodPost, "/api/orders", nil, body, &order)
	return order, err
}

func (c *Client) GetOrder(ctx context.Context, tenantID, orderID string) (models.Order, error) {
	var order models.Order
	err := c.do(ctx, tenantID, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, nil, &order)
	return order, err
}

func (c *Client) ListActiveOrders(ctx context.Context, tenantID string, recentTerminal time.Duration) ([]models.Order, error) {
	query := url.Values{}
	if recentTerminal > 0 {
		// Round up so a sub-minute window is not sent as zero.
		minutes := (recentTerminal + time.Minute - 1) / time.Minute
		query.Set("recent_minutes", strconv.Itoa(int(minutes)))
	}
	var orders []models.Order
	err := c.do(ctx, tenantID, http.MethodGet, "/api/orders", query, nil, &orders)
	return orders, err
}

// UpdateOrderStatus reports applied as true on success; the service does not
// distinguish a first application from an idempotent replay.
func (c *Client) UpdateOrderStatus(ctx context.Context, input store.StatusChangeInput) (models.Order, bool, error) {
	path := fmt.Sprintf("/api/orders/%s/actions/%s", url.PathEscape(input.OrderID), url.PathEscape(input.Action))
	body := transitionBody{RequestID: input.RequestID, ExpectedStatus: input.ExpectedStatus}
	var order models.Order
	if err := c.do(ctx, input.TenantID, http.MethodPost, path, nil, body, &order); err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

func (c *Client) CreateServiceRequest(ctx context.Context, input store.CreateServiceRequestInput) (models.ServiceRequest, error) {
	var request models.ServiceRequest
	body := map[string]string{"table_label": input.TableLabel}
	err := c.do(ctx, input.TenantID, http.MethodPost, "/api/service-requests", nil, body, &request)
	return request, err
}

func (c *Client) ListPendingServiceRequests(ctx context.Context, tenantID string) ([]models.ServiceRequest, error) {
	var requests []models.ServiceRequest
	err := c.do(ctx, tenantID, http.MethodGet, "/api/service-requests", nil, nil, &requests)
	return requests, err
}

func (c *Client) ResolveServiceRequest(ctx context.Context, tenantID, requestID string) (models.ServiceRequest, error) {
	var request models.ServiceRequest
	path := "/api/service-requests/" + url.PathEscape(requestID) + "/resolve"
	err := c.do(ctx, tenantID, http.MethodPost, path, nil, nil, &request)
	return request, err
}

func (c *Client) GetRestaurant(ctx context.Context, tenantID string) (models.Restaurant, error) {
	var restaurant models.Restaurant
	err := c.do(ctx, tenantID, http.MethodGet, "/api/restaurant", nil, nil, &restaurant)
	return restaurant, err
}

func (c *Client) ListTenantEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	query := url.Values{}
	if !after.IsZero() {
		query.Set("after", after.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var events []store.OutboxEvent
	err := c.do(ctx, tenantID, http.MethodGet, "/api/events", query, nil, &events)
	return events, err
}

func (c *Client) do(ctx context.Context, tenantID, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set(tenant.Header, tenantID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error.Code == "" {
		apiErr.Code = "unexpected_response"
		apiErr.Message = strings.TrimSpace(string(raw))
		return apiErr
	}
	apiErr.Code = payload.Error.Code
	apiErr.Message = payload.Error.Message
	apiErr.RequestID = payload.RequestID
	apiErr.err = codeErrors[payload.Error.Code]
	return apiErr
}

// IsRetryable reports whether err is worth retrying as is: a throttled or
// failing service, or a request that never got an answer. Domain errors such
// as conflicts and illegal transitions are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
