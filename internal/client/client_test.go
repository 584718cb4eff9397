package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"tableorder/internal/httpapi"
	"tableorder/internal/lifecycle"
	"tableorder/internal/models"
	"tableorder/internal/store"

	"github.com/shopspring/decimal"
)

const (
	testTenant  = "33333333-3333-3333-3333-333333333333"
	testOrder   = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	testRequest = "cccccccc-cccc-cccc-cccc-cccccccccccc"
)

// stubStore embeds the interface so tests only implement what they call.
type stubStore struct {
	store.OrderStore
	createOrderFn  func(input store.CreateOrderInput) (models.Order, error)
	listActiveFn   func(tenantID string, recentTerminal time.Duration) ([]models.Order, error)
	updateStatusFn func(input store.StatusChangeInput) (models.Order, bool, error)
	resolveFn      func(tenantID, requestID string) (models.ServiceRequest, error)
	eventsFn       func(tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error)
}

func (s stubStore) CreateOrder(_ context.Context, input store.CreateOrderInput) (models.Order, error) {
	return s.createOrderFn(input)
}

func (s stubStore) ListActiveOrders(_ context.Context, tenantID string, recentTerminal time.Duration) ([]models.Order, error) {
	return s.listActiveFn(tenantID, recentTerminal)
}

func (s stubStore) UpdateOrderStatus(_ context.Context, input store.StatusChangeInput) (models.Order, bool, error) {
	return s.updateStatusFn(input)
}

func (s stubStore) ResolveServiceRequest(_ context.Context, tenantID, requestID string) (models.ServiceRequest, error) {
	return s.resolveFn(tenantID, requestID)
}

func (s stubStore) ListTenantEvents(_ context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	return s.eventsFn(tenantID, after, limit)
}

func newTestClient(t *testing.T, st store.OrderStore) *Client {
	t.Helper()
	server := httptest.NewServer(httpapi.NewHandler(st, httpapi.Options{RecentTerminal: time.Hour}).Routes())
	t.Cleanup(server.Close)
	return New(server.URL+"/", server.Client())
}

func TestCreateOrderRoundTrip(t *testing.T) {
	var got store.CreateOrderInput
	c := newTestClient(t, stubStore{
		createOrderFn: func(input store.CreateOrderInput) (models.Order, error) {
			got = input
			return models.Order{
				OrderID:       testOrder,
				TenantID:      input.TenantID,
				TableLabel:    input.TableLabel,
				Status:        models.StatusReceived,
				PaymentMethod: input.PaymentMethod,
				TotalAmount:   decimal.RequireFromString("120"),
			}, nil
		},
	})

	order, err := c.CreateOrder(context.Background(), store.CreateOrderInput{
		TenantID:      testTenant,
		TableLabel:    "T4",
		PaymentMethod: models.PaymentCash,
		Items: []store.CreateOrderItemInput{
			{Name: "Soup", Quantity: 2, UnitPrice: decimal.RequireFromString("60")},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if got.TenantID != testTenant || got.TableLabel != "T4" {
		t.Fatalf("unexpected input forwarded: %+v", got)
	}
	if len(got.Items) != 1 || !got.Items[0].UnitPrice.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("unexpected items forwarded: %+v", got.Items)
	}
	if order.OrderID != testOrder || !order.TotalAmount.Equal(decimal.RequireFromString("120")) {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestListActiveOrdersSendsWindow(t *testing.T) {
	tests := []struct {
		name   string
		window time.Duration
		want   time.Duration
	}{
		{"whole minutes", 30 * time.Minute, 30 * time.Minute},
		{"sub minute rounds up", 30 * time.Second, time.Minute},
		{"partial minute rounds up", 90 * time.Second, 2 * time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var window time.Duration
			c := newTestClient(t, stubStore{
				listActiveFn: func(tenantID string, recentTerminal time.Duration) ([]models.Order, error) {
					if tenantID != testTenant {
						t.Errorf("tenant = %q", tenantID)
					}
					window = recentTerminal
					return []models.Order{{OrderID: testOrder, Status: models.StatusPreparing}}, nil
				},
			})

			orders, err := c.ListActiveOrders(context.Background(), testTenant, tc.window)
			if err != nil {
				t.Fatalf("ListActiveOrders: %v", err)
			}
			if window != tc.want {
				t.Fatalf("window = %s, want %s", window, tc.want)
			}
			if len(orders) != 1 || orders[0].Status != models.StatusPreparing {
				t.Fatalf("unexpected orders: %+v", orders)
			}
		})
	}
}

func TestUpdateOrderStatusForwardsExpectedStatus(t *testing.T) {
	var got store.StatusChangeInput
	c := newTestClient(t, stubStore{
		updateStatusFn: func(input store.StatusChangeInput) (models.Order, bool, error) {
			got = input
			return models.Order{OrderID: input.OrderID, Status: models.StatusPreparing}, true, nil
		},
	})

	order, applied, err := c.UpdateOrderStatus(context.Background(), store.StatusChangeInput{
		RequestID:      "dddddddd-dddd-dddd-dddd-dddddddddddd",
		TenantID:       testTenant,
		OrderID:        testOrder,
		Action:         lifecycle.ActionAdvance,
		ExpectedStatus: models.StatusReceived,
	})
	if err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if !applied || order.Status != models.StatusPreparing {
		t.Fatalf("unexpected result: applied=%v order=%+v", applied, order)
	}
	if got.ExpectedStatus != models.StatusReceived || got.Action != lifecycle.ActionAdvance {
		t.Fatalf("unexpected input forwarded: %+v", got)
	}
	if got.RequestID != "dddddddd-dddd-dddd-dddd-dddddddddddd" {
		t.Fatalf("request id not forwarded: %q", got.RequestID)
	}
}

func TestErrorsUnwrapToStoreErrors(t *testing.T) {
	tests := []struct {
		name    string
		storeFn error
		want    error
	}{
		{name: "conflict", storeFn: store.ErrStatusConflict, want: store.ErrStatusConflict},
		{name: "not found", storeFn: store.ErrOrderNotFound, want: store.ErrOrderNotFound},
		{name: "terminal", storeFn: lifecycle.ErrTerminalState, want: lifecycle.ErrTerminalState},
		{name: "illegal cancel", storeFn: lifecycle.ErrIllegalCancellation, want: store.ErrInvalidState},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, stubStore{
				updateStatusFn: func(store.StatusChangeInput) (models.Order, bool, error) {
					return models.Order{}, false, tc.storeFn
				},
			})
			_, _, err := c.UpdateOrderStatus(context.Background(), store.StatusChangeInput{
				TenantID: testTenant,
				OrderID:  testOrder,
				Action:   lifecycle.ActionCancel,
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode == 0 {
				t.Fatalf("expected APIError, got %T", err)
			}
			if IsRetryable(err) {
				t.Fatalf("%v should not be retryable", err)
			}
		})
	}
}

func TestResolveServiceRequestAlreadyResolved(t *testing.T) {
	c := newTestClient(t, stubStore{
		resolveFn: func(tenantID, requestID string) (models.ServiceRequest, error) {
			if requestID != testRequest {
				t.Errorf("request id = %q", requestID)
			}
			return models.ServiceRequest{}, store.ErrRequestAlreadyResolved
		},
	})

	_, err := c.ResolveServiceRequest(context.Background(), testTenant, testRequest)
	if !errors.Is(err, store.ErrRequestAlreadyResolved) {
		t.Fatalf("err = %v, want already resolved", err)
	}
}

func TestListTenantEventsAfter(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	c := newTestClient(t, stubStore{
		eventsFn: func(tenantID string, got time.Time, limit int) ([]store.OutboxEvent, error) {
			if !got.Equal(after) {
				t.Errorf("after = %s, want %s", got, after)
			}
			if limit != 50 {
				t.Errorf("limit = %d", limit)
			}
			return []store.OutboxEvent{{EventID: "e1", TenantID: tenantID, Table: store.TableOrders, Type: store.EventInsert}}, nil
		},
	})

	events, err := c.ListTenantEvents(context.Background(), testTenant, after, 50)
	if err != nil {
		t.Fatalf("ListTenantEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "e1" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestNonJSONErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL, server.Client()).GetOrder(context.Background(), testTenant, testOrder)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "unexpected_response" || apiErr.Message != "upstream down" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !IsRetryable(err) {
		t.Fatal("502 should be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttled", &APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"unavailable", &APIError{StatusCode: http.StatusServiceUnavailable}, true},
		{"conflict", &APIError{StatusCode: http.StatusConflict, err: store.ErrStatusConflict}, false},
		{"plain domain error", store.ErrStatusConflict, false},
		{"local transition check", lifecycle.ErrTerminalState, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"transport", &url.Error{Op: "Get", URL: "http://orders", Err: errors.New("connection refused")}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
