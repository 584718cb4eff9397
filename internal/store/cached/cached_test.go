package cached

import (
	"context"
	"os"
	"testing"
	"time"

	"tableorder/internal/models"
	"tableorder/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	store.OrderStore
	getOrderFn     func(ctx context.Context, tenantID, orderID string) (models.Order, error)
	updateStatusFn func(ctx context.Context, input store.StatusChangeInput) (models.Order, bool, error)
}

func (f *fakeStore) GetOrder(ctx context.Context, tenantID, orderID string) (models.Order, error) {
	return f.getOrderFn(ctx, tenantID, orderID)
}

func (f *fakeStore) UpdateOrderStatus(ctx context.Context, input store.StatusChangeInput) (models.Order, bool, error) {
	return f.updateStatusFn(ctx, input)
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is required for redis tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGetOrderReadsThrough(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	tenantID := uuid.NewString()
	orderID := uuid.NewString()

	calls := 0
	inner := &fakeStore{
		getOrderFn: func(ctx context.Context, tID, oID string) (models.Order, error) {
			calls++
			return models.Order{
				OrderID:     oID,
				TenantID:    tID,
				Status:      models.StatusReceived,
				TotalAmount: decimal.RequireFromString("42.50"),
			}, nil
		},
	}
	st := New(inner, client, "test-"+uuid.NewString(), time.Minute)

	first, err := st.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	second, err := st.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 store call, got %d", calls)
	}
	if !first.TotalAmount.Equal(second.TotalAmount) || second.Status != models.StatusReceived {
		t.Fatalf("cached order differs: %+v vs %+v", first, second)
	}
}

func TestUpdateOrderStatusInvalidates(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	tenantID := uuid.NewString()
	orderID := uuid.NewString()

	status := models.StatusReceived
	calls := 0
	inner := &fakeStore{
		getOrderFn: func(ctx context.Context, tID, oID string) (models.Order, error) {
			calls++
			return models.Order{OrderID: oID, TenantID: tID, Status: status}, nil
		},
		updateStatusFn: func(ctx context.Context, input store.StatusChangeInput) (models.Order, bool, error) {
			status = models.StatusPreparing
			return models.Order{OrderID: input.OrderID, TenantID: input.TenantID, Status: status}, true, nil
		},
	}
	st := New(inner, client, "test-"+uuid.NewString(), time.Minute)

	if _, err := st.GetOrder(ctx, tenantID, orderID); err != nil {
		t.Fatalf("get order: %v", err)
	}
	if _, _, err := st.UpdateOrderStatus(ctx, store.StatusChangeInput{TenantID: tenantID, OrderID: orderID, Action: "advance"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	order, err := st.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected cache miss after update, got %d store calls", calls)
	}
	if order.Status != models.StatusPreparing {
		t.Fatalf("expected preparing, got %s", order.Status)
	}
}

func TestKeyIsTenantScoped(t *testing.T) {
	st := New(&fakeStore{}, nil, "svc", 0)
	a := st.key("tenant-a", "order-1")
	b := st.key("tenant-b", "order-1")
	if a == b {
		t.Fatalf("expected distinct keys per tenant, got %s", a)
	}
	if a != "svc:order:tenant-a:order-1" {
		t.Fatalf("unexpected key %s", a)
	}
}
