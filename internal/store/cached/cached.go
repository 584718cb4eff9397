// Package cached decorates an order store with a Redis read-through cache for
// order detail lookups.
package cached

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tableorder/internal/models"
	"tableorder/internal/store"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// Store serves GetOrder from Redis when possible. Every other method goes
// straight to the wrapped store; status changes drop the cached entry.
type Store struct {
	store.OrderStore
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(inner store.OrderStore, client redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "tableorder"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{OrderStore: inner, client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (models.Order, error) {
	key := s.key(tenantID, orderID)
	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var order models.Order
		if err := json.Unmarshal(raw, &order); err == nil {
			return order, nil
		}
		slog.WarnContext(ctx, "discarding unreadable cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		slog.WarnContext(ctx, "cache get failed", "key", key, "error", err)
	}

	order, err := s.OrderStore.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if payload, err := json.Marshal(order); err == nil {
		if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
			slog.WarnContext(ctx, "cache set failed", "key", key, "error", err)
		}
	}
	return order, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, input store.StatusChangeInput) (models.Order, bool, error) {
	order, applied, err := s.OrderStore.UpdateOrderStatus(ctx, input)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return order, applied, err
	}
	s.invalidate(ctx, input.TenantID, input.OrderID)
	return order, applied, err
}

func (s *Store) invalidate(ctx context.Context, tenantID, orderID string) {
	key := s.key(tenantID, orderID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		slog.WarnContext(ctx, "cache invalidate failed", "key", key, "error", err)
	}
}

func (s *Store) key(tenantID, orderID string) string {
	return fmt.Sprintf("%s:order:%s:%s", s.prefix, tenantID, orderID)
}
