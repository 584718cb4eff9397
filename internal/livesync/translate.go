package livesync

import (
	"encoding/json"
	"errors"
	"fmt"

	"tableorder/internal/feed"
	"tableorder/internal/models"
	"tableorder/internal/store"
)

var ErrUnsupportedEvent = errors.New("unsupported feed event")

// Translate turns a raw feed event into a reducer action. An order insert
// yields no action but the id of an order that has to be fetched with its
// items first, since the feed carries only the changed row. Events that need
// no handling return a nil action and an empty id.
func Translate(event feed.Event) (Action, string, error) {
	switch event.Table {
	case store.TableOrders:
		return translateOrder(event)
	case store.TableServiceRequests:
		return translateRequest(event)
	default:
		return nil, "", fmt.Errorf("%w: table %q", ErrUnsupportedEvent, event.Table)
	}
}

func translateOrder(event feed.Event) (Action, string, error) {
	switch event.Type {
	case store.EventInsert:
		var order models.Order
		if err := decodeRow(event.New, &order); err != nil {
			return nil, "", err
		}
		if order.OrderID == "" {
			return nil, "", fmt.Errorf("%w: order insert without id", ErrUnsupportedEvent)
		}
		return nil, order.OrderID, nil
	case store.EventUpdate:
		var order models.Order
		if err := decodeRow(event.New, &order); err != nil {
			return nil, "", err
		}
		if order.OrderID == "" {
			return nil, "", fmt.Errorf("%w: order update without id", ErrUnsupportedEvent)
		}
		fields, err := rowFields(event.New)
		if err != nil {
			return nil, "", err
		}
		if order.TenantID == "" {
			order.TenantID = event.TenantID
		}
		order.Items = nil
		return OrderUpdated{Order: order, Fields: fields}, "", nil
	case store.EventDelete:
		return nil, "", nil
	default:
		return nil, "", fmt.Errorf("%w: type %q", ErrUnsupportedEvent, event.Type)
	}
}

func translateRequest(event feed.Event) (Action, string, error) {
	switch event.Type {
	case store.EventInsert, store.EventUpdate:
		var request models.ServiceRequest
		if err := decodeRow(event.New, &request); err != nil {
			return nil, "", err
		}
		if request.TenantID == "" {
			request.TenantID = event.TenantID
		}
		if request.Status == models.RequestResolved {
			return RequestResolved{TenantID: request.TenantID, RequestID: request.RequestID}, "", nil
		}
		return RequestCreated{Request: request}, "", nil
	case store.EventDelete:
		var request models.ServiceRequest
		if err := decodeRow(event.Old, &request); err != nil {
			return nil, "", err
		}
		return RequestResolved{TenantID: event.TenantID, RequestID: request.RequestID}, "", nil
	default:
		return nil, "", fmt.Errorf("%w: type %q", ErrUnsupportedEvent, event.Type)
	}
}

// rowFields reports which top-level keys a row carries.
func rowFields(raw json.RawMessage) (map[string]bool, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	fields := make(map[string]bool, len(keys))
	for key := range keys {
		fields[key] = true
	}
	return fields, nil
}

func decodeRow(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing row", ErrUnsupportedEvent)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}
