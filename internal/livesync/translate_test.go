package livesync

import (
	"encoding/json"
	"errors"
	"testing"

	"tableorder/internal/feed"
	"tableorder/internal/models"
	"tableorder/internal/store"
)

func rowEvent(t *testing.T, table, kind string, newRow, oldRow interface{}) feed.Event {
	t.Helper()
	event := feed.Event{ID: "e-" + kind, TenantID: tenantA, Table: table, Type: kind}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		event.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		event.Old = raw
	}
	return event
}

func TestTranslateOrderInsertRequestsFetch(t *testing.T) {
	order := testOrder("o1", models.StatusReceived, 0)
	order.Items = nil
	action, fetchID, err := Translate(rowEvent(t, store.TableOrders, store.EventInsert, order, nil))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if action != nil || fetchID != "o1" {
		t.Fatalf("expected fetch of o1, got action=%v fetch=%q", action, fetchID)
	}
}

func TestTranslateOrderUpdate(t *testing.T) {
	order := testOrder("o1", models.StatusReady, 0)
	action, fetchID, err := Translate(rowEvent(t, store.TableOrders, store.EventUpdate, order, nil))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	update, ok := action.(OrderUpdated)
	if !ok || fetchID != "" {
		t.Fatalf("expected OrderUpdated, got %T", action)
	}
	if update.Order.Status != models.StatusReady || update.Order.Items != nil {
		t.Fatalf("unexpected patch %+v", update.Order)
	}
	if !update.Fields["status"] || !update.Fields["table_label"] || update.Fields["customer_name"] {
		t.Fatalf("unexpected field set %v", update.Fields)
	}
}

func TestTranslateServiceRequests(t *testing.T) {
	pending := testRequest("r1", "3", 0)
	resolved := pending
	resolved.Status = models.RequestResolved

	tests := []struct {
		name  string
		event feed.Event
		want  interface{}
	}{
		{"insert", rowEvent(t, store.TableServiceRequests, store.EventInsert, pending, nil), RequestCreated{}},
		{"resolved update", rowEvent(t, store.TableServiceRequests, store.EventUpdate, resolved, pending), RequestResolved{}},
		{"delete", rowEvent(t, store.TableServiceRequests, store.EventDelete, nil, pending), RequestResolved{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			action, _, err := Translate(tc.event)
			if err != nil {
				t.Fatalf("translate: %v", err)
			}
			switch tc.want.(type) {
			case RequestCreated:
				if _, ok := action.(RequestCreated); !ok {
					t.Fatalf("expected RequestCreated, got %T", action)
				}
			case RequestResolved:
				resolvedAction, ok := action.(RequestResolved)
				if !ok || resolvedAction.RequestID != "r1" {
					t.Fatalf("expected RequestResolved for r1, got %#v", action)
				}
			}
		})
	}
}

func TestTranslateRejectsBadEvents(t *testing.T) {
	tests := []struct {
		name  string
		event feed.Event
	}{
		{"unknown table", feed.Event{TenantID: tenantA, Table: "menu_items", Type: store.EventInsert}},
		{"missing row", feed.Event{TenantID: tenantA, Table: store.TableOrders, Type: store.EventUpdate}},
		{"bad json", feed.Event{TenantID: tenantA, Table: store.TableOrders, Type: store.EventUpdate, New: json.RawMessage(`{"status":`)}},
		{"unknown type", feed.Event{TenantID: tenantA, Table: store.TableOrders, Type: "TRUNCATE"}},
		{"update without id", feed.Event{TenantID: tenantA, Table: store.TableOrders, Type: store.EventUpdate, New: json.RawMessage(`{"status":"ready"}`)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Translate(tc.event); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	_, _, err := Translate(feed.Event{Table: "menu_items"})
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected ErrUnsupportedEvent, got %v", err)
	}
}
