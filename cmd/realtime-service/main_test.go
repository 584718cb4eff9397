package main

import (
	"testing"

	"tableorder/internal/feed"
)

func TestHandleClientMessage(t *testing.T) {
	const tenantA = "11111111-1111-1111-1111-111111111111"
	const tenantB = "22222222-2222-2222-2222-222222222222"

	tests := []struct {
		name      string
		messages  []string
		event     feed.Event
		wantOK    bool
		wantMatch bool
	}{
		{
			name:      "subscribe all kinds",
			messages:  []string{`{"action":"subscribe","tenant_id":"` + tenantA + `","table":"orders"}`},
			event:     feed.Event{TenantID: tenantA, Table: "orders", Type: "INSERT"},
			wantOK:    true,
			wantMatch: true,
		},
		{
			name:      "kind filter",
			messages:  []string{`{"action":"subscribe","tenant_id":"` + tenantA + `","table":"orders","events":["update"]}`},
			event:     feed.Event{TenantID: tenantA, Table: "orders", Type: "INSERT"},
			wantOK:    true,
			wantMatch: false,
		},
		{
			name:      "other tenant",
			messages:  []string{`{"action":"subscribe","tenant_id":"` + tenantA + `","table":"orders"}`},
			event:     feed.Event{TenantID: tenantB, Table: "orders", Type: "INSERT"},
			wantOK:    true,
			wantMatch: false,
		},
		{
			name: "tenant switch drops old filters",
			messages: []string{
				`{"action":"subscribe","tenant_id":"` + tenantA + `","table":"orders"}`,
				`{"action":"subscribe","tenant_id":"` + tenantB + `","table":"service_requests"}`,
			},
			event:     feed.Event{TenantID: tenantA, Table: "orders", Type: "UPDATE"},
			wantOK:    true,
			wantMatch: false,
		},
		{
			name: "unsubscribe",
			messages: []string{
				`{"action":"subscribe","tenant_id":"` + tenantA + `","table":"orders"}`,
				`{"action":"unsubscribe"}`,
			},
			event:     feed.Event{TenantID: tenantA, Table: "orders", Type: "UPDATE"},
			wantOK:    true,
			wantMatch: false,
		},
		{
			name:      "missing table",
			messages:  []string{`{"action":"subscribe","tenant_id":"` + tenantA + `"}`},
			event:     feed.Event{TenantID: tenantA, Table: "orders", Type: "UPDATE"},
			wantOK:    false,
			wantMatch: false,
		},
		{
			name:      "not json",
			messages:  []string{`hello`},
			event:     feed.Event{TenantID: tenantA, Table: "orders", Type: "UPDATE"},
			wantOK:    false,
			wantMatch: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := feed.NewHub()
			client := feed.NewClient("c1", 4)
			h.Register(client)
			defer h.Unregister(client)

			var ok bool
			for _, msg := range tc.messages {
				ok = handleClientMessage(h, client, msg)
			}
			if ok != tc.wantOK {
				t.Fatalf("expected ok=%v, got %v", tc.wantOK, ok)
			}
			delivered, err := h.Broadcast(tc.event)
			if err != nil {
				t.Fatalf("broadcast: %v", err)
			}
			if got := delivered == 1; got != tc.wantMatch {
				t.Fatalf("expected match=%v, delivered %d", tc.wantMatch, delivered)
			}
		})
	}
}
