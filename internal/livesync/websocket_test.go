package livesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tableorder/internal/feed"
	"tableorder/internal/store"

	"github.com/gorilla/websocket"
)

func TestWebsocketSourceSubscribes(t *testing.T) {
	received := make(chan feed.SubscribeMessage, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			var msg feed.SubscribeMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(feed.Event{ID: "e1", TenantID: tenantA, Table: store.TableOrders, Type: store.EventUpdate})
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := NewWebsocketSource("ws" + strings.TrimPrefix(server.URL, "http"))
	events, err := source.Subscribe(ctx, tenantA, []string{store.TableOrders, store.TableServiceRequests})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, table := range []string{store.TableOrders, store.TableServiceRequests} {
		select {
		case msg := <-received:
			if msg.Action != feed.ActionSubscribe || msg.TenantID != tenantA || msg.Table != table {
				t.Fatalf("unexpected subscribe message %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for subscribe message")
		}
	}

	select {
	case event := <-events:
		if event.ID != "e1" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestWebsocketSourceDialError(t *testing.T) {
	source := NewWebsocketSource("ws://127.0.0.1:1/realtime/websocket")
	if _, err := source.Subscribe(context.Background(), tenantA, []string{store.TableOrders}); err == nil {
		t.Fatalf("expected dial error")
	}
}
