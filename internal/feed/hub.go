package feed

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"sync"
)

var messagesDropped = expvar.NewInt("feed_messages_dropped_total")

// Subscription is a client's filter: one tenant, and per table the set of
// change kinds it wants. A nil kind set accepts every kind.
type Subscription struct {
	TenantID string
	Tables   map[string]map[string]bool
}

func (s Subscription) Matches(event Event) bool {
	if s.TenantID == "" || event.TenantID != s.TenantID {
		return false
	}
	kinds, ok := s.Tables[event.Table]
	if !ok {
		return false
	}
	return kinds == nil || kinds[event.Type]
}

// With returns the subscription after applying msg. Subscribing under a
// different tenant discards every filter held for the previous one.
func (s Subscription) With(msg SubscribeMessage) Subscription {
	if msg.Action == ActionUnsubscribe {
		return Subscription{}
	}
	next := Subscription{TenantID: msg.TenantID, Tables: make(map[string]map[string]bool)}
	if s.TenantID == msg.TenantID {
		for table, kinds := range s.Tables {
			next.Tables[table] = kinds
		}
	}
	var kinds map[string]bool
	if len(msg.Events) > 0 {
		kinds = make(map[string]bool, len(msg.Events))
		for _, kind := range msg.Events {
			kinds[kind] = true
		}
	}
	next.Tables[msg.Table] = kinds
	return next
}

type Client struct {
	ID           string
	Send         chan []byte
	subscription Subscription
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{ID: id, Send: make(chan []byte, buffer)}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

// Apply updates the client's filter from a subscribe or unsubscribe message.
func (h *Hub) Apply(client *Client, msg SubscribeMessage) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.subscription = client.subscription.With(msg)
	return client.subscription
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends the event to every client whose filter matches it and
// reports how many received it. A client whose buffer is full is
// unregistered: its Send channel closes, which ends the session and makes
// the subscriber reconnect and reconcile instead of silently missing the
// event.
func (h *Hub) Broadcast(event Event) (int, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	delivered := 0
	var slow []*Client
	for _, client := range h.clients {
		if !client.subscription.Matches(event) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		messagesDropped.Add(1)
		slog.Warn("evict slow client", "client_id", client.ID, "event_id", event.ID)
		h.Unregister(client)
	}
	return delivered, nil
}

// Deliver lets the hub act as a relay sink.
func (h *Hub) Deliver(_ context.Context, event Event) error {
	_, err := h.Broadcast(event)
	return err
}
