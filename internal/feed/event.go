// Package feed carries row-level change events from the outbox to live
// subscribers.
package feed

import (
	"encoding/json"
	"strings"
	"time"

	"tableorder/internal/store"
)

// Event is the envelope pushed to subscribers. New holds the row after the
// change and Old the row before it; neither carries related rows.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Table     string          `json:"table"`
	Type      string          `json:"type"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func FromOutbox(row store.OutboxEvent) Event {
	return Event{
		ID:        row.EventID,
		TenantID:  row.TenantID,
		Table:     row.Table,
		Type:      row.Type,
		New:       row.New,
		Old:       row.Old,
		CreatedAt: row.CreatedAt,
	}
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// SubscribeMessage is sent by clients, one per table they want to follow.
// An empty Events list means every kind of change on that table.
type SubscribeMessage struct {
	Action   string   `json:"action"`
	TenantID string   `json:"tenant_id,omitempty"`
	Table    string   `json:"table,omitempty"`
	Events   []string `json:"events,omitempty"`
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	switch msg.Action {
	case ActionUnsubscribe:
		return msg, true
	case ActionSubscribe:
		msg.TenantID = strings.TrimSpace(msg.TenantID)
		msg.Table = strings.TrimSpace(msg.Table)
		if msg.TenantID == "" || msg.Table == "" {
			return SubscribeMessage{}, false
		}
		for i, kind := range msg.Events {
			msg.Events[i] = strings.ToUpper(strings.TrimSpace(kind))
		}
		return msg, true
	default:
		return SubscribeMessage{}, false
	}
}
