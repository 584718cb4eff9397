package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"tableorder/internal/feed"

	"github.com/gorilla/websocket"
)

// WebsocketSource follows the realtime service over its raw websocket
// endpoint, e.g. ws://host:8081/realtime/websocket.
type WebsocketSource struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Buffer int
}

func NewWebsocketSource(url string) *WebsocketSource {
	return &WebsocketSource{URL: url, Dialer: websocket.DefaultDialer, Buffer: 64}
}

func (w *WebsocketSource) Subscribe(ctx context.Context, tenantID string, tables []string) (<-chan feed.Event, error) {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, w.URL, w.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.URL, err)
	}
	for _, table := range tables {
		msg := feed.SubscribeMessage{Action: feed.ActionSubscribe, TenantID: tenantID, Table: table}
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", table, err)
		}
	}

	buffer := w.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan feed.Event, buffer)
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer closeConn()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("websocket read failed", "url", w.URL, "error", err)
				}
				return
			}
			var event feed.Event
			if err := json.Unmarshal(data, &event); err != nil {
				slog.Warn("skip malformed feed message", "error", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
