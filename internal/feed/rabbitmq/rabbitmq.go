// Package rabbitmq mirrors the change feed onto a RabbitMQ topic exchange and
// lets clients follow a tenant's changes from it.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tableorder/internal/feed"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "tableorder.feed"

// RoutingKey is <tenant>.<table>.<type>.
func RoutingKey(event feed.Event) string {
	return fmt.Sprintf("%s.%s.%s", event.TenantID, event.Table, event.Type)
}

func bindingKeys(tenantID string, tables []string) []string {
	keys := make([]string, 0, len(tables))
	for _, table := range tables {
		keys = append(keys, fmt.Sprintf("%s.%s.*", tenantID, table))
	}
	return keys
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
}

var ErrNotConnected = errors.New("rabbitmq publisher not connected")

// Publisher is a relay sink that publishes every event to the exchange. A
// closed connection is re-established in the background; publishes fail fast
// with ErrNotConnected until it is back.
type Publisher struct {
	url      string
	exchange string
	connect  func() (*amqp.Connection, *amqp.Channel, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	reconnecting bool
	retry        func() backoff.BackOff
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	p := newPublisher(url, exchange)
	conn, ch, err := p.connect()
	if err != nil {
		p.cancel()
		return nil, err
	}
	p.conn, p.channel = conn, ch
	slog.Info("rabbitmq publisher connected", "exchange", p.exchange)
	return p, nil
}

func newPublisher(url, exchange string) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{url: url, exchange: exchange, ctx: ctx, cancel: cancel}
	p.connect = p.dial
	p.retry = func() backoff.BackOff {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 500 * time.Millisecond
		policy.MaxInterval = 30 * time.Second
		return policy
	}
	return p
}

func (p *Publisher) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

func (p *Publisher) Deliver(ctx context.Context, event feed.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	ch := p.channel
	if ch == nil || ch.IsClosed() {
		p.mu.Unlock()
		p.reconnect()
		return ErrNotConnected
	}
	err = ch.PublishWithContext(ctx,
		p.exchange,        // exchange
		RoutingKey(event), // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    event.ID,
			Timestamp:    event.CreatedAt,
			Body:         body,
		})
	p.mu.Unlock()
	if errors.Is(err, amqp.ErrClosed) {
		p.reconnect()
	}
	return err
}

// reconnect starts one background redial loop unless one is running.
func (p *Publisher) reconnect() {
	p.mu.Lock()
	if p.reconnecting || p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	go func() {
		type session struct {
			conn *amqp.Connection
			ch   *amqp.Channel
		}
		next, err := backoff.Retry(p.ctx,
			func() (session, error) {
				conn, ch, err := p.connect()
				return session{conn: conn, ch: ch}, err
			},
			backoff.WithBackOff(p.retry()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, wait time.Duration) {
				slog.Warn("rabbitmq reconnect failed", "exchange", p.exchange, "retry_in", wait.String(), "error", err)
			}),
		)

		p.mu.Lock()
		defer p.mu.Unlock()
		p.reconnecting = false
		if err != nil {
			return
		}
		if p.ctx.Err() != nil {
			if next.conn != nil {
				_ = next.conn.Close()
			}
			return
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.conn, p.channel = next.conn, next.ch
		slog.Info("rabbitmq publisher reconnected", "exchange", p.exchange)
	}()
}

func (p *Publisher) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Source subscribes to one tenant's events through a private, auto-deleted
// queue bound to the exchange.
type Source struct {
	url      string
	exchange string
	buffer   int
}

func NewSource(url, exchange string) *Source {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Source{url: url, exchange: exchange, buffer: 64}
}

// Subscribe returns a channel of events for tenantID on the given tables. The
// channel closes when ctx is cancelled or the broker connection drops.
func (s *Source) Subscribe(ctx context.Context, tenantID string, tables []string) (<-chan feed.Event, error) {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	deliveries, err := s.consume(conn, tenantID, tables)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	out := make(chan feed.Event, s.buffer)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					slog.Warn("rabbitmq subscription closed", "tenant_id", tenantID)
					return
				}
				var event feed.Event
				if err := json.Unmarshal(d.Body, &event); err != nil {
					slog.Warn("skip malformed feed message", "message_id", d.MessageId, "error", err)
					continue
				}
				if event.TenantID != tenantID {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Source) consume(conn *amqp.Connection, tenantID string, tables []string) (<-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, s.exchange); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	queue, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range bindingKeys(tenantID, tables) {
		if err := ch.QueueBind(queue.Name, key, s.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(
		queue.Name, // queue
		"",         // consumer
		true,       // auto-ack
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}
