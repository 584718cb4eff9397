package feed

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tableorder/internal/store"

	"github.com/cenkalti/backoff/v5"
)

var (
	eventsRelayed = expvar.NewInt("feed_events_relayed_total")
	relayErrors   = expvar.NewInt("feed_relay_errors_total")
	eventsPruned  = expvar.NewInt("feed_events_pruned_total")
)

// Sink receives every relayed event in outbox order.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Deliver(ctx context.Context, event Event) error {
	return f(ctx, event)
}

var mirrorErrors = expvar.NewInt("feed_mirror_errors_total")

// BestEffort wraps a sink whose failures must not hold the feed back. Errors
// are logged and counted; the relay treats the event as delivered.
func BestEffort(name string, sink Sink) Sink {
	return SinkFunc(func(ctx context.Context, event Event) error {
		if err := sink.Deliver(ctx, event); err != nil {
			relayErrors.Add(1)
			mirrorErrors.Add(1)
			slog.WarnContext(ctx, "mirror delivery failed", "sink", name, "event_id", event.ID, "error", err)
		}
		return nil
	})
}

type RelayConfig struct {
	Consumer        string
	PollInterval    time.Duration
	BatchSize       int
	Retention       time.Duration
	CleanupInterval time.Duration
}

// Relay tails the outbox from a persisted offset and fans events out to its
// sinks. The offset only moves past events every sink accepted.
type Relay struct {
	store       store.FeedStore
	sinks       []Sink
	cfg         RelayConfig
	offset      store.OutboxOffset
	loaded      bool
	running     int32
	lastCleanup time.Time
	now         func() time.Time
}

func NewRelay(feedStore store.FeedStore, cfg RelayConfig, sinks ...Sink) *Relay {
	if cfg.Consumer == "" {
		cfg.Consumer = "realtime"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Relay{store: feedStore, sinks: sinks, cfg: cfg, now: time.Now}
}

// Run polls until ctx is cancelled. Failing polls are retried with
// exponential backoff instead of the regular interval.
func (r *Relay) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.PollInterval
	policy.MaxInterval = 30 * time.Second

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		delay := r.cfg.PollInterval
		if _, err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			relayErrors.Add(1)
			delay = policy.NextBackOff()
			slog.ErrorContext(ctx, "relay poll failed", "consumer", r.cfg.Consumer, "retry_in", delay.String(), "error", err)
		} else {
			policy.Reset()
		}
		timer.Reset(delay)
	}
}

// Poll relays one batch and returns the number of events delivered. A poll
// already in progress makes this a no-op.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&r.running, 0)

	if !r.loaded {
		offset, err := r.store.GetOffset(ctx, r.cfg.Consumer)
		if err != nil {
			return 0, fmt.Errorf("load offset: %w", err)
		}
		r.offset = offset
		r.loaded = true
	}

	rows, err := r.store.ListOutboxEvents(ctx, r.offset, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}

	delivered := 0
	var deliverErr error
	for _, row := range rows {
		event := FromOutbox(row)
		if err := r.deliver(ctx, event); err != nil {
			deliverErr = fmt.Errorf("deliver %s: %w", event.ID, err)
			break
		}
		r.offset = store.OffsetOf(row)
		delivered++
	}
	eventsRelayed.Add(int64(delivered))

	if delivered > 0 {
		if err := r.store.UpdateOffset(ctx, r.cfg.Consumer, r.offset); err != nil {
			return delivered, fmt.Errorf("update offset: %w", err)
		}
	}
	if deliverErr != nil {
		return delivered, deliverErr
	}

	r.cleanup(ctx)
	return delivered, nil
}

func (r *Relay) Offset() store.OutboxOffset {
	return r.offset
}

func (r *Relay) deliver(ctx context.Context, event Event) error {
	for _, sink := range r.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) cleanup(ctx context.Context) {
	if r.cfg.Retention <= 0 {
		return
	}
	now := r.now()
	if !r.lastCleanup.IsZero() && now.Sub(r.lastCleanup) < r.cfg.CleanupInterval {
		return
	}
	r.lastCleanup = now
	removed, err := r.store.CleanupOutbox(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		slog.ErrorContext(ctx, "cleanup outbox failed", "error", err)
		return
	}
	if removed > 0 {
		eventsPruned.Add(removed)
		slog.InfoContext(ctx, "pruned outbox", "removed", removed)
	}
}
