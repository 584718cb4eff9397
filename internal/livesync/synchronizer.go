package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tableorder/internal/feed"
	"tableorder/internal/lifecycle"
	"tableorder/internal/models"
	"tableorder/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var (
	ErrNoTenant       = errors.New("no tenant selected")
	ErrUnknownOrder   = errors.New("order not in local view")
	ErrUnknownRequest = errors.New("service request not in local view")
	ErrStopped        = errors.New("synchronizer stopped")
)

// Store is the query surface the synchronizer reads and writes through.
type Store interface {
	GetOrder(ctx context.Context, tenantID, orderID string) (models.Order, error)
	ListActiveOrders(ctx context.Context, tenantID string, recentTerminal time.Duration) ([]models.Order, error)
	ListPendingServiceRequests(ctx context.Context, tenantID string) ([]models.ServiceRequest, error)
	UpdateOrderStatus(ctx context.Context, input store.StatusChangeInput) (models.Order, bool, error)
	ResolveServiceRequest(ctx context.Context, tenantID, requestID string) (models.ServiceRequest, error)
}

// Source opens a change feed subscription for one tenant. The returned
// channel is closed when ctx is cancelled or the subscription drops.
type Source interface {
	Subscribe(ctx context.Context, tenantID string, tables []string) (<-chan feed.Event, error)
}

type Status int32

const (
	StatusDisconnected Status = iota
	StatusSubscribing
	StatusSubscribed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusSubscribing:
		return "subscribing"
	case StatusSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

type Config struct {
	Tables         []string
	RecentTerminal time.Duration
	FetchTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Synchronizer owns a State and mutates it only from the goroutine running
// Run. Feed events, fetch results and staff actions all reach the state
// through that loop.
type Synchronizer struct {
	store    Store
	source   Source
	notifier Notifier
	cfg      Config

	inbox   chan func()
	stopped chan struct{}
	status  atomic.Int32

	// owned by the loop
	runCtx     context.Context
	state      State
	generation uint64
	cancel     context.CancelFunc
}

func New(st Store, source Source, notifier Notifier, cfg Config) *Synchronizer {
	if len(cfg.Tables) == 0 {
		cfg.Tables = []string{store.TableOrders, store.TableServiceRequests}
	}
	if cfg.RecentTerminal <= 0 {
		cfg.RecentTerminal = 12 * time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if notifier == nil {
		notifier = NotifierFuncs{}
	}
	return &Synchronizer{
		store:    st,
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		inbox:    make(chan func(), 64),
		stopped:  make(chan struct{}),
	}
}

// Run processes work until ctx is cancelled. It must be called exactly once.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			s.setStatus(StatusDisconnected)
			return nil
		case fn := <-s.inbox:
			fn()
		}
	}
}

func (s *Synchronizer) Status() Status {
	return Status(s.status.Load())
}

// State returns the current local view. The slices must not be modified.
func (s *Synchronizer) State(ctx context.Context) (State, error) {
	var state State
	err := s.do(ctx, func() { state = s.state })
	return state, err
}

// Switch drops the current subscription and local view, then follows
// tenantID from scratch: subscribe, reconcile with a full fetch, apply
// incremental events. An empty tenantID just disconnects.
func (s *Synchronizer) Switch(ctx context.Context, tenantID string) error {
	return s.do(ctx, func() { s.switchTenant(tenantID) })
}

func (s *Synchronizer) Advance(ctx context.Context, orderID string) (models.Order, error) {
	return s.transition(ctx, orderID, lifecycle.ActionAdvance)
}

func (s *Synchronizer) Cancel(ctx context.Context, orderID string) (models.Order, error) {
	return s.transition(ctx, orderID, lifecycle.ActionCancel)
}

func (s *Synchronizer) Reject(ctx context.Context, orderID string) (models.Order, error) {
	return s.transition(ctx, orderID, lifecycle.ActionReject)
}

// ResolveRequest marks a pending service request resolved and removes it
// from the local view once the store confirms.
func (s *Synchronizer) ResolveRequest(ctx context.Context, requestID string) error {
	var tenantID string
	var found bool
	if err := s.do(ctx, func() {
		tenantID = s.state.TenantID
		found = s.state.RequestIndex(requestID) >= 0
	}); err != nil {
		return err
	}
	if tenantID == "" {
		return ErrNoTenant
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	_, err := s.store.ResolveServiceRequest(ctx, tenantID, requestID)
	if err != nil && !errors.Is(err, store.ErrRequestAlreadyResolved) {
		s.reportError(ctx, fmt.Errorf("resolve service request %s: %w", requestID, err))
		return err
	}
	return s.do(ctx, func() { s.apply(RequestResolved{TenantID: tenantID, RequestID: requestID}) })
}

// transition checks the action against the local copy, persists it with the
// locally observed status as the expected one, and applies the stored result.
// Nothing changes locally when either step fails.
func (s *Synchronizer) transition(ctx context.Context, orderID, action string) (models.Order, error) {
	var tenantID string
	var order models.Order
	var found bool
	if err := s.do(ctx, func() {
		tenantID = s.state.TenantID
		order, found = s.state.Order(orderID)
	}); err != nil {
		return models.Order{}, err
	}
	if tenantID == "" {
		return models.Order{}, ErrNoTenant
	}
	if !found {
		return models.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if _, err := lifecycle.Apply(action, order); err != nil {
		return models.Order{}, err
	}

	updated, _, err := s.store.UpdateOrderStatus(ctx, store.StatusChangeInput{
		RequestID:      uuid.NewString(),
		TenantID:       tenantID,
		OrderID:        orderID,
		Action:         action,
		ExpectedStatus: order.Status,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		s.reportError(ctx, fmt.Errorf("%s order %s: %w", action, orderID, err))
		return models.Order{}, err
	}
	if err := s.do(ctx, func() { s.apply(OrderUpdated{Order: updated}) }); err != nil {
		return updated, err
	}
	return updated, nil
}

func (s *Synchronizer) switchTenant(tenantID string) {
	s.teardown()
	s.generation++
	s.state = State{TenantID: tenantID}
	if tenantID == "" {
		s.setStatus(StatusDisconnected)
		return
	}
	s.setStatus(StatusSubscribing)
	ctx, cancel := context.WithCancel(s.runCtx)
	s.cancel = cancel
	go s.follow(ctx, s.generation, tenantID)
}

func (s *Synchronizer) teardown() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

type subscription struct {
	events <-chan feed.Event
	cancel context.CancelFunc
}

// follow keeps one tenant subscribed until ctx ends, reconnecting with
// exponential backoff whenever the subscription drops.
func (s *Synchronizer) follow(ctx context.Context, gen uint64, tenantID string) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxInterval = s.cfg.MaxBackoff

	for {
		sub, err := backoff.Retry(ctx,
			func() (subscription, error) { return s.connect(ctx, gen, tenantID) },
			backoff.WithBackOff(policy),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				slog.Warn("subscribe failed", "tenant_id", tenantID, "retry_in", next.String(), "error", err)
			}),
		)
		if err != nil {
			return
		}

		s.pump(ctx, gen, sub.events)
		sub.cancel()
		if ctx.Err() != nil {
			return
		}

		slog.Warn("subscription dropped", "tenant_id", tenantID)
		s.enqueue(ctx, func() {
			if gen == s.generation {
				s.setStatus(StatusDisconnected)
			}
		})

		timer := time.NewTimer(s.cfg.InitialBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect subscribes first and fetches afterwards, so nothing that happens
// between the two is missed. Events that are already part of the snapshot
// are absorbed by the reducer.
func (s *Synchronizer) connect(ctx context.Context, gen uint64, tenantID string) (subscription, error) {
	s.enqueue(ctx, func() {
		if gen == s.generation {
			s.setStatus(StatusSubscribing)
		}
	})

	subCtx, cancel := context.WithCancel(ctx)
	events, err := s.source.Subscribe(subCtx, tenantID, s.cfg.Tables)
	if err != nil {
		cancel()
		return subscription{}, fmt.Errorf("subscribe: %w", err)
	}

	snapshot, err := s.fetchSnapshot(ctx, tenantID)
	if err != nil {
		cancel()
		return subscription{}, err
	}

	s.enqueue(ctx, func() {
		if gen != s.generation {
			return
		}
		s.apply(snapshot)
		s.setStatus(StatusSubscribed)
		slog.Info("reconciled tenant view", "tenant_id", tenantID, "orders", len(s.state.Orders), "requests", len(s.state.Requests))
	})
	return subscription{events: events, cancel: cancel}, nil
}

func (s *Synchronizer) fetchSnapshot(ctx context.Context, tenantID string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	orders, err := s.store.ListActiveOrders(ctx, tenantID, s.cfg.RecentTerminal)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch active orders: %w", err)
	}
	requests, err := s.store.ListPendingServiceRequests(ctx, tenantID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch service requests: %w", err)
	}
	return Snapshot{TenantID: tenantID, Orders: orders, Requests: requests}, nil
}

func (s *Synchronizer) pump(ctx context.Context, gen uint64, events <-chan feed.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.enqueue(ctx, func() { s.handleEvent(ctx, gen, event) })
		}
	}
}

// handleEvent runs on the loop. Each event is handled on its own; a bad one
// is logged and skipped.
func (s *Synchronizer) handleEvent(ctx context.Context, gen uint64, event feed.Event) {
	if gen != s.generation {
		return
	}
	if event.TenantID != s.state.TenantID {
		slog.Debug("ignore event for other tenant", "event_id", event.ID, "tenant_id", event.TenantID)
		return
	}
	action, fetchID, err := Translate(event)
	if err != nil {
		slog.Warn("skip feed event", "event_id", event.ID, "table", event.Table, "type", event.Type, "error", err)
		return
	}
	if fetchID != "" {
		go s.fetchCreated(ctx, gen, event.TenantID, fetchID)
		return
	}
	if action == nil {
		return
	}
	if update, ok := action.(OrderUpdated); ok && s.state.OrderIndex(update.Order.OrderID) < 0 {
		slog.Info("drop update for unknown order", "order_id", update.Order.OrderID, "event_id", event.ID)
		return
	}
	s.apply(action)
}

func (s *Synchronizer) fetchCreated(ctx context.Context, gen uint64, tenantID, orderID string) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	order, err := s.store.GetOrder(fetchCtx, tenantID, orderID)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("fetch created order failed", "order_id", orderID, "error", err)
		}
		return
	}
	s.enqueue(ctx, func() {
		if gen == s.generation {
			s.apply(OrderCreated{Order: order})
		}
	})
}

func (s *Synchronizer) apply(action Action) {
	next, notes := Reduce(s.state, action)
	s.state = next
	dispatch(s.notifier, notes)
}

func (s *Synchronizer) reportError(ctx context.Context, err error) {
	slog.WarnContext(ctx, "staff action failed", "error", err)
	s.enqueue(ctx, func() { s.notifier.OnError(err) })
}

func (s *Synchronizer) setStatus(status Status) {
	if Status(s.status.Swap(int32(status))) != status {
		slog.Debug("subscription status", "status", status.String())
	}
}

// do runs fn on the loop and waits for it.
func (s *Synchronizer) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// enqueue hands fn to the loop without waiting for it to run.
func (s *Synchronizer) enqueue(ctx context.Context, fn func()) {
	select {
	case s.inbox <- fn:
	case <-ctx.Done():
	case <-s.stopped:
	}
}
