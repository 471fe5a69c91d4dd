package events

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/metrics"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// Handler consumes one event. Handlers must be idempotent: delivery is
// at-least-once and a crash between handling and acknowledgement
// redelivers the event.
type Handler func(ctx context.Context, event *types.OutboxEvent) error

// Dispatcher drains the outbox and fans events out to registered
// handlers. Failed deliveries retry with exponential backoff until the
// attempt bound, then the event is dead-lettered.
type Dispatcher struct {
	store    *storage.Store
	cfg      config.EventsConfig
	handlers map[string][]Handler

	mu      sync.RWMutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewDispatcher builds a dispatcher over the shared store
func NewDispatcher(store *storage.Store, cfg config.EventsConfig) *Dispatcher {
	return &Dispatcher{
		store:    store,
		cfg:      cfg,
		handlers: make(map[string][]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler for an event kind. Register handlers
// before Start.
func (d *Dispatcher) Subscribe(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], h)
}

// Start launches the drain loop
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)
	logger := log.WithComponent("events")
	logger.Info().Msg("outbox dispatcher started")
}

// Stop terminates the drain loop and waits for it to exit
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	logger := log.WithComponent("events")
	logger.Info().Msg("outbox dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	period := d.cfg.PollPeriod
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	logger := log.WithComponent("events")
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				logger.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// Drain delivers every due pending event once
func (d *Dispatcher) Drain(ctx context.Context) error {
	events, err := d.store.PendingEvents(ctx, 100)
	if err != nil {
		return err
	}
	for _, e := range events {
		d.deliver(ctx, e)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, e *types.OutboxEvent) {
	logger := log.WithComponent("events")

	d.mu.RLock()
	handlers := d.handlers[e.Kind]
	d.mu.RUnlock()

	var handlerErr error
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			handlerErr = err
			break
		}
	}

	if handlerErr == nil {
		if err := d.store.MarkEventDelivered(ctx, e.ID); err != nil {
			logger.Error().Err(err).Str("event", e.UUID.String()).Msg("failed to acknowledge event")
			return
		}
		metrics.EventsDispatched.WithLabelValues(e.Kind, "delivered").Inc()
		return
	}

	next := time.Now().UTC().Add(Backoff(e.Attempts+1, d.cfg.RetryBase, d.cfg.RetryCap))
	if err := d.store.MarkEventFailed(ctx, e, handlerErr, next, d.cfg.MaxAttempts); err != nil {
		logger.Error().Err(err).Str("event", e.UUID.String()).Msg("failed to record delivery failure")
		return
	}
	outcome := "retry"
	if e.Attempts >= d.cfg.MaxAttempts {
		outcome = "dead"
		logger.Error().Err(handlerErr).
			Str("event", e.UUID.String()).
			Str("kind", e.Kind).
			Msg("event dead-lettered")
	} else {
		logger.Warn().Err(handlerErr).
			Str("event", e.UUID.String()).
			Str("kind", e.Kind).
			Int("attempts", e.Attempts).
			Msg("event delivery failed, will retry")
	}
	metrics.EventsDispatched.WithLabelValues(e.Kind, outcome).Inc()
}

// Backoff returns an exponential delay for the given attempt number
// with 25% jitter, bounded by cap.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}
	delay := base
	for i := 1; i < attempt && delay < cap; i++ {
		delay *= 2
	}
	if delay > cap {
		delay = cap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}
