package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultDeliveryAttempts = 3
	defaultRedeliveryDelay  = 10 * time.Millisecond
)

// Notifier fans events out to in-process subscribers. Delivery is synchronous
// and at-least-once: a handler returning an error receives the same event
// again, up to the configured number of attempts.
type Notifier struct {
	logger          *slog.Logger
	attempts        int
	redeliveryDelay time.Duration

	mu          sync.RWMutex
	nextID      int
	subscribers map[int]EventHandler
}

type NotifierOption func(*Notifier)

// WithDeliveryAttempts bounds how often a failing handler sees one event.
func WithDeliveryAttempts(attempts int) NotifierOption {
	return func(n *Notifier) {
		if attempts > 0 {
			n.attempts = attempts
		}
	}
}

func WithRedeliveryDelay(delay time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.redeliveryDelay = delay
	}
}

func NewNotifier(logger *slog.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		logger:          logger.With("module", "notifier"),
		attempts:        defaultDeliveryAttempts,
		redeliveryDelay: defaultRedeliveryDelay,
		subscribers:     make(map[int]EventHandler),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Subscribe registers handler for every event and returns a function that
// removes it again.
func (n *Notifier) Subscribe(handler EventHandler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subscribers[id] = handler

	var once sync.Once

	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()

			delete(n.subscribers, id)
		})
	}
}

// Publish delivers event to every subscriber in subscription order. It
// returns the joined errors of handlers that never accepted the event.
func (n *Notifier) Publish(ctx context.Context, key string, event Event) error {
	n.mu.RLock()
	ids := make([]int, 0, len(n.subscribers))
	for id := range n.subscribers {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	handlers := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, n.subscribers[id])
	}
	n.mu.RUnlock()

	var errs []error

	for _, handler := range handlers {
		if err := n.deliver(ctx, handler, event); err != nil {
			n.logger.WarnContext(ctx, "Event subscriber rejected event",
				"key", key, "event_type", event.GetType(), "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (n *Notifier) deliver(ctx context.Context, handler EventHandler, event Event) error {
	var err error

	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err = handler(ctx, event); err == nil {
			return nil
		}

		if attempt == n.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("delivery of %s interrupted: %w", event.GetType(), ctx.Err())
		case <-time.After(n.redeliveryDelay):
		}
	}

	return fmt.Errorf("delivery of %s failed after %d attempts: %w", event.GetType(), n.attempts, err)
}

// Forward returns a handler that republishes every event on publisher,
// keyed by workflow id.
func Forward(publisher EventPublisher) EventHandler {
	return func(ctx context.Context, event Event) error {
		return publisher.Publish(ctx, event.GetBase().WorkflowID, event)
	}
}
