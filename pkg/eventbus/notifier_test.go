package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(opts ...NotifierOption) *Notifier {
	opts = append([]NotifierOption{WithRedeliveryDelay(time.Millisecond)}, opts...)

	return NewNotifier(slog.Default(), opts...)
}

func stepStarted(stepID string) *events.StepStarted {
	return &events.StepStarted{
		BaseEvent: events.NewBaseEvent(events.StepStartedEvent, "wf-1", "exec-1"),
		StepID:    stepID,
		Attempt:   1,
	}
}

func TestNotifier_DeliversInSubscriptionOrder(t *testing.T) {
	n := newTestNotifier()

	var got []string
	n.Subscribe(func(_ context.Context, _ Event) error {
		got = append(got, "first")
		return nil
	})
	n.Subscribe(func(_ context.Context, _ Event) error {
		got = append(got, "second")
		return nil
	})

	require.NoError(t, n.Publish(context.Background(), "wf-1", stepStarted("a")))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestNotifier_RedeliversOnHandlerError(t *testing.T) {
	n := newTestNotifier(WithDeliveryAttempts(3))

	calls := 0
	n.Subscribe(func(_ context.Context, _ Event) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}

		return nil
	})

	require.NoError(t, n.Publish(context.Background(), "wf-1", stepStarted("a")))
	assert.Equal(t, 3, calls)
}

func TestNotifier_GivesUpAfterAttempts(t *testing.T) {
	n := newTestNotifier(WithDeliveryAttempts(2))

	calls := 0
	n.Subscribe(func(_ context.Context, _ Event) error {
		calls++
		return errors.New("down")
	})

	delivered := false
	n.Subscribe(func(_ context.Context, _ Event) error {
		delivered = true
		return nil
	})

	err := n.Publish(context.Background(), "wf-1", stepStarted("a"))
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, delivered, "a failing subscriber does not block the others")
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := newTestNotifier()

	calls := 0
	unsubscribe := n.Subscribe(func(_ context.Context, _ Event) error {
		calls++
		return nil
	})

	require.NoError(t, n.Publish(context.Background(), "wf-1", stepStarted("a")))
	unsubscribe()
	unsubscribe()
	require.NoError(t, n.Publish(context.Background(), "wf-1", stepStarted("b")))

	assert.Equal(t, 1, calls)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingPublisher) Publish(_ context.Context, key string, _ Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys = append(r.keys, key)

	return nil
}

func TestForward_UsesWorkflowIDAsKey(t *testing.T) {
	pub := &recordingPublisher{}
	n := newTestNotifier()
	n.Subscribe(Forward(pub))

	require.NoError(t, n.Publish(context.Background(), "ignored", stepStarted("a")))
	assert.Equal(t, []string{"wf-1"}, pub.keys)
}
