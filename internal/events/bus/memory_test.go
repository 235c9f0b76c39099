package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpod/agentpod/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Event, 1)
	_, err := b.Subscribe("sandbox.state_changed.abc", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("sandbox.state_changed", "orchestrator", map[string]interface{}{
		"sandbox_id": "abc",
		"state":      "running",
	})
	require.NoError(t, b.Publish(context.Background(), "sandbox.state_changed.abc", event))

	got := waitFor(t, received)
	assert.Equal(t, "sandbox.state_changed", got.Type)
	assert.Equal(t, "running", got.Data["state"])
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Event, 4)
	_, err := b.Subscribe("sandbox.state_changed.*", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	for _, id := range []string{"one", "two"} {
		event := NewEvent("sandbox.state_changed", "orchestrator", map[string]interface{}{"sandbox_id": id})
		require.NoError(t, b.Publish(context.Background(), "sandbox.state_changed."+id, event))
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		e := waitFor(t, received)
		seen[e.Data["sandbox_id"].(string)] = true
	}
	assert.True(t, seen["one"])
	assert.True(t, seen["two"])
}

func TestMultiTokenWildcard(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Event, 1)
	_, err := b.Subscribe("sandbox.>", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("sandbox.deleted", "orchestrator", nil)
	require.NoError(t, b.Publish(context.Background(), "sandbox.deleted.abc", event))
	waitFor(t, received)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe("terminal.opened", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "terminal.opened", NewEvent("terminal.opened", "terminal", nil)))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "terminal.opened", NewEvent("terminal.opened", "terminal", nil)))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()
	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "sandbox.created", NewEvent("sandbox.created", "orchestrator", nil))
	assert.Error(t, err)
}
