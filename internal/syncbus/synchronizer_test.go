package syncbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-sim/internal/lifecycle"
)

// fakeBroker is an in-memory Broker used to exercise the synchronizer
// without a real Redis server.
type fakeBroker struct {
	mu        sync.Mutex
	retained  map[string][]byte
	listeners map[string][]chan Message
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{retained: map[string][]byte{}, listeners: map[string][]chan Message{}}
}

func (b *fakeBroker) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if retain {
		b.retained[topic] = payload
	}
	for _, ch := range b.listeners[topic] {
		ch <- Message{Payload: payload}
	}
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Message, 16)
	if retained, ok := b.retained[topic]; ok {
		ch <- Message{Payload: retained}
	}
	b.listeners[topic] = append(b.listeners[topic], ch)
	return ch, func() error { return nil }, nil
}

func (b *fakeBroker) ClearRetained(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.retained, topic)
	return nil
}

func TestEchoSuppression(t *testing.T) {
	broker := newFakeBroker()
	fsm := lifecycle.New(lifecycle.Hooks{}, nil)
	sync := New(Config{
		NodeID:                    NodeBackend,
		Topic:                     "nrp_simulation/0/lifecycle",
		PropagatedDestinations:    lifecycle.RunningStates,
		ClearSynchronizationTopic: true,
	}, fsm, broker, nil)

	require.NoError(t, sync.Connect(context.Background()))
	require.NoError(t, fsm.Accept(context.Background(), lifecycle.Initialize))

	// Give the async publish loop a moment, then verify no self-delivery
	// caused a double transition (the FSM settles in Paused, not an
	// error or a changed state from reprocessing its own echo).
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, lifecycle.Paused, fsm.State())
}

func TestRetainedBootstrapDeliveredToLateSubscriber(t *testing.T) {
	broker := newFakeBroker()
	backendFSM := lifecycle.New(lifecycle.Hooks{}, nil)
	backendSync := New(Config{
		NodeID:                    NodeBackend,
		Topic:                     "nrp_simulation/0/lifecycle",
		PropagatedDestinations:    lifecycle.RunningStates,
		ClearSynchronizationTopic: true,
	}, backendFSM, broker, nil)
	require.NoError(t, backendSync.Connect(context.Background()))
	require.NoError(t, backendFSM.Accept(context.Background(), lifecycle.Initialize))
	time.Sleep(50 * time.Millisecond)

	// Worker attaches after the backend already initialized.
	workerFSM := lifecycle.New(lifecycle.Hooks{}, nil)
	workerSync := New(Config{
		NodeID:                    NodeWorker,
		Topic:                     "nrp_simulation/0/lifecycle",
		PropagatedDestinations:    map[lifecycle.State]bool{lifecycle.Completed: true, lifecycle.Failed: true},
		ClearSynchronizationTopic: false,
	}, workerFSM, broker, nil)
	require.NoError(t, workerSync.Connect(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, lifecycle.Paused, workerFSM.State())
}

func TestRoundTripClearLeavesNoMessage(t *testing.T) {
	broker := newFakeBroker()
	require.NoError(t, broker.Publish(context.Background(), "t", []byte(`{"x":1}`), true))
	require.NoError(t, broker.ClearRetained(context.Background(), "t"))

	ch, _, err := broker.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("expected no retained message after clearing")
	case <-time.After(50 * time.Millisecond):
	}
}
