// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	bus := NewMemoryEventBus(MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestPublishStampsMissingMetadata(t *testing.T) {
	bus := newTestBus(t)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeShellBegin}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeShellEnd, ID: "given", Version: "2.0"}))

	got, err := bus.History(EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "1.0", got[0].Version)
	assert.False(t, got[0].Timestamp.IsZero())

	assert.Equal(t, "given", got[1].ID)
	assert.Equal(t, "2.0", got[1].Version)
}

func TestSyncDispatchFollowsSubscriptionOrder(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) EventHandler {
		return func(ctx context.Context, e Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	_, err := bus.Subscribe("*", record("first"))
	require.NoError(t, err)
	_, err = bus.Subscribe("*", record("second"))
	require.NoError(t, err)
	_, err = bus.Subscribe("*", record("third"))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeActivity}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeActivity}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third", "first", "second", "third"}, order)
}

func TestPatternFiltersDelivery(t *testing.T) {
	bus := newTestBus(t)

	counts := make(map[string]*atomic.Int64)
	for _, pattern := range []string{"shell_*", "*_delta", TypeTurnStarted} {
		counter := &atomic.Int64{}
		counts[pattern] = counter
		_, err := bus.Subscribe(pattern, func(ctx context.Context, e Event) error {
			counter.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	for _, typ := range []string{TypeShellBegin, TypeShellDelta, TypeShellEnd, TypeAssistantDelta, TypeTurnStarted, TypeActivity} {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: typ}))
	}

	assert.Equal(t, int64(3), counts["shell_*"].Load())
	assert.Equal(t, int64(2), counts["*_delta"].Load()) // shell_delta + assistant_delta
	assert.Equal(t, int64(1), counts[TypeTurnStarted].Load())
}

func TestSubscribeRejectsEmptyPattern(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.Subscribe("", func(ctx context.Context, e Event) error { return nil })
	require.Error(t, err)
}

func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	bus := newTestBus(t)

	var calls atomic.Int64
	id, err := bus.Subscribe("*", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))
	require.NoError(t, bus.Unsubscribe(id))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))

	assert.Equal(t, int64(1), calls.Load())
	assert.ErrorIs(t, bus.Unsubscribe(id), ErrSubscriptionNotFound)
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	bus := newTestBus(t)

	var reached atomic.Bool
	_, err := bus.Subscribe("*", func(ctx context.Context, e Event) error {
		panic("bad subscriber")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("*", func(ctx context.Context, e Event) error {
		reached.Store(true)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeRPCError}))
	assert.True(t, reached.Load(), "subscriber after the panicking one must still run")
}

func TestHandlerErrorIsSwallowed(t *testing.T) {
	bus := newTestBus(t)

	_, err := bus.Subscribe("*", func(ctx context.Context, e Event) error {
		return errors.New("handler trouble")
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))
}

func TestSyncHandlerMayUnsubscribeItself(t *testing.T) {
	bus := newTestBus(t)

	var calls atomic.Int64
	var id SubscriptionID
	id, err := bus.Subscribe("*", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return bus.Unsubscribe(id)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))

	assert.Equal(t, int64(1), calls.Load())
}

func TestAsyncDelivery(t *testing.T) {
	bus := newTestBus(t)

	delivered := make(chan Event, 8)
	_, err := bus.SubscribeAsync("agent_block_*", func(ctx context.Context, e Event) error {
		delivered <- e
		return nil
	}, 8)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeAgentBlockBegin}))

	select {
	case e := <-delivered:
		assert.Equal(t, TypeAgentBlockBegin, e.Type)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for async delivery")
	}
}

func TestAsyncQueueDrainsAfterUnsubscribe(t *testing.T) {
	bus := newTestBus(t)

	gate := make(chan struct{})
	var delivered atomic.Int64
	id, err := bus.SubscribeAsync("*", func(ctx context.Context, e Event) error {
		<-gate
		delivered.Add(1)
		return nil
	}, 8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))
	}
	require.NoError(t, bus.Unsubscribe(id))
	close(gate)

	// Everything enqueued before the unsubscribe still reaches the
	// handler; the drain only stops once the queue is empty.
	require.Eventually(t, func() bool { return delivered.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestAsyncFullBufferDrops(t *testing.T) {
	bus := newTestBus(t)

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	var delivered atomic.Int64
	_, err := bus.SubscribeAsync("*", func(ctx context.Context, e Event) error {
		once.Do(func() { close(started) })
		<-gate
		delivered.Add(1)
		return nil
	}, 1)
	require.NoError(t, err)

	// First event occupies the handler, second fills the buffer, third
	// has nowhere to go and is dropped.
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))
	<-started
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))

	close(gate)
	require.Eventually(t, func() bool { return delivered.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), delivered.Load())
}

func TestClosedBusRefusesWork(t *testing.T) {
	bus := NewMemoryEventBus(MemoryBusConfig{})
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), Event{Type: TypeMessage}), ErrBusClosed)
	_, err := bus.Subscribe("*", func(ctx context.Context, e Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)

	require.NoError(t, bus.Close()) // second close is a no-op
}

func TestCloseDrainsAsyncSubscribers(t *testing.T) {
	bus := NewMemoryEventBus(MemoryBusConfig{})

	var delivered atomic.Int64
	_, err := bus.SubscribeAsync("*", func(ctx context.Context, e Event) error {
		delivered.Add(1)
		return nil
	}, 16)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeMessage}))
	}
	require.NoError(t, bus.Close()) // blocks until drains finish

	assert.Equal(t, int64(10), delivered.Load())
}

func TestHistoryQueryThroughBus(t *testing.T) {
	bus := newTestBus(t)

	for _, conv := range []string{"c1", "c1", "c2"} {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeAssistantDelta, ConversationID: conv}))
	}
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeTurnCompleted, ConversationID: "c1"}))

	got, err := bus.History(EventFilter{ConversationID: "c1", Types: []string{"*_delta"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestConcurrentPublishers(t *testing.T) {
	bus := newTestBus(t)

	var delivered atomic.Int64
	_, err := bus.SubscribeAsync("*", func(ctx context.Context, e Event) error {
		delivered.Add(1)
		return nil
	}, 256)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				bus.Publish(context.Background(), Event{Type: TypeShellDelta})
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return delivered.Load() == 100 }, time.Second, 5*time.Millisecond)
}
