// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBusClosed is returned when operating on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// ErrSubscriptionNotFound is returned when unsubscribing with invalid ID.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// MemoryBusConfig configures the memory event bus.
type MemoryBusConfig struct {
	HistoryMaxEvents int
	HistoryMaxAge    time.Duration
}

// historyPruneEvery is how many publishes elapse between inline history
// prunes. Age-based pruning piggybacks on Publish instead of running on
// a background ticker, so the bus owns no goroutines beyond the async
// subscriber drains — one fewer task to stop at shutdown, and a bus
// that publishes nothing has nothing stale worth pruning.
const historyPruneEvery = 256

// subscriber is one registered subscription. Synchronous subscribers
// (ch == nil) run their handler inline on the publisher's stack; async
// subscribers enqueue onto ch, drained by a dedicated goroutine.
type subscriber struct {
	id      SubscriptionID
	pattern CompiledPattern
	handler EventHandler

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// trySend enqueues event for an async subscriber, reporting false when
// the buffer is full or the subscription is already closed. The closed
// check and the send share s.mu so a concurrent Unsubscribe can never
// close the channel mid-send.
func (s *subscriber) trySend(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// shut closes an async subscriber's channel exactly once.
func (s *subscriber) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MemoryEventBus is the in-process EventBus every conversation's router
// and PTY block engine publish through. Subscribers are dispatched in
// the order they subscribed: within one conversation all publishes
// already happen from cooperatively scheduled tasks, so deterministic
// dispatch order is cheap to give and spares consumers from reasoning
// about map-iteration shuffle.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed atomic.Bool
	seq    atomic.Uint64
	pubs   atomic.Uint64

	history *EventHistory
	matcher *PatternMatcher
	wg      sync.WaitGroup
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(cfg MemoryBusConfig) *MemoryEventBus {
	return &MemoryEventBus{
		history: NewEventHistory(EventHistoryConfig{
			MaxEvents: cfg.HistoryMaxEvents,
			MaxAge:    cfg.HistoryMaxAge,
		}),
		matcher: NewPatternMatcher(),
	}
}

// Publish stamps missing metadata, records the event in history, and
// delivers it to every matching subscriber in subscription order.
// Synchronous handlers run inline with panic containment; async
// subscribers get a non-blocking enqueue and drop on a full buffer.
func (bus *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	if bus.closed.Load() {
		return ErrBusClosed
	}

	if event.ID == "" {
		event.ID = fmt.Sprintf("ev-%d", bus.seq.Add(1))
	}
	if event.Version == "" {
		event.Version = "1.0"
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.history.Add(event)
	if bus.pubs.Add(1)%historyPruneEvery == 0 {
		bus.history.Prune()
	}

	// Copy out under the read lock: a synchronous handler is allowed to
	// subscribe or unsubscribe from inside its own callback.
	bus.mu.RLock()
	subs := make([]*subscriber, len(bus.subs))
	copy(subs, bus.subs)
	bus.mu.RUnlock()

	for _, sub := range subs {
		if !sub.pattern.Match(event.Type) {
			continue
		}
		if sub.ch != nil {
			if !sub.trySend(event) {
				log.Printf("events: %s buffer full, dropped %s", sub.id, event.Type)
			}
			continue
		}
		runGuarded(ctx, sub.handler, event)
	}

	return nil
}

// runGuarded invokes handler with panic containment, so one bad
// subscriber can't take down the publisher or a drain goroutine.
func runGuarded(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: recovered %s handler panic: %v", event.Type, r)
		}
	}()
	if err := handler(ctx, event); err != nil {
		log.Printf("events: %s handler: %v", event.Type, err)
	}
}

// Subscribe registers a synchronous handler for events matching pattern.
// The handler runs on the publisher's stack in subscription order.
func (bus *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (SubscriptionID, error) {
	return bus.add(pattern, handler, 0)
}

// SubscribeAsync registers a handler fed through a buffered channel, so
// a slow consumer can't stall the conversation's event producers. A
// non-positive bufferSize gets a default of 100.
func (bus *MemoryEventBus) SubscribeAsync(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error) {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return bus.add(pattern, handler, bufferSize)
}

func (bus *MemoryEventBus) add(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error) {
	if bus.closed.Load() {
		return "", ErrBusClosed
	}

	compiled, err := bus.matcher.Compile(pattern)
	if err != nil {
		return "", err
	}

	sub := &subscriber{
		id:      SubscriptionID(fmt.Sprintf("sub-%d", bus.seq.Add(1))),
		pattern: compiled,
		handler: handler,
	}
	if bufferSize > 0 {
		sub.ch = make(chan Event, bufferSize)
		bus.wg.Add(1)
		go bus.drain(sub)
	}

	bus.mu.Lock()
	bus.subs = append(bus.subs, sub)
	bus.mu.Unlock()

	return sub.id, nil
}

// drain delivers an async subscriber's queue until its channel closes.
// Closing the channel is the only stop signal: events already enqueued
// at unsubscribe or shutdown time are still delivered before the drain
// exits, so a consumer never loses events it was already handed.
func (bus *MemoryEventBus) drain(sub *subscriber) {
	defer bus.wg.Done()
	for event := range sub.ch {
		runGuarded(context.Background(), sub.handler, event)
	}
}

// Unsubscribe removes a subscription. For async subscribers, events
// already buffered still reach the handler; nothing new is enqueued.
func (bus *MemoryEventBus) Unsubscribe(id SubscriptionID) error {
	bus.mu.Lock()
	idx := -1
	for i, sub := range bus.subs {
		if sub.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		bus.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	sub := bus.subs[idx]
	bus.subs = append(bus.subs[:idx], bus.subs[idx+1:]...)
	bus.mu.Unlock()

	sub.shut()
	return nil
}

// History retrieves past events matching filter.
func (bus *MemoryEventBus) History(filter EventFilter) ([]Event, error) {
	return bus.history.Query(filter)
}

// Close shuts the bus down: refuses further publishes and
// subscriptions, lets every async subscriber finish draining what it
// was already handed, then releases the history. Safe to call twice.
func (bus *MemoryEventBus) Close() error {
	if bus.closed.Swap(true) {
		return nil
	}

	bus.mu.Lock()
	subs := bus.subs
	bus.subs = nil
	bus.mu.Unlock()

	for _, sub := range subs {
		sub.shut()
	}
	bus.wg.Wait()

	return bus.history.Close()
}
