// Package eventbus is the in-process publish/subscribe bus actors report
// lifecycle, scheduling and provider events on.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"agentd/internal/domain"
)

type filter func(domain.Event) bool

type subscriber struct {
	accepts filter
	handle  domain.EventHandler
}

// Bus delivers each event to every matching subscriber on its own
// goroutine. It is safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]subscriber
	seq    uint64
	closed bool

	inflight sync.WaitGroup
}

var _ domain.EventBus = (*Bus)(nil)

func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[uint64]subscriber)}
}

// Publish hands event to the matching subscribers. Handlers get a context
// detached from ctx's cancellation and a panicking handler is logged.
// Publishing on a closed bus does nothing.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var targets []domain.EventHandler
	for _, s := range b.subs {
		if s.accepts(event) {
			targets = append(targets, s.handle)
		}
	}
	b.inflight.Add(len(targets))
	b.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, h := range targets {
		go b.deliver(detached, event, h)
	}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, h domain.EventHandler) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", string(event.Type), "actor", event.ActorID, "panic", r)
		}
	}()
	h(ctx, event)
}

// Subscribe registers handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.subscribe(func(e domain.Event) bool { return e.Type == eventType }, handler)
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.subscribe(func(domain.Event) bool { return true }, handler)
}

// SubscribeActor registers handler for every event of one actor.
func (b *Bus) SubscribeActor(actorID string, handler domain.EventHandler) func() {
	return b.subscribe(func(e domain.Event) bool { return e.ActorID == actorID }, handler)
}

func (b *Bus) subscribe(accepts filter, handler domain.EventHandler) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = subscriber{accepts: accepts, handle: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// Close stops further publishes and drains in-flight handlers. Calling it
// again is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.inflight.Wait()
}
