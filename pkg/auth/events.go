package auth

import (
	"context"
	"sync"

	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// EventSink receives login flow events. Publish must not block the flow;
// delivery is best effort.
type EventSink interface {
	Publish(ctx context.Context, event domain.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event domain.Event)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(ctx context.Context, event domain.Event) {
	f(ctx, event)
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(ctx context.Context, event domain.Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(ctx, event)
		}
	}
}

type noopSink struct{}

func (noopSink) Publish(context.Context, domain.Event) {}

const subscriberBuffer = 16

// Broadcaster delivers events to in-process subscribers. Slow subscribers
// drop events rather than block the publisher.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan domain.Event]struct{}
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan domain.Event]struct{})}
}

// Subscribe returns a channel of events that is closed when ctx is done
// or the broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(ch)
	}()

	return ch
}

// Publish implements EventSink.
func (b *Broadcaster) Publish(_ context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

func (b *Broadcaster) remove(ch chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}
