package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process EventBus for single-binary deployments and
// tests. Handlers run synchronously on the publisher's goroutine.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

// Publish delivers the event to every handler subscribed to the topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, ev *Event) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[topic]...)
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil
	}
	ev.Topic = topic
	for _, h := range hs {
		h(ctx, ev)
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

// Close drops all handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]Handler)
	return nil
}
