package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the production EventBus backed by Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, addr string, logger *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBus{client: client, logger: logger}, nil
}

// Publish sends an event on a topic. Fire-and-forget: subscribers that
// are not listening at publish time rely on the outbox redelivery path.
func (b *RedisBus) Publish(ctx context.Context, topic string, ev *Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a goroutine delivering topic messages to the handler
// until the context is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	sub := b.client.Subscribe(ctx, topic)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Dropping undecodable bus message",
						"topic", topic, "error", err)
					continue
				}
				ev.Topic = topic
				h(ctx, &ev)
			}
		}
	}()
	return nil
}

// Close tears down all subscriptions and the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return b.client.Close()
}
