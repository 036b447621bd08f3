// Package redis implements the event bus on Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/redis/go-redis/v9"
)

type EventBus struct {
	client redis.UniversalClient
	logger *slog.Logger
	owned  bool
}

var _ eventbus.Bus = (*EventBus)(nil)

// NewEventBus connects to the Redis server at url.
func NewEventBus(ctx context.Context, logger *slog.Logger, url string) (*EventBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	bus := New(client, logger)
	bus.owned = true

	return bus, nil
}

// New wraps an existing client; Close leaves the client open.
func New(client redis.UniversalClient, logger *slog.Logger) *EventBus {
	return &EventBus{client: client, logger: logger.With("module", "redis_event_bus")}
}

func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	receivers, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	b.logger.DebugContext(ctx, "published message", "channel", channel, "receivers", receivers)

	return nil
}

func (b *EventBus) Subscribe(ctx context.Context, channel string) (eventbus.Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)

	// Receive blocks until the server confirms, so nothing published after
	// Subscribe returns can be missed.
	_, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}

	go sub.forward()

	return sub, nil
}

func (b *EventBus) Close() error {
	if !b.owned {
		return nil
	}

	return b.client.Close()
}

type subscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func (s *subscription) forward() {
	defer close(s.out)

	messages := s.ps.Channel()

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan []byte { return s.out }

// Err is always nil: go-redis reconnects the subscription on its own and
// only closes it on Close.
func (s *subscription) Err() error { return nil }

func (s *subscription) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})

	return err
}
