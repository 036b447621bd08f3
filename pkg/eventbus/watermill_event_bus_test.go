package eventbus_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/nodeflow/pkg/channels/gochannel"
	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T, opts ...eventbus.WatermillOption) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(slog.Default()))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, opts...)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func receive(t *testing.T, sub eventbus.Subscription) []byte {
	t.Helper()

	select {
	case payload, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")

		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")

		return nil
	}
}

func TestWatermillEventBus_PublishSubscribe(t *testing.T) {
	tests := []struct {
		name string
		opts []eventbus.WatermillOption
	}{
		{name: "topic per channel"},
		{name: "shared topic", opts: []eventbus.WatermillOption{eventbus.WithSharedTopic("nodeflow.events")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newBus(t, tt.opts...)
			ctx := context.Background()

			first, err := bus.Subscribe(ctx, "nodeflow.return-control.a")
			require.NoError(t, err)

			second, err := bus.Subscribe(ctx, "nodeflow.return-control.b")
			require.NoError(t, err)

			require.NoError(t, bus.Publish(ctx, "nodeflow.return-control.b", []byte("to-b")))
			require.NoError(t, bus.Publish(ctx, "nodeflow.return-control.a", []byte("to-a")))

			assert.Equal(t, "to-a", string(receive(t, first)))
			assert.Equal(t, "to-b", string(receive(t, second)))

			require.NoError(t, first.Close())
			require.NoError(t, second.Close())
		})
	}
}

func TestWatermillEventBus_FanOut(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	subs := make([]eventbus.Subscription, 3)

	for i := range subs {
		sub, err := bus.Subscribe(ctx, "nodeflow.invalidation")
		require.NoError(t, err)

		subs[i] = sub
	}

	require.NoError(t, bus.Publish(ctx, "nodeflow.invalidation", []byte("NODE ALL")))

	for _, sub := range subs {
		assert.Equal(t, "NODE ALL", string(receive(t, sub)))
		require.NoError(t, sub.Close())
	}
}

func TestWatermillEventBus_CloseEndsSubscription(t *testing.T) {
	bus := newBus(t)

	sub, err := bus.Subscribe(context.Background(), "nodeflow.invalidation")
	require.NoError(t, err)

	require.NoError(t, sub.Close())

	_, open := <-sub.Messages()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}
