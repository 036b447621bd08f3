package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/nodeflow/pkg/channels/gochannel"
	"github.com/dukex/nodeflow/pkg/channels/kafka"
	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/eventbus/redis"
)

// KafkaTopic carries every bus channel when the kafka provider is used.
const KafkaTopic = "nodeflow"

type EventBusConfig struct {
	Provider     string
	RedisURL     string
	KafkaBrokers string
}

// NewEventBus builds the bus for config.Provider: redis, kafka or gochannel.
// The gochannel bus only reaches subscribers in the same process.
func NewEventBus(ctx context.Context, config EventBusConfig, logger *slog.Logger) (eventbus.Bus, error) {
	switch config.Provider {
	case "redis":
		bus, err := redis.NewEventBus(ctx, logger, config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis event bus: %w", err)
		}

		return bus, nil
	case "kafka":
		brokers := strings.Split(config.KafkaBrokers, ",")

		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), brokers, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, eventbus.WithSharedTopic(KafkaTopic)), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", config.Provider)
	}
}
