package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/nodeflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
)

// CommonFlags are shared by the worker and the API.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (memory://, redis://, postgres:// or a directory)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (redis, kafka, gochannel)",
			Value:   "redis",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the redis event bus",
			Value:   "redis://localhost:6379/0",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers for the kafka event bus",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "temporal-host",
			Usage:   "Temporal frontend host:port",
			Value:   client.DefaultHostPort,
			Sources: cli.EnvVars("TEMPORAL_HOST"),
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Usage:   "Temporal namespace",
			Value:   client.DefaultNamespace,
			Sources: cli.EnvVars("TEMPORAL_NAMESPACE"),
		},
		&cli.StringFlag{
			Name:    "task-queue",
			Usage:   "Temporal task queue serving node workflows",
			Value:   workflow.DefaultTaskQueue,
			Sources: cli.EnvVars("TASK_QUEUE"),
		},
		&cli.DurationFlag{
			Name:    "return-control-timeout",
			Usage:   "How long start, resume and terminate wait for the instance to hand control back",
			Value:   workflow.DefaultReturnTimeout,
			Sources: cli.EnvVars("RETURN_CONTROL_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "script-cache-size",
			Usage:   "Entries kept in each script cache",
			Value:   1024,
			Sources: cli.EnvVars("SCRIPT_CACHE_SIZE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// EventBusConfigFrom reads the bus flags of command.
func EventBusConfigFrom(command *cli.Command) EventBusConfig {
	return EventBusConfig{
		Provider:     command.String("event-bus"),
		RedisURL:     command.String("redis-url"),
		KafkaBrokers: command.String("kafka-brokers"),
	}
}

// NewTemporalClient dials the Temporal frontend named by the command flags.
// SDK logs go through logger.
func NewTemporalClient(command *cli.Command, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  command.String("temporal-host"),
		Namespace: command.String("temporal-namespace"),
		Logger:    temporallog.NewStructuredLogger(logger.With("module", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	return c, nil
}

// DurationOr returns d, or fallback when d is not positive.
func DurationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}

	return d
}
