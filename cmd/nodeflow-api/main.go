package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/nodeflow/pkg/cache"
	"github.com/dukex/nodeflow/pkg/cmd"
	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	flags := append(cmd.CommonFlags(),
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
	)

	command := &cli.Command{
		Name:                  "nodeflow-api",
		Usage:                 "Start workflow instances and manage definitions",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("api")

			logger.InfoContext(ctx, "Initializing nodeflow API")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}
			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(ctx, cmd.EventBusConfigFrom(command), logger)
			if err != nil {
				return err
			}
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			temporal, err := cmd.NewTemporalClient(command, logger)
			if err != nil {
				return err
			}
			defer temporal.Close()

			// The API never runs nodes; the registry only reports the known types.
			registry, err := cmd.NewRegistry(logger, cmd.RegistryConfig{
				ScriptCacheSize: command.Int("script-cache-size"),
			})
			if err != nil {
				return err
			}

			invalidations := cache.NewInvalidationPublisher(eventBus, logger)
			defer invalidations.Wait()

			instances := workflow.NewClient(temporal, eventBus, workflow.ClientConfig{
				TaskQueue:     command.String("task-queue"),
				ReturnTimeout: command.Duration("return-control-timeout"),
			}, logger)

			api := NewAPI(logger, persistence, registry, instances, invalidations)

			err = api.Start(command.Int("port"))
			if err != nil {
				return fmt.Errorf("api server stopped: %w", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
