package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/nodeflow/pkg/activities"
	"github.com/dukex/nodeflow/pkg/cache"
	"github.com/dukex/nodeflow/pkg/catalog"
	"github.com/dukex/nodeflow/pkg/cmd"
	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/otelhelper"
	"github.com/dukex/nodeflow/pkg/scheduler"
	"github.com/dukex/nodeflow/pkg/workflow"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	temporalwf "go.temporal.io/sdk/workflow"
	"go.temporal.io/sdk/worker"
)

func run(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Setup(command.String("log-level"), command.String("log-format"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("nodeflow-worker").With("workerId", workerID)

	logger.InfoContext(ctx, "Initializing nodeflow worker")

	tracer, shutdown, err := otelhelper.NewTracer(ctx, "nodeflow-worker", command.Bool("tracing"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		err := shutdown(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
		}
	}()

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}
	defer func() {
		err := persistence.Close(context.WithoutCancel(ctx))
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

	taskQueue := command.String("task-queue")

	client := workflow.NewClient(temporal, eventBus, workflow.ClientConfig{
		TaskQueue:     taskQueue,
		ReturnTimeout: command.Duration("return-control-timeout"),
	}, logger)

	waits := scheduler.NewCron(client, logger)
	waits.Start(ctx)
	defer waits.Stop()

	registry, err := cmd.NewRegistry(logger, cmd.RegistryConfig{
		ScriptCacheSize: command.Int("script-cache-size"),
		ClientTokens:    command.StringSlice("client-token"),
		Scheduler:       waits,
	})
	if err != nil {
		return err
	}

	definitions, err := catalog.New(persistence.Store(), catalog.Config{
		RefreshAfter:   cmd.DurationOr(command.Duration("cache-ttl"), cache.DefaultRefreshAfter),
		MaxSize:        command.Int("cache-size"),
		RefreshWorkers: cache.DefaultRefreshWorkers,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create definition catalog: %w", err)
	}
	defer definitions.Close()

	invalidations := cache.NewInvalidationSubscriber(eventBus, cache.DefaultReconnectBackoff, logger)
	definitions.Register(invalidations)

	go func() {
		err := invalidations.Run(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Invalidation subscriber failed", "error", err)
		}
	}()
	defer invalidations.Stop()

	acts := activities.New(activities.Config{
		Contexts:    persistence.Contexts(),
		Definitions: definitions,
		Registry:    registry,
		Bus:         eventBus,
		Tracer:      tracer,
	}, logger)

	w := worker.New(temporal, taskQueue, worker.Options{Identity: workerID})
	w.RegisterWorkflowWithOptions(
		workflow.NewRunner(acts, workflow.DefaultOptions()).NodeWorkflow,
		temporalwf.RegisterOptions{Name: workflow.WorkflowName},
	)
	w.RegisterActivity(acts)

	err = w.Start()
	if err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	defer w.Stop()

	logger.InfoContext(ctx, "Worker started", "taskQueue", taskQueue)

	<-ctx.Done()

	logger.InfoContext(ctx, "Shutting down worker")

	return nil
}
