package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/registry"
	"github.com/dukex/nodeflow/pkg/services"
	"github.com/dukex/nodeflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger        *slog.Logger
	persistence   persistence.Persistence
	registry      *registry.Registry
	instances     web.Instances
	invalidations services.Invalidations
	validate      *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	instances web.Instances,
	invalidations services.Invalidations,
) *API {
	return &API{
		logger:        logger,
		persistence:   persistence,
		registry:      registry,
		instances:     instances,
		invalidations: invalidations,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() (*fiber.App, error) {
	publishing := services.NewPublishing(a.persistence.Store(), a.invalidations, a.logger)

	nodes, err := services.NewNode(publishing, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create node service: %w", err)
	}

	handlers := web.NewAPIHandlers(a.instances, web.Definitions{
		Nodes:     nodes,
		Workflows: services.NewWorkflow(publishing, a.logger),
		Issues:    services.NewIssue(publishing, a.logger),
		Enums:     services.NewEnum(publishing, a.logger),
	}, a.registry, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("nodeflow API")
	})

	handlers.Routes(app)

	return app, nil
}

func (a *API) Start(port int) error {
	app, err := a.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
