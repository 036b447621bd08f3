// Package web exposes workflow instances and definition management over HTTP.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/registry"
	"github.com/dukex/nodeflow/pkg/services"
	"github.com/dukex/nodeflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

const (
	TenantHeader      = "X-Tenant-Id"
	TransactionHeader = "X-Transaction-Id"

	transactionKey = "transaction_id"
)

// Instances is the part of the workflow client the API drives.
type Instances interface {
	Start(ctx context.Context, req workflow.StartRequest) (*models.ReturnControl, error)
	Resume(ctx context.Context, instanceID string, req workflow.ResumeRequest) (*models.ReturnControl, error)
	Terminate(ctx context.Context, instanceID string) (*models.ReturnControl, error)
	State(ctx context.Context, instanceID string) (*models.WorkflowState, error)
	ExecuteDisconnectedNode(ctx context.Context, instanceID string, req workflow.DisconnectedNodeRequest) (*models.DisconnectedNodeResult, error)
}

type Definitions struct {
	Nodes     *services.Node
	Workflows *services.Workflow
	Issues    *services.Issue
	Enums     *services.Enum
}

type APIHandlers struct {
	instances   Instances
	definitions Definitions
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	instances Instances,
	definitions Definitions,
	registry *registry.Registry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		instances:   instances,
		definitions: definitions,
		registry:    registry,
		validator:   validator,
	}
}

// Routes mounts every endpoint on app.
func (h *APIHandlers) Routes(app *fiber.App) {
	app.Use(TransactionID())

	app.Get("/health", h.HealthCheck)

	w := app.Group("/workflows")
	w.Post("/start", h.StartWorkflow)
	w.Post("/:id/resume", h.ResumeWorkflow)
	w.Post("/:id/terminate", h.TerminateWorkflow)
	w.Get("/:id/state", h.GetWorkflowState)
	w.Post("/:id/disconnected", h.ExecuteDisconnectedNode)

	d := app.Group("/definitions")
	d.Put("/nodes", h.SaveNode)
	d.Get("/nodes/:id/versions", h.ListNodeVersions)
	d.Get("/nodes/:id/versions/:version", h.GetNode)
	d.Post("/nodes/:id/publish", h.PublishNode)
	d.Post("/nodes/:id/versions/:version/activate", h.ActivateNode)

	d.Put("/workflows", h.SaveWorkflow)
	d.Get("/workflows/:id/versions", h.ListWorkflowVersions)
	d.Get("/workflows/:id/versions/:version", h.GetWorkflow)
	d.Post("/workflows/:id/publish", h.PublishWorkflow)
	d.Post("/workflows/:id/versions/:version/activate", h.ActivateWorkflow)

	d.Put("/issues", h.SaveIssue)
	d.Put("/enums", h.SaveEnum)
}

// TransactionID tags every request with the caller's transaction id, or a
// new one, and echoes it back.
func TransactionID() fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Get(TransactionHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(transactionKey, id)
		c.Set(TransactionHeader, id)

		return c.Next()
	}
}

func TransactionIDFrom(c fiber.Ctx) string {
	id, _ := c.Locals(transactionKey).(string)

	return id
}

func tenant(c fiber.Ctx) (string, bool) {
	t := c.Get(TenantHeader)

	return t, t != ""
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	types := h.registry.Types()

	status := "unhealthy"
	message := "nodeflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if len(types) > 0 {
		status = "healthy"
		message = "nodeflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":     status,
		"message":    message,
		"node_types": types,
		"timestamp":  time.Now().UTC(),
	})
}

func (h *APIHandlers) StartWorkflow(c fiber.Ctx) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	var req StartRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	msg, err := h.instances.Start(c.Context(), req.toWorkflow(tenantID))
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (h *APIHandlers) ResumeWorkflow(c fiber.Ctx) error {
	var req ResumeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	msg, err := h.instances.Resume(c.Context(), c.Params("id"), workflow.ResumeRequest{
		NodeKey:      req.NodeKey,
		ViewResponse: req.ViewResponse,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(msg)
}

func (h *APIHandlers) TerminateWorkflow(c fiber.Ctx) error {
	msg, err := h.instances.Terminate(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(msg)
}

func (h *APIHandlers) GetWorkflowState(c fiber.Ctx) error {
	state, err := h.instances.State(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) ExecuteDisconnectedNode(c fiber.Ctx) error {
	var req DisconnectedRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.instances.ExecuteDisconnectedNode(c.Context(), c.Params("id"), workflow.DisconnectedNodeRequest{
		IssueID:  req.IssueID,
		NodeName: req.NodeName,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) SaveNode(c fiber.Ctx) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	def, err := models.UnmarshalNodeDefinition(c.Body())
	if err != nil {
		return badRequest(c, err.Error())
	}

	saved, err := h.definitions.Nodes.SaveSnapshot(c.Context(), tenantID, def)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(saved)
}

func (h *APIHandlers) GetNode(c fiber.Ctx) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	def, err := h.definitions.Nodes.Get(c.Context(), tenantID, c.Params("id"), c.Params("version"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) ListNodeVersions(c fiber.Ctx) error {
	return h.listVersions(c, h.definitions.Nodes.Versions)
}

func (h *APIHandlers) PublishNode(c fiber.Ctx) error {
	return h.publish(c, h.definitions.Nodes.Publish)
}

func (h *APIHandlers) ActivateNode(c fiber.Ctx) error {
	return h.activate(c, h.definitions.Nodes.Activate)
}

func (h *APIHandlers) SaveWorkflow(c fiber.Ctx) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	var wf models.Workflow
	if err := json.Unmarshal(c.Body(), &wf); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	saved, err := h.definitions.Workflows.SaveSnapshot(c.Context(), tenantID, &wf)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(saved)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	wf, err := h.definitions.Workflows.Get(c.Context(), tenantID, c.Params("id"), c.Params("version"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) ListWorkflowVersions(c fiber.Ctx) error {
	return h.listVersions(c, h.definitions.Workflows.Versions)
}

func (h *APIHandlers) PublishWorkflow(c fiber.Ctx) error {
	return h.publish(c, h.definitions.Workflows.Publish)
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	return h.activate(c, h.definitions.Workflows.Activate)
}

func (h *APIHandlers) SaveIssue(c fiber.Ctx) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	var mapping models.IssueMapping
	if err := c.Bind().JSON(&mapping); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.definitions.Issues.Save(c.Context(), tenantID, &mapping)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(mapping)
}

func (h *APIHandlers) SaveEnum(c fiber.Ctx) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	var table models.EnumTable
	if err := c.Bind().JSON(&table); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.definitions.Enums.Save(c.Context(), tenantID, &table)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(table)
}

func (h *APIHandlers) publish(c fiber.Ctx, publish func(ctx context.Context, tenant, id string) (int, error)) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	id := c.Params("id")

	version, err := publish(c.Context(), tenantID, id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(PublishResponse{ID: id, Version: version})
}

func (h *APIHandlers) activate(c fiber.Ctx, activate func(ctx context.Context, tenant, id, version string) error) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	id, version := c.Params("id"), c.Params("version")

	err := activate(c.Context(), tenantID, id, version)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(ActivateResponse{ID: id, Version: version})
}

func (h *APIHandlers) listVersions(c fiber.Ctx, list func(ctx context.Context, tenant, id string) ([]string, error)) error {
	tenantID, ok := tenant(c)
	if !ok {
		return badRequest(c, TenantHeader+" header is required")
	}

	versions, err := list(c.Context(), tenantID, c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{"id": c.Params("id"), "versions": versions})
}
