package web

import (
	"errors"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/services"
	"github.com/dukex/nodeflow/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"go.temporal.io/api/serviceerror"
)

// Problem is an RFC 7807 body with a stable error code and the request's
// transaction id next to the standard members.
type Problem struct {
	*problems.Problem
	Code          string `json:"code"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func newProblem(c fiber.Ctx, status int, code, detail string) *Problem {
	return &Problem{
		Problem: problems.NewStatusProblem(status).
			WithInstance(c.Path()).
			WithType(code).
			WithDetail(detail),
		Code:          code,
		TransactionID: TransactionIDFrom(c),
	}
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := newProblem(c, fiber.StatusBadRequest, "validation_error", detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func fail(c fiber.Ctx, status int, code string, err error) error {
	problem := newProblem(c, status, code, err.Error())

	return c.Status(status).JSON(problem)
}

// handleError maps service, store and substrate errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	var (
		serviceErr *services.ServiceError
		notFound   *serviceerror.NotFound
	)

	switch {
	case services.IsValidationError(err):
		code := "validation_error"
		if errors.As(err, &serviceErr) && serviceErr.Code != "" {
			code = serviceErr.Code
		}

		return fail(c, fiber.StatusBadRequest, code, err)

	case services.IsNotFoundError(err), persistence.IsRowNotFound(err):
		return fail(c, fiber.StatusNotFound, "definition_not_found", err)

	case errors.Is(err, models.ErrWorkflowNotFound), errors.Is(err, models.ErrIssueNotMapped):
		return fail(c, fiber.StatusNotFound, "workflow_not_found", err)

	case errors.As(err, &notFound):
		return fail(c, fiber.StatusNotFound, "instance_not_found", err)

	case services.IsConflictError(err), errors.Is(err, persistence.ErrRevisionConflict):
		return fail(c, fiber.StatusConflict, "conflict", err)

	case workflow.IsNotSuspended(err):
		return fail(c, fiber.StatusConflict, "instance_not_suspended", err)

	case models.IsTimeoutError(err):
		return fail(c, fiber.StatusGatewayTimeout, "return_control_timeout", err)

	default:
		problem := &Problem{
			Problem: problems.NewStatusProblem(fiber.StatusInternalServerError).
				WithInstance(c.Path()).
				WithType("internal_error").
				WithError(err),
			Code:          "internal_error",
			TransactionID: TransactionIDFrom(c),
		}

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
