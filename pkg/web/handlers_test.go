package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/mocks"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/nodes/nodestest"
	"github.com/dukex/nodeflow/pkg/persistence/memory"
	"github.com/dukex/nodeflow/pkg/registry"
	"github.com/dukex/nodeflow/pkg/services"
	"github.com/dukex/nodeflow/pkg/web"
	"github.com/dukex/nodeflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
)

const tenant = "acme"

type discardInvalidations struct{}

func (discardInvalidations) Publish(context.Context, models.EntityTag, ...string) {}

func setupTestApp(t *testing.T) (*fiber.App, *mocks.MockInstances) {
	t.Helper()

	publishing := services.NewPublishing(memory.NewStore(), discardInvalidations{}, slog.Default())

	nodes, err := services.NewNode(publishing, slog.Default())
	require.NoError(t, err)

	reg := registry.NewRegistry(slog.Default())
	require.NoError(t, reg.RegisterDefaultNodes(registry.Dependencies{
		Resolver:  nodestest.NewResolver(t),
		HTTP:      &mocks.MockHTTPExecutor{},
		Scheduler: &mocks.MockScheduler{},
	}))

	instances := &mocks.MockInstances{}

	handlers := web.NewAPIHandlers(instances, web.Definitions{
		Nodes:     nodes,
		Workflows: services.NewWorkflow(publishing, slog.Default()),
		Issues:    services.NewIssue(publishing, slog.Default()),
		Enums:     services.NewEnum(publishing, slog.Default()),
	}, reg, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	handlers.Routes(app)

	return app, instances
}

type call struct {
	method string
	path   string
	body   any
	header map[string]string
}

func do(t *testing.T, app *fiber.App, c call) (int, map[string]any, http.Header) {
	t.Helper()

	var payload io.Reader = http.NoBody

	switch body := c.body.(type) {
	case nil:
	case string:
		payload = bytes.NewBufferString(body)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)

		payload = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(c.method, c.path, payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.TenantHeader, tenant)

	for k, v := range c.header {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}

	return resp.StatusCode, out, resp.Header
}

func TestAPIHandlers_StartWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		header         map[string]string
		setup          func(m *mocks.MockInstances)
		expectedStatus int
		expectedCode   string
	}{
		{
			name: "starts and returns the first return control",
			body: web.StartRequest{WorkflowID: "orders", Context: models.Context{"id": "42"}},
			setup: func(m *mocks.MockInstances) {
				m.On("Start", mock.Anything, mock.MatchedBy(func(req workflow.StartRequest) bool {
					return req.Tenant == tenant && req.WorkflowID == "orders" && req.Context["id"] == "42"
				})).Return(&models.ReturnControl{WorkflowID: "inst-1", Status: models.StatusWaiting}, nil)
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "workflow or issue is required",
			body:           web.StartRequest{},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "validation_error",
		},
		{
			name:           "invalid JSON",
			body:           "not-json",
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "validation_error",
		},
		{
			name:           "tenant is required",
			body:           web.StartRequest{WorkflowID: "orders"},
			header:         map[string]string{web.TenantHeader: ""},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "validation_error",
		},
		{
			name: "return control timeout",
			body: web.StartRequest{IssueID: "ISS-1"},
			setup: func(m *mocks.MockInstances) {
				m.On("Start", mock.Anything, mock.Anything).
					Return(nil, &models.TimeoutError{Channel: "x", Duration: time.Second})
			},
			expectedStatus: http.StatusGatewayTimeout,
			expectedCode:   "return_control_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, instances := setupTestApp(t)
			if tt.setup != nil {
				tt.setup(instances)
			}

			status, body, _ := do(t, app, call{method: http.MethodPost, path: "/workflows/start", body: tt.body, header: tt.header})

			assert.Equal(t, tt.expectedStatus, status)

			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, body["code"])
				assert.NotEmpty(t, body["transaction_id"])
			} else {
				assert.Equal(t, "inst-1", body["workflowId"])
			}

			instances.AssertExpectations(t)
		})
	}
}

func TestAPIHandlers_InstanceErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{name: "not suspended", err: workflow.ErrNotSuspended, expectedStatus: http.StatusConflict, expectedCode: "instance_not_suspended"},
		{name: "unknown instance", err: serviceerror.NewNotFound("workflow not found"), expectedStatus: http.StatusNotFound, expectedCode: "instance_not_found"},
		{name: "unexpected", err: errors.New("boom"), expectedStatus: http.StatusInternalServerError, expectedCode: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, instances := setupTestApp(t)

			instances.On("Resume", mock.Anything, "inst-1", mock.Anything).Return(nil, tt.err)

			status, body, _ := do(t, app, call{
				method: http.MethodPost,
				path:   "/workflows/inst-1/resume",
				body:   web.ResumeRequest{ViewResponse: map[string]any{"selectedOptions": []any{"ok"}}},
			})

			assert.Equal(t, tt.expectedStatus, status)
			assert.Equal(t, tt.expectedCode, body["code"])
			assert.EqualValues(t, tt.expectedStatus, body["status"])
			assert.Equal(t, tt.expectedCode, body["type"])
			assert.Equal(t, http.StatusText(tt.expectedStatus), body["title"])
			assert.Equal(t, tt.err.Error(), body["detail"])
			assert.Equal(t, "/workflows/inst-1/resume", body["instance"])
			assert.NotEmpty(t, body["transaction_id"])
		})
	}
}

func TestAPIHandlers_InstanceOperations(t *testing.T) {
	app, instances := setupTestApp(t)

	instances.On("Resume", mock.Anything, "inst-1", workflow.ResumeRequest{
		NodeKey:      "ask",
		ViewResponse: map[string]any{"selectedOptions": []any{"ok"}},
	}).Return(&models.ReturnControl{WorkflowID: "inst-1", Status: models.StatusCompleted}, nil)
	instances.On("Terminate", mock.Anything, "inst-1").Return(&models.ReturnControl{WorkflowID: "inst-1", Status: models.StatusTerminated}, nil)
	instances.On("State", mock.Anything, "inst-1").Return(&models.WorkflowState{WorkflowID: "inst-1", Status: models.StatusWaiting}, nil)
	instances.On("ExecuteDisconnectedNode", mock.Anything, "inst-1", workflow.DisconnectedNodeRequest{NodeName: "lookup"}).
		Return(&models.DisconnectedNodeResult{Node: "lookup", Status: models.StatusRunning, Payload: "x"}, nil)

	status, body, _ := do(t, app, call{
		method: http.MethodPost,
		path:   "/workflows/inst-1/resume",
		body:   web.ResumeRequest{NodeKey: "ask", ViewResponse: map[string]any{"selectedOptions": []any{"ok"}}},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "COMPLETED", body["status"])

	status, body, _ = do(t, app, call{method: http.MethodPost, path: "/workflows/inst-1/terminate"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "TERMINATED", body["status"])

	status, body, _ = do(t, app, call{method: http.MethodGet, path: "/workflows/inst-1/state"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "WAITING", body["status"])

	status, body, _ = do(t, app, call{
		method: http.MethodPost,
		path:   "/workflows/inst-1/disconnected",
		body:   web.DisconnectedRequest{NodeName: "lookup"},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "x", body["payload"])

	status, _, _ = do(t, app, call{method: http.MethodPost, path: "/workflows/inst-1/disconnected", body: web.DisconnectedRequest{}})
	assert.Equal(t, http.StatusBadRequest, status)

	instances.AssertExpectations(t)
}

func TestAPIHandlers_NodeLifecycle(t *testing.T) {
	app, _ := setupTestApp(t)

	node := map[string]any{"id": "N1", "name": "done", "type": "SUCCESS", "comment": "all good"}

	status, body, _ := do(t, app, call{method: http.MethodPut, path: "/definitions/nodes", body: node})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "all good", body["comment"])

	status, body, _ = do(t, app, call{method: http.MethodPost, path: "/definitions/nodes/N1/publish"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["version"])

	status, _, _ = do(t, app, call{method: http.MethodPost, path: "/definitions/nodes/N1/versions/1/activate"})
	require.Equal(t, http.StatusOK, status)

	status, body, _ = do(t, app, call{method: http.MethodGet, path: "/definitions/nodes/N1/versions/ACTIVE"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "all good", body["comment"])

	status, body, _ = do(t, app, call{method: http.MethodGet, path: "/definitions/nodes/N1/versions"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["versions"], "1")
}

func TestAPIHandlers_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name           string
		call           call
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "unknown node type",
			call:           call{method: http.MethodPut, path: "/definitions/nodes", body: map[string]any{"id": "N1", "type": "NOPE"}},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "validation_error",
		},
		{
			name:           "publish without snapshot",
			call:           call{method: http.MethodPost, path: "/definitions/workflows/W1/publish"},
			expectedStatus: http.StatusNotFound,
			expectedCode:   "definition_not_found",
		},
		{
			name:           "missing version",
			call:           call{method: http.MethodGet, path: "/definitions/workflows/W1/versions/3"},
			expectedStatus: http.StatusNotFound,
			expectedCode:   "definition_not_found",
		},
		{
			name:           "issue mapping without workflow",
			call:           call{method: http.MethodPut, path: "/definitions/issues", body: map[string]any{"issueId": "ISS-1"}},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "invalid_issue_mapping",
		},
		{
			name:           "workflow without id",
			call:           call{method: http.MethodPut, path: "/definitions/workflows", body: map[string]any{"startNode": "A"}},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := setupTestApp(t)

			status, body, _ := do(t, app, tt.call)

			assert.Equal(t, tt.expectedStatus, status)
			assert.Equal(t, tt.expectedCode, body["code"])
		})
	}
}

func TestAPIHandlers_SaveLookups(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body, _ := do(t, app, call{
		method: http.MethodPut,
		path:   "/definitions/issues",
		body:   models.IssueMapping{IssueID: "ISS-1", WorkflowID: "orders"},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "orders", body["workflowId"])

	status, body, _ = do(t, app, call{
		method: http.MethodPut,
		path:   "/definitions/enums",
		body:   models.EnumTable{ID: "countries", Entries: map[string]any{"BR": "Brazil"}},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.VersionActive, body["version"])
}

func TestAPIHandlers_TransactionID(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body, header := do(t, app, call{
		method: http.MethodPost,
		path:   "/workflows/start",
		body:   web.StartRequest{},
		header: map[string]string{web.TransactionHeader: "tx-123"},
	})

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "tx-123", body["transaction_id"])
	assert.Equal(t, "tx-123", header.Get(web.TransactionHeader))
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body, _ := do(t, app, call{method: http.MethodGet, path: "/health"})

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["node_types"])
}
