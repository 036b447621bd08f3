package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukex/nodeflow/pkg/cmd"
	"github.com/dukex/nodeflow/pkg/mocks"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence/memory"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T, invalidations *mocks.MockInvalidations) *fiber.App {
	t.Helper()

	reg, err := cmd.NewRegistry(slog.Default(), cmd.RegistryConfig{ScriptCacheSize: 16})
	require.NoError(t, err)

	api := NewAPI(slog.Default(), memory.NewPersistence(), reg, &mocks.MockInstances{}, invalidations)

	app, err := api.App()
	require.NoError(t, err)

	return app
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app := setupTestApp(t, &mocks.MockInvalidations{})

	status, body := get(t, app, "/")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "nodeflow API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t, &mocks.MockInvalidations{})

	status, _ := get(t, app, "/livez")
	assert.Equal(t, http.StatusOK, status)

	status, body := get(t, app, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "HTTP")
}

func TestAPI_SavingNodeInvalidatesSnapshot(t *testing.T) {
	invalidations := &mocks.MockInvalidations{}
	invalidations.On("Publish", mock.Anything, models.EntityNode, []string{models.RowKey("N1", models.VersionSnapshot)}).Return()

	app := setupTestApp(t, invalidations)

	req := httptest.NewRequest(http.MethodPut, "/definitions/nodes",
		strings.NewReader(`{"id":"N1","name":"done","type":"SUCCESS"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "acme")

	resp, err := app.Test(req)
	require.NoError(t, err)

	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	invalidations.AssertExpectations(t)
}
