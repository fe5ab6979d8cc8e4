package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermesh/infermesh/pkg/models"
)

func stoppedDeployment() *models.Deployment {
	return &models.Deployment{
		ID:        "dep-1",
		OrgID:     "org-1",
		ModelName: "chat",
		Engine:    models.EngineVLLM,
		State:     models.StateStopped,
		PoolID:    "pool-1",
		Replicas:  1,
	}
}

func TestGetDeployment(t *testing.T) {
	f := newFixture(newFakeDeployments(stoppedDeployment()), nil)

	rec := doJSON(t, f.srv, http.MethodGet, "/deployments/dep-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dep-1", decodeJSON(t, rec)["id"])

	rec = doJSON(t, f.srv, http.MethodGet, "/deployments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDeploymentsFiltersByState(t *testing.T) {
	running := stoppedDeployment()
	running.ID = "dep-2"
	running.ModelName = "embed"
	running.State = models.StateRunning
	f := newFixture(newFakeDeployments(stoppedDeployment(), running), nil)

	rec := doJSON(t, f.srv, http.MethodGet, "/deployments?org_id=org-1&state=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dep-2")
	assert.NotContains(t, rec.Body.String(), `"dep-1"`)

	rec = doJSON(t, f.srv, http.MethodGet, "/deployments", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "org_id is required")
}

func TestStartDeployment(t *testing.T) {
	f := newFixture(newFakeDeployments(stoppedDeployment()), nil)

	rec := doJSON(t, f.srv, http.MethodPost, "/deployments/dep-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", decodeJSON(t, rec)["state"])

	// A second start hits the now-PENDING deployment.
	rec = doJSON(t, f.srv, http.MethodPost, "/deployments/dep-1/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateDeployment(t *testing.T) {
	f := newFixture(newFakeDeployments(stoppedDeployment()), nil)

	rec := doJSON(t, f.srv, http.MethodPatch, "/deployments/dep-1",
		map[string]any{"endpoint": "http://10.0.0.9:8000"})
	require.Equal(t, http.StatusOK, rec.Code)

	d, err := f.deps.Get(t.Context(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.9:8000", d.Endpoint)
	assert.Equal(t, 1, f.resolver.invalidated, "cached contexts must not outlive the update")

	rec = doJSON(t, f.srv, http.MethodPatch, "/deployments/dep-1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty update rejected")
	assert.Equal(t, 1, f.resolver.invalidated)
}

func TestDeleteTerminalDeploymentIsIdempotent(t *testing.T) {
	f := newFixture(newFakeDeployments(stoppedDeployment()), nil)

	rec := doJSON(t, f.srv, http.MethodDelete, "/deployments/dep-1", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.resolver.invalidated)

	rec = doJSON(t, f.srv, http.MethodDelete, "/deployments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeploymentProviderLogs(t *testing.T) {
	d := stoppedDeployment()
	d.NodeIDs = models.StringList{"node-1"}
	inv := newFakeInventory(&models.ComputeNode{
		ID:                 "node-1",
		Provider:           "nosana",
		ProviderInstanceID: "job-abc",
	})
	f := newFixture(newFakeDeployments(d), inv)
	f.adapter.logLines = []string{"loading model", "server started"}

	rec := doJSON(t, f.srv, http.MethodGet, "/deployments/dep-1/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "server started")
	assert.Equal(t, "node-1", decodeJSON(t, rec)["node_id"])
}

func TestDeploymentLogsWithoutNodes(t *testing.T) {
	f := newFixture(newFakeDeployments(stoppedDeployment()), nil)

	rec := doJSON(t, f.srv, http.MethodGet, "/deployments/dep-1/logs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeploymentTelemetryLogs(t *testing.T) {
	f := newFixture(newFakeDeployments(stoppedDeployment()), nil)
	f.logs.entries = []*models.InferenceLog{
		{ID: "log-1", DeploymentID: "dep-1", UserID: "apikey:key-1", Model: "chat", StatusCode: 200},
		{ID: "log-2", DeploymentID: "dep-other", UserID: "apikey:key-2", Model: "chat", StatusCode: 200},
	}

	rec := doJSON(t, f.srv, http.MethodGet, "/deployments/dep-1/logs?source=telemetry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "log-1")
	assert.NotContains(t, rec.Body.String(), "log-2")
}
