package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermesh/infermesh/pkg/models"
)

func TestHeartbeatUpdatesNode(t *testing.T) {
	inv := newFakeInventory(&models.ComputeNode{
		ID:                 "node-1",
		Provider:           "nosana",
		ProviderInstanceID: "job-abc",
		State:              models.NodeReady,
	})
	f := newFixture(nil, inv)

	rec := doJSON(t, f.srv, http.MethodPost, "/inventory/heartbeat", map[string]any{
		"provider":             "nosana",
		"provider_instance_id": "job-abc",
		"gpu_allocated":        1,
		"health_score":         95,
		"state":                "busy",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "node-1", body["node_id"])
	assert.Equal(t, "busy", body["state"])

	node, err := inv.Get(t.Context(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, 1, node.GPUAllocated)
	assert.Equal(t, 95, node.HealthScore)
}

func TestHeartbeatPropagatesEndpoint(t *testing.T) {
	d := stoppedDeployment()
	d.State = models.StateRunning
	d.NodeIDs = models.StringList{"node-1"}
	inv := newFakeInventory(&models.ComputeNode{
		ID:                 "node-1",
		Provider:           "nosana",
		ProviderInstanceID: "job-abc",
		State:              models.NodeReady,
	})
	f := newFixture(newFakeDeployments(d), inv)

	rec := doJSON(t, f.srv, http.MethodPost, "/inventory/heartbeat", map[string]any{
		"provider":             "nosana",
		"provider_instance_id": "job-abc",
		"state":                "ready",
		"expose_url":           "https://job-abc.node.example",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.deps.Get(t.Context(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "https://job-abc.node.example", got.Endpoint)
}

func TestHeartbeatValidation(t *testing.T) {
	f := newFixture(nil, nil)

	rec := doJSON(t, f.srv, http.MethodPost, "/inventory/heartbeat", map[string]any{
		"provider": "nosana",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "provider_instance_id missing")

	rec = doJSON(t, f.srv, http.MethodPost, "/inventory/heartbeat", map[string]any{
		"provider":             "nosana",
		"provider_instance_id": "job-unknown",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "unregistered node")
}
