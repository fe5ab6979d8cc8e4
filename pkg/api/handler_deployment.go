package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/deployment"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/store"
)

// deployRequest is the POST /deployments body.
type deployRequest struct {
	ModelName      string              `json:"model_name"`
	ModelVersion   string              `json:"model_version,omitempty"`
	PoolID         string              `json:"pool_id"`
	Replicas       int                 `json:"replicas"`
	GPUPerReplica  int                 `json:"gpu_per_replica"`
	WorkloadType   models.WorkloadType `json:"workload_type"`
	Engine         models.Engine       `json:"engine,omitempty"`
	Configuration  models.JSONMap      `json:"configuration,omitempty"`
	Endpoint       string              `json:"endpoint,omitempty"`
	InferenceModel string              `json:"inference_model,omitempty"`
	OwnerID        string              `json:"owner_id,omitempty"`
	OrgID          string              `json:"org_id"`
	ModelType      string              `json:"model_type,omitempty"`
	Policies       models.JSONMap      `json:"policies,omitempty"`
}

// deployHandler handles POST /deployments.
func (s *Server) deployHandler(c *echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Replicas == 0 {
		req.Replicas = 1
	}
	if req.WorkloadType == "" {
		req.WorkloadType = models.WorkloadInference
	}

	id, err := s.controller.DeployModel(c.Request().Context(), deployment.DeployParams{
		ModelName:      req.ModelName,
		ModelVersion:   req.ModelVersion,
		PoolID:         req.PoolID,
		Replicas:       req.Replicas,
		GPUPerReplica:  req.GPUPerReplica,
		WorkloadType:   req.WorkloadType,
		Engine:         req.Engine,
		Configuration:  req.Configuration,
		Endpoint:       req.Endpoint,
		InferenceModel: req.InferenceModel,
		OwnerID:        req.OwnerID,
		OrgID:          req.OrgID,
		ModelType:      req.ModelType,
		Policies:       req.Policies,
	})
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"deployment_id": id})
}

// listDeploymentsHandler handles GET /deployments. Filters: org_id
// (required), state (comma-separated list).
func (s *Server) listDeploymentsHandler(c *echo.Context) error {
	orgID := c.QueryParam("org_id")
	if orgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "org_id is required")
	}

	var states []models.DeploymentState
	if v := c.QueryParam("state"); v != "" {
		for _, st := range strings.Split(v, ",") {
			states = append(states, models.DeploymentState(strings.ToUpper(strings.TrimSpace(st))))
		}
	}

	deployments, err := s.controller.List(c.Request().Context(), orgID, states)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"deployments": deployments})
}

// getDeploymentHandler handles GET /deployments/:id.
func (s *Server) getDeploymentHandler(c *echo.Context) error {
	d, err := s.controller.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// startDeploymentHandler handles POST /deployments/:id/start.
func (s *Server) startDeploymentHandler(c *echo.Context) error {
	state, err := s.controller.StartDeployment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"state": string(state)})
}

// updateDeploymentRequest is the PATCH /deployments/:id body. Absent
// fields leave the deployment untouched.
type updateDeploymentRequest struct {
	Configuration  *models.JSONMap `json:"configuration,omitempty"`
	InferenceModel *string         `json:"inference_model,omitempty"`
	Endpoint       *string         `json:"endpoint,omitempty"`
	Replicas       *int            `json:"replicas,omitempty"`
}

// updateDeploymentHandler handles PATCH /deployments/:id.
func (s *Server) updateDeploymentHandler(c *echo.Context) error {
	var req updateDeploymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Configuration == nil && req.InferenceModel == nil && req.Endpoint == nil && req.Replicas == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no updatable fields provided")
	}

	err := s.controller.UpdateDeployment(c.Request().Context(), c.Param("id"), store.DeploymentUpdate{
		Configuration:  req.Configuration,
		InferenceModel: req.InferenceModel,
		Endpoint:       req.Endpoint,
		Replicas:       req.Replicas,
	})
	if err != nil {
		return mapStoreError(err)
	}
	s.resolver.Invalidate()
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

// deleteDeploymentHandler handles DELETE /deployments/:id. Termination
// is asynchronous; the worker tears down compute after this returns.
func (s *Server) deleteDeploymentHandler(c *echo.Context) error {
	if err := s.controller.RequestDelete(c.Request().Context(), c.Param("id")); err != nil {
		return mapStoreError(err)
	}
	s.resolver.Invalidate()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "terminating"})
}

// deploymentLogsHandler handles GET /deployments/:id/logs. The default
// source is the provider's container logs from the first node; telemetry
// rows are available with ?source=telemetry.
func (s *Server) deploymentLogsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	d, err := s.controller.Get(ctx, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}

	if c.QueryParam("source") == "telemetry" {
		limit := 0
		if v := c.QueryParam("limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}
		entries, err := s.logs.ListForDeployment(ctx, d.ID, limit)
		if err != nil {
			return mapStoreError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"logs": entries})
	}

	if len(d.NodeIDs) == 0 {
		return echo.NewHTTPError(http.StatusConflict, "deployment has no nodes attached")
	}
	node, err := s.nodes.Get(ctx, d.NodeIDs[0])
	if err != nil {
		return mapStoreError(err)
	}
	adapter, err := s.controlAdapterFor(node.Provider)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown provider: "+node.Provider)
	}
	lines, err := adapter.Logs(ctx, node.ProviderInstanceID)
	if err != nil {
		s.logger.Error("Provider log fetch failed",
			"deployment_id", d.ID, "node_id", node.ID, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to fetch logs from provider")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"deployment_id": d.ID,
		"node_id":       node.ID,
		"lines":         lines,
	})
}
