package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/models"
)

// heartbeatHandler handles POST /inventory/heartbeat. Node agents and
// provider sidecars report here; the reconciler folds each report into
// the inventory and onto the deployments pinned to the node.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	var hb models.Heartbeat
	if err := c.Bind(&hb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.validate.Struct(&hb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "provider and provider_instance_id are required")
	}

	node, err := s.reconciler.ApplyHeartbeat(c.Request().Context(), &hb)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"node_id": node.ID,
		"state":   node.State,
	})
}
