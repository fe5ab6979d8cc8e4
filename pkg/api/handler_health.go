package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/database"
	"github.com/infermesh/infermesh/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthResponse is the GET /health body.
type healthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database,omitempty"`
}

// healthHandler handles GET /health. Unauthenticated; only the database
// is checked so a dead upstream provider cannot make the control plane
// look unhealthy to the orchestrator.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := healthResponse{Status: healthStatusHealthy, Version: version.Version}
	if s.dbClient == nil {
		return c.JSON(http.StatusOK, resp)
	}

	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB().DB)
	resp.Database = dbHealth
	if err != nil {
		resp.Status = healthStatusUnhealthy
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
