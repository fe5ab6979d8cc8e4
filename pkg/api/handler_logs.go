package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/models"
)

// createLogHandler handles POST /internal/logs/create, the telemetry
// ingest used when the gateway runs in a separate process.
func (s *Server) createLogHandler(c *echo.Context) error {
	var entry models.InferenceLog
	if err := c.Bind(&entry); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if entry.DeploymentID == "" || entry.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "deployment_id and user_id are required")
	}

	if err := s.logs.Create(c.Request().Context(), &entry); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"status": "created", "id": entry.ID})
}
