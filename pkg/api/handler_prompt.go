package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/prompt"
)

// processPromptHandler handles POST /internal/prompt/process. Errors
// propagate as 500 so callers fail closed instead of sending an
// unpoliced prompt upstream.
func (s *Server) processPromptHandler(c *echo.Context) error {
	var req prompt.ProcessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.prompts.Process(c.Request().Context(), &req)
	if err != nil {
		s.logger.Error("Prompt processing failed", "org_id", req.OrgID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "prompt processing failed")
	}
	return c.JSON(http.StatusOK, result)
}
