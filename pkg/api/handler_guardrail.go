package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/guardrail"
)

// scanHandler handles POST /internal/guardrails/scan. The gateway calls
// this when filtration runs as its own service; the response is the scan
// result verbatim, violations included.
func (s *Server) scanHandler(c *echo.Context) error {
	var req guardrail.ScanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if req.ScanType == "" {
		req.ScanType = guardrail.ScanInput
	}

	result, err := s.scanner.ScanContent(c.Request().Context(), &req)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, result)
}
