package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/resolver"
)

// resolveContextRequest is the POST /internal/context/resolve body.
type resolveContextRequest struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

// resolveContextHandler handles POST /internal/context/resolve. The
// gateway calls this when context resolution runs as its own service.
func (s *Server) resolveContextHandler(c *echo.Context) error {
	var req resolveContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.APIKey == "" || req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "api_key and model are required")
	}

	rc, err := s.resolver.Resolve(c.Request().Context(), req.APIKey, req.Model)
	switch {
	case errors.Is(err, resolver.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
	case errors.Is(err, resolver.ErrKeyScope):
		return echo.NewHTTPError(http.StatusForbidden, "api key not authorized for this model")
	case errors.Is(err, resolver.ErrModelNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "model not found")
	case err != nil:
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, rc)
}
