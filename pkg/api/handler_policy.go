package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/gateway"
	"github.com/infermesh/infermesh/pkg/models"
)

// checkQuotaRequest is the POST /internal/policy/check_quota body.
type checkQuotaRequest struct {
	UserID string          `json:"user_id"`
	Model  string          `json:"model"`
	Quota  models.QuotaCfg `json:"quota"`
}

// checkQuotaResponse reports the quota verdict without an error status;
// an exceeded quota is a policy answer, not a transport failure.
type checkQuotaResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// checkQuotaHandler handles POST /internal/policy/check_quota.
func (s *Server) checkQuotaHandler(c *echo.Context) error {
	var req checkQuotaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and model are required")
	}

	err := s.quota.Check(c.Request().Context(), req.UserID, req.Model, req.Quota)
	if err == nil {
		return c.JSON(http.StatusOK, checkQuotaResponse{Allowed: true})
	}
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return c.JSON(http.StatusOK, checkQuotaResponse{Allowed: false, Reason: apiErr.Message})
	}
	return mapStoreError(err)
}

// trackUsageRequest is the POST /internal/policy/track_usage body.
type trackUsageRequest struct {
	UserID string            `json:"user_id"`
	Model  string            `json:"model"`
	Usage  models.TokenUsage `json:"usage"`
}

// trackUsageHandler handles POST /internal/policy/track_usage.
func (s *Server) trackUsageHandler(c *echo.Context) error {
	var req trackUsageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and model are required")
	}

	if err := s.usage.Track(c.Request().Context(), req.UserID, req.Model, req.Usage); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
