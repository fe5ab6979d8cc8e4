// Package gateway is the OpenAI-compatible public edge. Each request
// flows through context resolution, rate limiting, quota and guardrail
// checks, prompt assembly, and a provider-adapted upstream call, with
// usage accounted after the response completes.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/config"
	"github.com/infermesh/infermesh/pkg/guardrail"
	"github.com/infermesh/infermesh/pkg/limiter"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/prompt"
	"github.com/infermesh/infermesh/pkg/resolver"
)

// ContextResolver resolves (api key, model) into an execution context.
type ContextResolver interface {
	Resolve(ctx context.Context, rawKey, modelName string) (*models.ResolvedContext, error)
}

// PromptProcessor applies RAG and templating to the message list.
type PromptProcessor interface {
	Process(ctx context.Context, req *prompt.ProcessRequest) (*prompt.ProcessResult, error)
}

// UsageTracker increments the per-user, per-model daily counters.
type UsageTracker interface {
	Track(ctx context.Context, userID, model string, usage models.TokenUsage) error
}

// LogSink records per-request telemetry.
type LogSink interface {
	Create(ctx context.Context, l *models.InferenceLog) error
}

// ModelLister lists an organization's deployments for GET /v1/models.
type ModelLister interface {
	List(ctx context.Context, orgID string, states []models.DeploymentState) ([]*models.Deployment, error)
}

// Server is the public inference gateway.
type Server struct {
	resolver ContextResolver
	keys     resolver.KeyLookup
	rates    limiter.RateLimiter
	quota    *QuotaChecker
	scanner  guardrail.ContentScanner
	prompts  PromptProcessor
	slots    *limiter.ConcurrencyLimiter
	usage    UsageTracker
	logs     LogSink
	catalog  ModelLister
	logger   *slog.Logger

	// No overall client timeout: streams run until the model finishes.
	// Non-streaming calls are bounded per request with upstreamTimeout.
	upstream        *http.Client
	upstreamTimeout time.Duration
	nosanaKey       string
	accountTimeout  time.Duration

	echo *echo.Echo
	http *http.Server
}

// NewServer wires the gateway from its collaborators.
func NewServer(cfg *config.Settings, ctxResolver ContextResolver, keys resolver.KeyLookup,
	rates limiter.RateLimiter, quota *QuotaChecker, scanner guardrail.ContentScanner,
	prompts PromptProcessor, slots *limiter.ConcurrencyLimiter,
	usage UsageTracker, logs LogSink, catalog ModelLister, logger *slog.Logger) *Server {
	s := &Server{
		resolver:        ctxResolver,
		keys:            keys,
		rates:           rates,
		quota:           quota,
		scanner:         scanner,
		prompts:         prompts,
		slots:           slots,
		usage:           usage,
		logs:            logs,
		catalog:         catalog,
		logger:          logger,
		upstream:        &http.Client{},
		upstreamTimeout: cfg.UpstreamTimeout,
		nosanaKey:       cfg.NosanaInternalAPIKey,
		accountTimeout:  10 * time.Second,
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.Use(requestID())
	e.Use(requestLogger(s.logger))

	e.POST("/v1/chat/completions", s.chatCompletionsHandler)
	e.POST("/v1/embeddings", s.embeddingsHandler)
	e.GET("/v1/models", s.listModelsHandler)
	e.GET("/health", s.healthHandler)
	return e
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown or listener failure.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// listModelsHandler handles GET /v1/models: every RUNNING deployment
// the key may address, in the OpenAI listing shape.
func (s *Server) listModelsHandler(c *echo.Context) error {
	rawKey := bearerToken(c.Request())
	if rawKey == "" {
		return s.writeError(c, errUnauthorized("Missing API key"))
	}

	key, err := s.keys.GetByHash(c.Request().Context(), models.HashAPIKey(rawKey))
	if err != nil {
		return s.writeError(c, errUnauthorized("Invalid API key"))
	}

	deployments, err := s.catalog.List(c.Request().Context(), key.OrgID,
		[]models.DeploymentState{models.StateRunning})
	if err != nil {
		s.logger.Error("Failed to list models", "org_id", key.OrgID, "error", err)
		return s.writeError(c, errServiceUnavailable("Model listing unavailable"))
	}

	list := models.ModelsList{Object: "list", Data: []models.ModelInfo{}}
	for _, d := range deployments {
		if key.DeploymentID != nil && *key.DeploymentID != d.ID {
			continue
		}
		list.Data = append(list.Data, models.ModelInfo{
			ID:      d.ModelName,
			Object:  "model",
			Created: d.CreatedAt.Unix(),
			OwnedBy: d.OrgID,
		})
	}
	return c.JSON(http.StatusOK, list)
}

// writeError renders the OpenAI error envelope. Errors without an
// APIError mapping are logged and surfaced as internal_error.
func (s *Server) writeError(c *echo.Context, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		s.logger.Error("Unhandled gateway error", "error", err)
		apiErr = errInternal("Internal server error")
	}
	if apiErr.retryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(apiErr.retryAfter))
	}
	return c.JSON(apiErr.status, errorEnvelope{Error: apiErr})
}
