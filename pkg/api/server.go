// Package api is the internal control-plane HTTP surface: context
// resolution, policy checks, guardrail scans, prompt processing,
// telemetry ingest, the deployment intent API, and node heartbeats.
// Every route except /health sits behind the internal service key.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/config"
	"github.com/infermesh/infermesh/pkg/database"
	"github.com/infermesh/infermesh/pkg/deployment"
	"github.com/infermesh/infermesh/pkg/gateway"
	"github.com/infermesh/infermesh/pkg/guardrail"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/prompt"
	"github.com/infermesh/infermesh/pkg/provider"
)

// ContextResolver resolves (api key, model) pairs for the gateway hop.
// Invalidate drops cached contexts after a deployment mutation so the
// gateway does not serve a stale endpoint for the cache TTL.
type ContextResolver interface {
	Resolve(ctx context.Context, rawKey, modelName string) (*models.ResolvedContext, error)
	Invalidate()
}

// PromptProcessor applies RAG and templating server-side.
type PromptProcessor interface {
	Process(ctx context.Context, req *prompt.ProcessRequest) (*prompt.ProcessResult, error)
}

// UsageStore reads and writes the per-user daily counters.
type UsageStore interface {
	GetToday(ctx context.Context, userID, model string) (*models.Usage, error)
	Track(ctx context.Context, userID, model string, usage models.TokenUsage) error
}

// LogSink records inference telemetry rows.
type LogSink interface {
	Create(ctx context.Context, l *models.InferenceLog) error
	ListForDeployment(ctx context.Context, deploymentID string, limit int) ([]*models.InferenceLog, error)
}

// NodeLookup finds nodes for the deployment log route.
type NodeLookup interface {
	Get(ctx context.Context, id string) (*models.ComputeNode, error)
}

// Server is the internal API server.
type Server struct {
	internalKey string
	dbClient    *database.Client
	controller  *deployment.Controller
	reconciler  *deployment.Reconciler
	resolver    ContextResolver
	quota       *gateway.QuotaChecker
	scanner     guardrail.ContentScanner
	prompts     PromptProcessor
	usage       UsageStore
	logs        LogSink
	nodes       NodeLookup
	adapters    deployment.AdapterRegistry
	validate    *validator.Validate
	logger      *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer wires the internal API.
func NewServer(cfg *config.Settings, dbClient *database.Client,
	controller *deployment.Controller, reconciler *deployment.Reconciler,
	resolver ContextResolver, quota *gateway.QuotaChecker,
	scanner guardrail.ContentScanner, prompts PromptProcessor,
	usage UsageStore, logs LogSink, nodes NodeLookup,
	adapters deployment.AdapterRegistry, logger *slog.Logger) *Server {
	s := &Server{
		internalKey: cfg.InternalAPIKey,
		dbClient:    dbClient,
		controller:  controller,
		reconciler:  reconciler,
		resolver:    resolver,
		quota:       quota,
		scanner:     scanner,
		prompts:     prompts,
		usage:       usage,
		logs:        logs,
		nodes:       nodes,
		adapters:    adapters,
		validate:    validator.New(),
		logger:      logger,
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)

	internal := e.Group("/internal", internalAuth(s.internalKey))
	internal.POST("/context/resolve", s.resolveContextHandler)
	internal.POST("/policy/check_quota", s.checkQuotaHandler)
	internal.POST("/policy/track_usage", s.trackUsageHandler)
	internal.POST("/guardrails/scan", s.scanHandler)
	internal.POST("/prompt/process", s.processPromptHandler)
	internal.POST("/logs/create", s.createLogHandler)

	deployments := e.Group("/deployments", internalAuth(s.internalKey))
	deployments.POST("", s.deployHandler)
	deployments.GET("", s.listDeploymentsHandler)
	deployments.GET("/:id", s.getDeploymentHandler)
	deployments.POST("/:id/start", s.startDeploymentHandler)
	deployments.PATCH("/:id", s.updateDeploymentHandler)
	deployments.DELETE("/:id", s.deleteDeploymentHandler)
	deployments.GET("/:id/logs", s.deploymentLogsHandler)

	inventory := e.Group("/inventory", internalAuth(s.internalKey))
	inventory.POST("/heartbeat", s.heartbeatHandler)

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

// controlAdapterFor is a convenience for the log route.
func (s *Server) controlAdapterFor(providerName string) (provider.ControlAdapter, error) {
	return s.adapters.ControlFor(providerName)
}
