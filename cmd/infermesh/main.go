// infermesh control binary. One subcommand per process role:
//
//	init                   apply database migrations and exit
//	api-start              everything in one process (gateway + control plane)
//	inference-gateway      public OpenAI-compatible gateway only
//	filtration-gateway     guardrail / prompt / context service only
//	orchestration-gateway  deployment control plane only
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/infermesh/infermesh/pkg/api"
	"github.com/infermesh/infermesh/pkg/bus"
	"github.com/infermesh/infermesh/pkg/config"
	"github.com/infermesh/infermesh/pkg/database"
	"github.com/infermesh/infermesh/pkg/deployment"
	"github.com/infermesh/infermesh/pkg/gateway"
	"github.com/infermesh/infermesh/pkg/guardrail"
	"github.com/infermesh/infermesh/pkg/httpx"
	"github.com/infermesh/infermesh/pkg/limiter"
	"github.com/infermesh/infermesh/pkg/outbox"
	"github.com/infermesh/infermesh/pkg/prompt"
	"github.com/infermesh/infermesh/pkg/provider"
	"github.com/infermesh/infermesh/pkg/resolver"
	"github.com/infermesh/infermesh/pkg/store"
	"github.com/infermesh/infermesh/pkg/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

Commands:
  init                   apply database migrations and exit
  api-start              run every component in one process
  inference-gateway      run the public gateway
  filtration-gateway     run the guardrail/prompt/context service
  orchestration-gateway  run the deployment control plane
`, os.Args[0])
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to optional YAML config file")
	envPath := fs.String("env-file", ".env", "Path to optional .env file")
	_ = fs.Parse(os.Args[2:])

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envPath); err != nil {
		logger.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting infermesh",
		"command", command,
		"version", version.Full())

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	if command == "init" {
		// NewClient already applied pending migrations.
		logger.Info("Database initialized")
		return
	}

	app, err := buildApp(ctx, cfg, dbClient, dbConfig, logger)
	if err != nil {
		logger.Error("Failed to wire components", "error", err)
		os.Exit(1)
	}

	switch command {
	case "api-start":
		app.startControlPlane(ctx)
		app.serve(ctx, map[string]*server{
			"gateway":  {addr: ":" + cfg.GatewayPort, srv: app.gateway},
			"internal": {addr: ":" + cfg.OrchestrationPort, srv: app.internal},
		})
	case "inference-gateway":
		app.serve(ctx, map[string]*server{
			"gateway": {addr: ":" + cfg.GatewayPort, srv: app.gateway},
		})
	case "filtration-gateway":
		app.serve(ctx, map[string]*server{
			"filtration": {addr: ":" + cfg.FiltrationPort, srv: app.internal},
		})
	case "orchestration-gateway":
		app.startControlPlane(ctx)
		app.serve(ctx, map[string]*server{
			"orchestration": {addr: ":" + cfg.OrchestrationPort, srv: app.internal},
		})
	default:
		usage()
	}
}

// startable is the shared surface of the two HTTP servers.
type startable interface {
	Start(addr string) error
	Shutdown(ctx context.Context) error
}

type server struct {
	addr string
	srv  startable
}

// app holds every wired component; subcommands pick what they run.
type app struct {
	cfg    *config.Settings
	logger *slog.Logger

	gateway  *gateway.Server
	internal *api.Server

	eventBus   bus.EventBus
	worker     *deployment.Worker
	reconciler *deployment.Reconciler
	dispatcher *outbox.Dispatcher

	// stopControlPlane is set by startControlPlane; nil when this
	// process runs no workers.
	stopControlPlane func()
}

// buildApp wires stores, policy components, and both HTTP servers.
// Everything is constructed eagerly; subcommands that do not serve a
// component simply never start it.
func buildApp(ctx context.Context, cfg *config.Settings, dbClient *database.Client,
	dbConfig database.Config, logger *slog.Logger) (*app, error) {
	db := dbClient.DB()

	keys := store.NewAPIKeyStore(db)
	deployments := store.NewDeploymentStore(db)
	pools := store.NewPoolStore(db)
	inventory := store.NewInventoryStore(db)
	policies := store.NewPolicyStore(db)
	usage := store.NewUsageStore(db)
	logs := store.NewLogStore(db)

	// Event bus and rate limiter degrade to in-process implementations
	// when Redis is not configured.
	var eventBus bus.EventBus
	var rates limiter.RateLimiter
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedisBus(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting redis bus: %w", err)
		}
		eventBus = rb
		rates = limiter.NewRedisRateLimiter(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}))
		logger.Info("Redis connected", "addr", cfg.RedisAddr)
	} else {
		eventBus = bus.NewMemoryBus()
		rates = limiter.NewLocalRateLimiter()
		logger.Warn("REDIS_ADDR not set, using in-process bus and rate limiter")
	}

	internalHTTP := httpx.NewClient(cfg.InternalAPIKey, 30*time.Second, logger)

	// The gateway scans in process unless a filtration service is
	// configured; the internal API always serves the in-process engine.
	engine := guardrail.NewEngine(logger)
	var scanner guardrail.ContentScanner = engine
	if cfg.FiltrationURL != "" {
		scanner = guardrail.NewClient(internalHTTP, cfg.FiltrationURL)
	}

	prompts := prompt.NewProcessor(prompt.NewHTTPRetriever(internalHTTP, cfg.RetrievalURL), logger)
	ctxResolver := resolver.New(keys, deployments, policies,
		cfg.ContextCacheSize, cfg.ContextCacheTTL, logger)
	quota := gateway.NewQuotaChecker(usage, cfg.QuotaCacheTTL)
	slots := limiter.NewConcurrencyLimiter(cfg.UpstreamGlobalMaxInFlight,
		cfg.UpstreamPerDeploymentMax, cfg.UpstreamSlotAcquireTimeout)

	registry := provider.NewRegistry(provider.RegistryConfig{
		NosanaSidecarURL: cfg.NosanaSidecarURL,
		NosanaAPIKey:     cfg.NosanaInternalAPIKey,
		AkashSidecarURL:  cfg.AkashSidecarURL,
		K8sAgentURL:      cfg.K8sAgentURL,
		HFToken:          cfg.HFToken,
	}, logger)

	controller := deployment.NewController(db, deployments, pools, eventBus, logger)
	worker := deployment.NewWorker(deployments, pools, inventory, registry, deployment.WorkerConfig{
		Count:               cfg.WorkerCount,
		MaxProvisionRetries: cfg.MaxProvisionRetries,
		ProvisionWait:       cfg.ProvisionWait,
	}, logger)
	reconciler := deployment.NewReconciler(deployments, inventory, registry,
		time.Duration(cfg.EphemeralFailureThresholdMinutes)*time.Minute, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		gateway: gateway.NewServer(cfg, ctxResolver, keys, rates, quota, scanner,
			prompts, slots, usage, logs, deployments, logger),
		internal: api.NewServer(cfg, dbClient, controller, reconciler, ctxResolver,
			quota, engine, prompts, usage, logs, inventory, registry, logger),
		eventBus:   eventBus,
		worker:     worker,
		reconciler: reconciler,
		dispatcher: outbox.NewDispatcher(db, eventBus, dbConfig.DSN(), logger),
	}, nil
}

// startControlPlane starts the worker pool, the outbox dispatcher, and
// the stale-node sweeper.
func (a *app) startControlPlane(ctx context.Context) {
	cpCtx, cancel := context.WithCancel(ctx)
	if err := a.worker.Start(cpCtx, a.eventBus); err != nil {
		cancel()
		a.logger.Error("Failed to start deployment worker", "error", err)
		os.Exit(1)
	}
	a.dispatcher.Start(cpCtx)
	go a.reconciler.Run(cpCtx, time.Minute)
	a.stopControlPlane = func() {
		a.worker.Stop()
		cancel()
		a.dispatcher.Stop()
	}
	a.logger.Info("Control plane started", "workers", a.cfg.WorkerCount)
}

// serve runs the given HTTP servers until a signal or a listener error,
// then shuts down workers before listeners so in-flight provisioning
// completes while health checks keep answering.
func (a *app) serve(ctx context.Context, servers map[string]*server) {
	errCh := make(chan error, len(servers))
	for name, s := range servers {
		go func() {
			a.logger.Info("HTTP server listening", "server", name, "addr", s.addr)
			if err := s.srv.Start(s.addr); err != nil && err != http.ErrServerClosed {
				a.logger.Error("HTTP server error", "server", name, "error", err)
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		a.logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		a.logger.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.GracefulShutdownTimeout)
	defer cancel()

	if a.stopControlPlane != nil {
		done := make(chan struct{})
		go func() {
			a.stopControlPlane()
			close(done)
		}()
		select {
		case <-done:
			a.logger.Info("Workers stopped gracefully")
		case <-shutdownCtx.Done():
			a.logger.Warn("Worker shutdown timeout exceeded, events will be redelivered")
		}
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	for name, s := range servers {
		if err := s.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("HTTP server shutdown error", "server", name, "error", err)
		}
	}
	if err := a.eventBus.Close(); err != nil {
		a.logger.Error("Event bus close error", "error", err)
	}

	a.logger.Info("Shutdown complete")
}
