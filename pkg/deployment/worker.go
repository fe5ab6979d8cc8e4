package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/infermesh/infermesh/pkg/bus"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/provider"
	"github.com/infermesh/infermesh/pkg/store"
)

// WorkerConfig tunes the provisioning worker pool.
type WorkerConfig struct {
	// Count is the number of goroutines consuming lifecycle events.
	Count int
	// MaxProvisionRetries bounds the capacity loop per deploy request.
	MaxProvisionRetries int
	// ProvisionWait caps the backoff between capacity retries.
	ProvisionWait time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Count <= 0 {
		c.Count = 4
	}
	if c.MaxProvisionRetries <= 0 {
		c.MaxProvisionRetries = 4
	}
	if c.ProvisionWait <= 0 {
		c.ProvisionWait = 40 * time.Second
	}
	return c
}

// Worker consumes deploy and terminate events and drives deployments
// through the provisioning FSM. Events arrive at-least-once; every
// transition is a compare-and-set so duplicates and competing workers
// resolve to a single winner.
type Worker struct {
	deployments DeploymentRepo
	pools       PoolRepo
	inventory   InventoryRepo
	adapters    AdapterRegistry
	cfg         WorkerConfig
	logger      *slog.Logger

	jobs chan *bus.Event
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewWorker creates the worker pool.
func NewWorker(deployments DeploymentRepo, pools PoolRepo, inventory InventoryRepo, adapters AdapterRegistry, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		deployments: deployments,
		pools:       pools,
		inventory:   inventory,
		adapters:    adapters,
		cfg:         cfg,
		logger:      logger,
		jobs:        make(chan *bus.Event, cfg.Count*4),
		quit:        make(chan struct{}),
	}
}

// Start subscribes to the lifecycle topics and launches the pool.
func (w *Worker) Start(ctx context.Context, b bus.EventBus) error {
	handler := func(ctx context.Context, ev *bus.Event) {
		select {
		case w.jobs <- ev:
		case <-w.quit:
		}
	}
	if err := b.Subscribe(ctx, models.TopicDeployRequested, handler); err != nil {
		return fmt.Errorf("subscribing to deploy topic: %w", err)
	}
	if err := b.Subscribe(ctx, models.TopicTerminateRequested, handler); err != nil {
		return fmt.Errorf("subscribing to terminate topic: %w", err)
	}

	for i := 0; i < w.cfg.Count; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	w.logger.Info("Deployment worker started", "workers", w.cfg.Count)
	return nil
}

// Stop drains the pool and waits for in-flight handlers.
func (w *Worker) Stop() {
	close(w.quit)
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := w.logger.With("worker", id)
	for {
		select {
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		case ev := <-w.jobs:
			w.dispatch(ctx, logger, ev)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, logger *slog.Logger, ev *bus.Event) {
	id, _ := ev.Payload["deployment_id"].(string)
	if id == "" {
		logger.Warn("Dropping event without deployment_id", "event_type", ev.Type)
		return
	}

	var err error
	switch ev.Type {
	case models.EventDeploymentTerminate:
		err = w.HandleTerminateRequested(ctx, id)
	default:
		err = w.HandleDeployRequested(ctx, id)
	}
	if err != nil {
		logger.Error("Event handling failed",
			"event_type", ev.Type,
			"deployment_id", id,
			"error", err)
	}
}

// HandleDeployRequested drives one deployment from PENDING to RUNNING
// or FAILED. The initial CAS claims the deployment; a duplicate event
// or a competing worker finds it already in PROVISIONING and bows out.
func (w *Worker) HandleDeployRequested(ctx context.Context, id string) error {
	d, err := w.deployments.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("Deploy requested for unknown deployment", "deployment_id", id)
			return nil
		}
		return err
	}
	if d.State != models.StatePending {
		w.logger.Warn("Skipping deploy request, deployment not pending",
			"deployment_id", id, "state", d.State)
		return nil
	}

	if err := w.deployments.UpdateStateIf(ctx, id, models.StatePending, models.StateProvisioning); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			w.logger.Warn("Deployment claimed by another worker", "deployment_id", id)
			return nil
		}
		return err
	}

	if err := w.provision(ctx, d); err != nil {
		w.logger.Error("Provisioning failed", "deployment_id", id, "error", err)
		w.markFailed(ctx, id)
		return err
	}
	return nil
}

// markFailed records a provisioning failure without clobbering a
// concurrent terminate: TERMINATING and terminal states are kept so
// the delete is not lost.
func (w *Worker) markFailed(ctx context.Context, id string) {
	d, err := w.deployments.Get(ctx, id)
	if err != nil {
		w.logger.Error("Failed to load deployment after provisioning error", "deployment_id", id, "error", err)
		return
	}
	if d.State == models.StateTerminating || d.State.Terminal() {
		return
	}
	if err := w.deployments.UpdateStateIf(ctx, id, d.State, models.StateFailed); err != nil &&
		!errors.Is(err, store.ErrStateConflict) {
		w.logger.Error("Failed to mark deployment failed", "deployment_id", id, "error", err)
	}
}

// provision runs the capacity loop: query placement candidates, and
// when the pool has none, ask the provider for a fresh node. Ephemeral
// providers finish inside the loop; fixed pools fall through to
// placement once a candidate exists.
func (w *Worker) provision(ctx context.Context, d *models.Deployment) error {
	pool, err := w.pools.Get(ctx, d.PoolID)
	if err != nil {
		return err
	}
	adapter, err := w.adapters.ControlFor(pool.Provider)
	if err != nil {
		return err
	}
	caps := adapter.Capabilities()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = w.cfg.ProvisionWait

	var candidates []*models.ComputeNode
	for attempt := 0; ; attempt++ {
		candidates, err = w.inventory.ListReadyInPool(ctx, d.PoolID, d.GPUPerReplica)
		if err != nil {
			return err
		}
		if len(candidates) > 0 {
			break
		}
		if attempt >= w.cfg.MaxProvisionRetries {
			return fmt.Errorf("no capacity in pool %s after %d provisioning attempts (gpu=%d)",
				d.PoolID, attempt, d.GPUPerReplica)
		}

		done, err := w.provisionNode(ctx, d, pool, adapter, caps)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.NextBackOff()):
		}
	}

	return w.place(ctx, d, pool, adapter, candidates)
}

// provisionNode acquires one node from the provider. Returns done=true
// when the deployment reached a final disposition inside this call
// (ephemeral providers, simulation mode, or an abort after a mid-wait
// state change).
func (w *Worker) provisionNode(ctx context.Context, d *models.Deployment, pool *models.ComputePool, adapter provider.ControlAdapter, caps provider.Capabilities) (bool, error) {
	meta := jobMetadata(d)
	wt, _ := meta["workload_type"].(string)
	if metaEmpty(meta, "model_id") && metaEmpty(meta, "image") && meta["cmd"] == nil &&
		wt != string(models.WorkloadTraining) {
		return false, fmt.Errorf("deployment %s has no job definition", d.ID)
	}

	resourceID := ""
	if len(pool.AllowedGPUTypes) > 0 {
		resourceID = pool.AllowedGPUTypes[0]
	}
	spec, err := adapter.ProvisionNode(ctx, provider.ProvisionRequest{
		ProviderResourceID: resourceID,
		PoolID:             pool.ProviderPoolID,
		Metadata:           meta,
	})
	if err != nil {
		return false, err
	}

	// Simulation mode has no real compute job behind it.
	if mode, _ := spec.Metadata["mode"].(string); mode == "simulation" {
		if err := w.deployments.AttachRuntime(ctx, d.ID, nil, nil, pool.Provider+"-sim"); err != nil {
			return false, err
		}
		err := w.deployments.UpdateStateIf(ctx, d.ID, models.StateProvisioning, models.StateRunning)
		if errors.Is(err, store.ErrStateConflict) {
			return true, nil
		}
		return true, err
	}

	exposeURL := spec.ExposeURL
	if caps.RequiresReadinessPoll {
		url, err := adapter.WaitForReady(ctx, spec.ProviderInstanceID)
		if err != nil {
			return false, err
		}
		if url != "" && !strings.HasSuffix(url, "-ready") {
			exposeURL = url
		}
	}

	// A terminate may have landed while the provider was starting up.
	// The job is not registered in inventory yet, so no other path can
	// reach it; stop it here before aborting.
	latest, err := w.deployments.Get(ctx, d.ID)
	if err != nil {
		return false, err
	}
	if latest.State != models.StateProvisioning {
		w.logger.Warn("Deployment left PROVISIONING during provider wait, stopping provisioned job",
			"deployment_id", d.ID, "state", latest.State)
		if err := adapter.DeprovisionNode(ctx, spec.ProviderInstanceID); err != nil {
			w.logger.Error("Failed to stop orphaned provider job",
				"provider_instance_id", spec.ProviderInstanceID, "error", err)
		}
		return true, nil
	}

	state := models.NodeReady
	if caps.IsEphemeral {
		// Ephemeral nodes are dedicated to this deployment.
		state = models.NodeBusy
	}
	node := &models.ComputeNode{
		PoolID:             d.PoolID,
		Provider:           spec.Provider,
		ProviderInstanceID: spec.ProviderInstanceID,
		Hostname:           spec.Hostname,
		GPUTotal:           spec.GPUTotal,
		GPUAllocated:       0,
		VCPUTotal:          spec.VCPUTotal,
		RAMGBTotal:         spec.RAMGBTotal,
		State:              state,
		NodeClass:          spec.NodeClass,
		ExposeURL:          exposeURL,
		Metadata:           spec.Metadata,
	}
	if err := w.inventory.Register(ctx, node); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return false, err
	}

	if exposeURL != "" {
		if err := w.deployments.UpdateEndpoint(ctx, d.ID, exposeURL); err != nil {
			return false, err
		}
	}

	if caps.IsEphemeral {
		if exposeURL == "" {
			return false, fmt.Errorf("provider %s returned no endpoint for deployment %s", spec.Provider, d.ID)
		}
		if err := w.deployments.AttachRuntime(ctx, d.ID, []string{node.ID}, nil, pool.Provider); err != nil {
			return false, err
		}
		if err := w.deployments.UpdateStateIf(ctx, d.ID, models.StateProvisioning, models.StateRunning); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				w.yieldNode(ctx, d.ID, adapter, node.ID, node.ProviderInstanceID, d.GPUPerReplica)
				return true, nil
			}
			return false, err
		}
		w.logger.Info("Ephemeral deployment running",
			"deployment_id", d.ID,
			"provider", pool.Provider,
			"node_id", node.ID)
		return true, nil
	}

	// Fixed node registered; the capacity loop re-queries candidates.
	return false, nil
}

// yieldNode cleans up after losing the activation race to a concurrent
// state change. When the deployment moved to TERMINATING the terminate
// handler finds the attached node and owns teardown; any other state
// means that handler already ran against an empty node list, so the
// job is stopped here.
func (w *Worker) yieldNode(ctx context.Context, deploymentID string, adapter provider.ControlAdapter, nodeID, providerInstanceID string, gpus int) {
	latest, err := w.deployments.Get(ctx, deploymentID)
	if err == nil && latest.State == models.StateTerminating {
		w.logger.Warn("Deployment terminating, yielding activation",
			"deployment_id", deploymentID, "node_id", nodeID)
		return
	}
	w.logger.Warn("Deployment left the provisioning path before activation, stopping job",
		"deployment_id", deploymentID, "node_id", nodeID)
	if err := adapter.DeprovisionNode(ctx, providerInstanceID); err != nil {
		w.logger.Error("Deprovision failed", "node_id", nodeID, "error", err)
	}
	if adapter.Capabilities().IsEphemeral {
		if err := w.inventory.MarkTerminated(ctx, nodeID); err != nil {
			w.logger.Error("Failed to terminate node", "node_id", nodeID, "error", err)
		}
	} else {
		w.releaseQuietly(ctx, nodeID, gpus)
	}
}

// place schedules the deployment onto the best existing candidate.
// Every state hop is a compare-and-set so a concurrent terminate wins
// the row and the placement backs out instead of overwriting it.
func (w *Worker) place(ctx context.Context, d *models.Deployment, pool *models.ComputePool, adapter provider.ControlAdapter, candidates []*models.ComputeNode) error {
	best := PickBest(candidates)

	if err := w.deployments.UpdateStateIf(ctx, d.ID, models.StateProvisioning, models.StateScheduling); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			w.logger.Warn("Deployment left PROVISIONING before scheduling, aborting placement",
				"deployment_id", d.ID)
			return nil
		}
		return err
	}
	if err := w.inventory.Allocate(ctx, best.ID, d.GPUPerReplica); err != nil {
		return err
	}
	if err := w.deployments.UpdateStateIf(ctx, d.ID, models.StateScheduling, models.StateDeploying); err != nil {
		w.releaseQuietly(ctx, best.ID, d.GPUPerReplica)
		if errors.Is(err, store.ErrStateConflict) {
			w.logger.Warn("Deployment left SCHEDULING mid-placement, releasing allocation",
				"deployment_id", d.ID, "node_id", best.ID)
			return nil
		}
		return err
	}

	meta := jobMetadata(d)
	spec, err := adapter.ProvisionNode(ctx, provider.ProvisionRequest{
		ProviderResourceID: best.Hostname,
		PoolID:             pool.ProviderPoolID,
		Metadata:           meta,
	})
	if err != nil {
		w.releaseQuietly(ctx, best.ID, d.GPUPerReplica)
		return err
	}

	exposeURL := spec.ExposeURL
	if adapter.Capabilities().RequiresReadinessPoll {
		url, err := adapter.WaitForReady(ctx, spec.ProviderInstanceID)
		if err != nil {
			w.releaseQuietly(ctx, best.ID, d.GPUPerReplica)
			return err
		}
		if url != "" && !strings.HasSuffix(url, "-ready") {
			exposeURL = url
		}
	}
	if exposeURL == "" {
		w.releaseQuietly(ctx, best.ID, d.GPUPerReplica)
		return fmt.Errorf("no endpoint for deployment %s on node %s", d.ID, best.ID)
	}

	runtime := string(d.Engine)
	if runtime == "" {
		runtime = string(models.EngineVLLM)
	}
	if err := w.deployments.UpdateEndpoint(ctx, d.ID, exposeURL); err != nil {
		return err
	}
	if err := w.deployments.AttachRuntime(ctx, d.ID, []string{best.ID}, []string{uuid.NewString()}, runtime); err != nil {
		return err
	}
	if err := w.deployments.UpdateStateIf(ctx, d.ID, models.StateDeploying, models.StateRunning); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			w.yieldNode(ctx, d.ID, adapter, best.ID, spec.ProviderInstanceID, d.GPUPerReplica)
			return nil
		}
		return err
	}
	w.logger.Info("Deployment placed",
		"deployment_id", d.ID,
		"node_id", best.ID,
		"runtime", runtime)
	return nil
}

// HandleTerminateRequested tears down a TERMINATING deployment:
// deprovision every node, release its capacity, then retire ephemeral
// nodes and recycle fixed ones. Provider stop calls are idempotent, so
// a duplicate event re-running this handler is harmless.
func (w *Worker) HandleTerminateRequested(ctx context.Context, id string) error {
	d, err := w.deployments.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if d.State != models.StateTerminating {
		w.logger.Warn("Skipping terminate, deployment not terminating",
			"deployment_id", id, "state", d.State)
		return nil
	}

	for _, nodeID := range d.NodeIDs {
		node, err := w.inventory.Get(ctx, nodeID)
		if err != nil {
			w.logger.Warn("Node lookup failed during terminate", "node_id", nodeID, "error", err)
			continue
		}
		adapter, err := w.adapters.ControlFor(node.Provider)
		if err != nil {
			w.logger.Warn("No adapter for node provider", "node_id", nodeID, "provider", node.Provider)
			continue
		}

		w.logger.Info("Deprovisioning node", "provider", node.Provider, "node_id", nodeID)
		if err := adapter.DeprovisionNode(ctx, node.ProviderInstanceID); err != nil {
			w.logger.Error("Deprovision failed", "node_id", nodeID, "error", err)
		}

		w.releaseQuietly(ctx, nodeID, d.GPUPerReplica)
		if adapter.Capabilities().IsEphemeral {
			if err := w.inventory.MarkTerminated(ctx, nodeID); err != nil {
				w.logger.Error("Failed to terminate node", "node_id", nodeID, "error", err)
			}
		} else {
			if err := w.inventory.Recycle(ctx, nodeID); err != nil {
				w.logger.Error("Failed to recycle node", "node_id", nodeID, "error", err)
			}
		}
	}

	if err := w.deployments.UpdateStateIf(ctx, id, models.StateTerminating, models.StateStopped); err != nil {
		// A duplicate event's handler already stopped it.
		if errors.Is(err, store.ErrStateConflict) {
			return nil
		}
		return err
	}
	w.logger.Info("Deployment stopped", "deployment_id", id)
	return nil
}

func (w *Worker) releaseQuietly(ctx context.Context, nodeID string, gpus int) {
	if err := w.inventory.Release(ctx, nodeID, gpus); err != nil {
		w.logger.Error("Failed to release node capacity", "node_id", nodeID, "error", err)
	}
}

// jobMetadata derives the provider job spec from the deployment
// configuration, injecting the model identifiers the job builders need.
func jobMetadata(d *models.Deployment) models.JSONMap {
	meta := models.JSONMap{}
	for k, v := range d.Configuration {
		meta[k] = v
	}
	if d.InferenceModel != "" {
		meta["model_id"] = d.InferenceModel
	}
	if d.ModelName != "" {
		meta["model_name"] = d.ModelName
	}
	if d.Engine != "" {
		meta["engine"] = string(d.Engine)
	}
	if d.GPUPerReplica > 0 {
		meta["gpu_allocated"] = d.GPUPerReplica
	}
	return meta
}

func metaEmpty(m models.JSONMap, key string) bool {
	s, _ := m[key].(string)
	return s == ""
}
