package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/bus"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/outbox"
	"github.com/infermesh/infermesh/pkg/store"
)

const aggregateDeployment = "model_deployment"

// DeployParams is the intent to create a deployment.
type DeployParams struct {
	ModelName      string `validate:"required"`
	ModelVersion   string
	PoolID         string              `validate:"required"`
	Replicas       int                 `validate:"min=1"`
	GPUPerReplica  int                 `validate:"min=0"`
	WorkloadType   models.WorkloadType `validate:"required,oneof=inference embedding training external"`
	Engine         models.Engine
	Configuration  models.JSONMap
	Endpoint       string
	InferenceModel string
	OwnerID        string
	OrgID          string `validate:"required"`
	ModelType      string
	Policies       models.JSONMap
}

// Controller owns deployment intent and state. No orchestration logic
// lives here; state changes are announced through the outbox and the
// event bus and picked up by the worker.
type Controller struct {
	deployments DeploymentRepo
	pools       PoolRepo
	bus         bus.EventBus
	validate    *validator.Validate
	logger      *slog.Logger

	runTx   func(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	enqueue func(ctx context.Context, tx *sqlx.Tx, aggregateType, aggregateID, eventType string, payload models.JSONMap) error
}

// NewController creates the controller. db carries the transactions
// that make row creation and outbox writes atomic.
func NewController(db *sqlx.DB, deployments DeploymentRepo, pools PoolRepo, b bus.EventBus, logger *slog.Logger) *Controller {
	return &Controller{
		deployments: deployments,
		pools:       pools,
		bus:         b,
		validate:    validator.New(),
		logger:      logger,
		runTx: func(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
			return store.InTx(ctx, db, fn)
		},
		enqueue: outbox.Enqueue,
	}
}

// DeployModel records the intent to run a model and hands it to the
// worker through the outbox. External deployments carry no compute
// lifecycle and go straight to RUNNING.
func (c *Controller) DeployModel(ctx context.Context, p DeployParams) (string, error) {
	if err := c.validateParams(p); err != nil {
		return "", err
	}

	pool, err := c.pools.Get(ctx, p.PoolID)
	if err != nil {
		return "", err
	}
	if !pool.IsActive {
		return "", store.NewValidationError("pool_id", fmt.Sprintf("compute pool %s is not active", pool.ID))
	}
	if isProviderEngine(p.Engine) && !strings.EqualFold(pool.Provider, string(p.Engine)) {
		return "", store.NewValidationError("engine",
			fmt.Sprintf("engine %s does not match pool provider %s", p.Engine, pool.Provider))
	}

	isExternal := p.WorkloadType == models.WorkloadExternal
	if isExternal && p.Endpoint == "" {
		return "", store.NewValidationError("endpoint", "external deployments require an endpoint")
	}

	cfg := models.JSONMap{}
	for k, v := range p.Configuration {
		cfg[k] = v
	}
	cfg["workload_type"] = string(p.WorkloadType)

	modelType := p.ModelType
	if modelType == "" {
		modelType = "inference"
	}

	d := &models.Deployment{
		ID:             uuid.NewString(),
		OrgID:          p.OrgID,
		OwnerID:        p.OwnerID,
		ModelName:      p.ModelName,
		InferenceModel: p.InferenceModel,
		Engine:         p.Engine,
		Endpoint:       p.Endpoint,
		Configuration:  cfg,
		State:          models.StatePending,
		PoolID:         p.PoolID,
		Replicas:       p.Replicas,
		GPUPerReplica:  p.GPUPerReplica,
		ModelType:      modelType,
		Policies:       p.Policies,
		NodeIDs:        models.StringList{},
		AllocationIDs:  models.StringList{},
	}
	if isExternal {
		d.State = models.StateRunning
	}

	err = c.runTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.deployments.Create(ctx, tx, d); err != nil {
			return err
		}
		return c.enqueue(ctx, tx, aggregateDeployment, d.ID, models.EventDeploymentRequested, models.JSONMap{
			"deployment_id":   d.ID,
			"pool_id":         d.PoolID,
			"replicas":        d.Replicas,
			"gpu_per_replica": d.GPUPerReplica,
			"workload_type":   string(p.WorkloadType),
			"engine":          string(d.Engine),
			"model_name":      d.ModelName,
			"model_type":      d.ModelType,
			"owner_id":        d.OwnerID,
		})
	})
	if err != nil {
		return "", err
	}

	if !isExternal {
		c.publish(ctx, models.TopicDeployRequested, models.EventDeploymentRequested, map[string]any{
			"deployment_id":   d.ID,
			"pool_id":         d.PoolID,
			"replicas":        d.Replicas,
			"gpu_per_replica": d.GPUPerReplica,
			"workload_type":   string(p.WorkloadType),
			"engine":          string(d.Engine),
			"owner_id":        d.OwnerID,
		})
	}

	c.logger.Info("Deployment created",
		"deployment_id", d.ID,
		"model_name", d.ModelName,
		"state", d.State,
		"org_id", d.OrgID)
	return d.ID, nil
}

// StartDeployment re-deploys a stopped, failed, or terminated
// deployment. Returns the state the deployment moved to.
func (c *Controller) StartDeployment(ctx context.Context, id string) (models.DeploymentState, error) {
	d, err := c.deployments.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !d.State.Terminal() {
		return "", fmt.Errorf("cannot start deployment in state %s: %w", d.State, store.ErrStateConflict)
	}

	if d.WorkloadType() == models.WorkloadExternal {
		if err := c.deployments.UpdateState(ctx, id, models.StateRunning); err != nil {
			return "", err
		}
		return models.StateRunning, nil
	}

	if err := c.deployments.UpdateState(ctx, id, models.StatePending); err != nil {
		return "", err
	}
	c.publish(ctx, models.TopicDeployRequested, models.EventDeploymentRequested, map[string]any{
		"deployment_id":   d.ID,
		"pool_id":         d.PoolID,
		"replicas":        d.Replicas,
		"gpu_per_replica": d.GPUPerReplica,
		"workload_type":   string(d.WorkloadType()),
		"engine":          string(d.Engine),
		"owner_id":        d.OwnerID,
	})
	return models.StatePending, nil
}

// RequestDelete moves a deployment to TERMINATING and announces the
// terminate intent. Idempotent: already-terminating and terminal
// deployments are a no-op, and a lost CAS race means a concurrent
// delete won and owns the event.
func (c *Controller) RequestDelete(ctx context.Context, id string) error {
	d, err := c.deployments.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.State == models.StateTerminating || d.State.Terminal() {
		return nil
	}

	err = c.runTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.deployments.UpdateStateTx(ctx, tx, id, d.State, models.StateTerminating); err != nil {
			return err
		}
		return c.enqueue(ctx, tx, aggregateDeployment, id, models.EventDeploymentTerminate, models.JSONMap{
			"deployment_id": id,
		})
	})
	if errors.Is(err, store.ErrStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	c.publish(ctx, models.TopicTerminateRequested, models.EventDeploymentTerminate, map[string]any{
		"deployment_id": id,
	})
	c.logger.Info("Deployment termination requested", "deployment_id", id)
	return nil
}

// UpdateDeployment applies a partial update and announces it.
func (c *Controller) UpdateDeployment(ctx context.Context, id string, upd store.DeploymentUpdate) error {
	if _, err := c.deployments.Get(ctx, id); err != nil {
		return err
	}
	if err := c.deployments.Update(ctx, id, upd); err != nil {
		return err
	}

	payload := map[string]any{"deployment_id": id}
	if upd.Endpoint != nil {
		payload["endpoint"] = *upd.Endpoint
	}
	if upd.InferenceModel != nil {
		payload["inference_model"] = *upd.InferenceModel
	}
	if upd.Replicas != nil {
		payload["replicas"] = *upd.Replicas
	}
	c.publish(ctx, models.TopicDeploymentUpdated, models.EventDeploymentUpdated, payload)
	return nil
}

// Get returns a deployment by ID.
func (c *Controller) Get(ctx context.Context, id string) (*models.Deployment, error) {
	return c.deployments.Get(ctx, id)
}

// List returns an organization's deployments, optionally filtered by state.
func (c *Controller) List(ctx context.Context, orgID string, states []models.DeploymentState) ([]*models.Deployment, error) {
	return c.deployments.List(ctx, orgID, states)
}

func (c *Controller) validateParams(p DeployParams) error {
	err := c.validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return store.NewValidationError(strings.ToLower(f.Field()),
			fmt.Sprintf("failed %q validation", f.Tag()))
	}
	return err
}

func (c *Controller) publish(ctx context.Context, topic, eventType string, payload map[string]any) {
	ev := &bus.Event{
		Type:      eventType,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := c.bus.Publish(ctx, topic, ev); err != nil {
		c.logger.Error("Failed to publish event", "topic", topic, "error", err)
	}
}

// isProviderEngine reports whether the engine names a compute provider
// rather than a serving runtime.
func isProviderEngine(e models.Engine) bool {
	switch e {
	case models.EngineNosana, models.EngineAkash, models.EngineK8s:
		return true
	}
	return false
}
