package deployment

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/store"
)

// Reconciler applies node heartbeats to the inventory and folds their
// consequences back onto deployments. A node dying early in an
// ephemeral deployment's life is an infrastructure failure; past the
// threshold it is treated as an intended stop.
type Reconciler struct {
	deployments DeploymentRepo
	inventory   InventoryRepo
	adapters    AdapterRegistry

	// EphemeralFailureThreshold separates infrastructure failures from
	// intended stops on ephemeral providers.
	failureThreshold time.Duration
	staleAfter       time.Duration
	logger           *slog.Logger
}

// NewReconciler creates the reconciler. failureThreshold defaults to
// ten minutes, staleAfter to five.
func NewReconciler(deployments DeploymentRepo, inventory InventoryRepo, adapters AdapterRegistry, failureThreshold time.Duration, logger *slog.Logger) *Reconciler {
	if failureThreshold <= 0 {
		failureThreshold = 10 * time.Minute
	}
	return &Reconciler{
		deployments:      deployments,
		inventory:        inventory,
		adapters:         adapters,
		failureThreshold: failureThreshold,
		staleAfter:       5 * time.Minute,
		logger:           logger,
	}
}

// mapIncomingState normalizes provider-reported states onto the
// inventory enum.
func mapIncomingState(state string) string {
	switch strings.ToLower(state) {
	case "failed":
		return string(models.NodeUnhealthy)
	case "completed":
		return string(models.NodeTerminated)
	default:
		return strings.ToLower(state)
	}
}

// ApplyHeartbeat upserts a node report and reconciles the deployments
// pinned to that node. Returns the node row after the update.
func (r *Reconciler) ApplyHeartbeat(ctx context.Context, hb *models.Heartbeat) (*models.ComputeNode, error) {
	hb.State = mapIncomingState(hb.State)

	node, err := r.inventory.UpsertHeartbeat(ctx, hb)
	if err != nil {
		return nil, err
	}

	if err := r.reconcileNode(ctx, node); err != nil {
		r.logger.Error("Heartbeat reconciliation failed", "node_id", node.ID, "error", err)
	}
	return node, nil
}

func (r *Reconciler) reconcileNode(ctx context.Context, node *models.ComputeNode) error {
	nodeDown := false
	switch node.State {
	case models.NodeTerminated, models.NodeUnhealthy, models.NodeOffline:
		nodeDown = true
	}
	if !nodeDown && node.ExposeURL == "" {
		return nil
	}

	deployments, err := r.deployments.ListByNode(ctx, node.ID)
	if err != nil {
		return err
	}

	for _, d := range deployments {
		if d.State.Terminal() || d.State == models.StateTerminating {
			continue
		}

		if nodeDown {
			next := r.terminalStateFor(node, d)
			r.logger.Warn("Node down, updating deployment",
				"node_id", node.ID,
				"node_state", node.State,
				"deployment_id", d.ID,
				"next_state", next)
			// CAS from the snapshot state so a delete that landed since
			// the ListByNode read keeps the row.
			if err := r.deployments.UpdateStateIf(ctx, d.ID, d.State, next); err != nil &&
				!errors.Is(err, store.ErrStateConflict) {
				r.logger.Error("Failed to update deployment after node loss",
					"deployment_id", d.ID, "error", err)
			}
			continue
		}

		if node.ExposeURL != "" && node.ExposeURL != d.Endpoint {
			if err := r.deployments.UpdateEndpoint(ctx, d.ID, node.ExposeURL); err != nil {
				r.logger.Error("Failed to propagate endpoint",
					"deployment_id", d.ID, "error", err)
			}
		}
	}
	return nil
}

// terminalStateFor decides whether a node loss fails or stops the
// deployment. A young deployment on an ephemeral provider did not mean
// to die; anything else is a stop.
func (r *Reconciler) terminalStateFor(node *models.ComputeNode, d *models.Deployment) models.DeploymentState {
	if r.isEphemeral(node.Provider) && time.Since(d.CreatedAt) < r.failureThreshold {
		return models.StateFailed
	}
	return models.StateStopped
}

func (r *Reconciler) isEphemeral(providerName string) bool {
	if adapter, err := r.adapters.ControlFor(providerName); err == nil {
		return adapter.Capabilities().IsEphemeral
	}
	// Fallback for providers without a registered adapter.
	return providerName == "nosana" || providerName == "akash"
}

// SweepStale marks nodes that stopped reporting as offline and
// reconciles their deployments.
func (r *Reconciler) SweepStale(ctx context.Context) {
	stale, err := r.inventory.ListStale(ctx, int(r.staleAfter.Seconds()))
	if err != nil {
		r.logger.Error("Stale node sweep failed", "error", err)
		return
	}
	for _, node := range stale {
		r.logger.Warn("Node heartbeat stale, marking offline",
			"node_id", node.ID,
			"provider", node.Provider,
			"last_heartbeat", node.LastHeartbeat)
		if err := r.inventory.UpdateState(ctx, node.ID, models.NodeOffline); err != nil {
			r.logger.Error("Failed to mark node offline", "node_id", node.ID, "error", err)
			continue
		}
		node.State = models.NodeOffline
		if err := r.reconcileNode(ctx, node); err != nil {
			r.logger.Error("Stale node reconciliation failed", "node_id", node.ID, "error", err)
		}
	}
}

// Run sweeps for stale nodes until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale(ctx)
		}
	}
}
