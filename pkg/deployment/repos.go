// Package deployment contains the control plane for model deployments:
// the intent controller, the provisioning worker, node placement, and
// heartbeat reconciliation.
package deployment

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/provider"
	"github.com/infermesh/infermesh/pkg/store"
)

// DeploymentRepo is the persistence contract the control plane needs.
// *store.DeploymentStore satisfies it.
type DeploymentRepo interface {
	Create(ctx context.Context, tx *sqlx.Tx, d *models.Deployment) error
	Get(ctx context.Context, id string) (*models.Deployment, error)
	List(ctx context.Context, orgID string, states []models.DeploymentState) ([]*models.Deployment, error)
	ListByNode(ctx context.Context, nodeID string) ([]*models.Deployment, error)
	Update(ctx context.Context, id string, upd store.DeploymentUpdate) error
	UpdateState(ctx context.Context, id string, next models.DeploymentState) error
	UpdateStateIf(ctx context.Context, id string, expected, next models.DeploymentState) error
	UpdateStateTx(ctx context.Context, tx *sqlx.Tx, id string, expected, next models.DeploymentState) error
	UpdateEndpoint(ctx context.Context, id, endpoint string) error
	AttachRuntime(ctx context.Context, id string, nodeIDs, allocationIDs []string, runtime string) error
}

// PoolRepo looks up compute pools.
type PoolRepo interface {
	Get(ctx context.Context, id string) (*models.ComputePool, error)
}

// InventoryRepo is the inventory contract used by the worker and the
// reconciler. *store.InventoryStore satisfies it.
type InventoryRepo interface {
	Register(ctx context.Context, n *models.ComputeNode) error
	Get(ctx context.Context, id string) (*models.ComputeNode, error)
	ListReadyInPool(ctx context.Context, poolID string, gpusNeeded int) ([]*models.ComputeNode, error)
	ListStale(ctx context.Context, cutoffSeconds int) ([]*models.ComputeNode, error)
	UpsertHeartbeat(ctx context.Context, hb *models.Heartbeat) (*models.ComputeNode, error)
	Allocate(ctx context.Context, nodeID string, gpus int) error
	Release(ctx context.Context, nodeID string, gpus int) error
	UpdateState(ctx context.Context, nodeID string, state models.NodeState) error
	MarkTerminated(ctx context.Context, nodeID string) error
	Recycle(ctx context.Context, nodeID string) error
}

// AdapterRegistry resolves the control adapter for a provider name.
type AdapterRegistry interface {
	ControlFor(providerName string) (provider.ControlAdapter, error)
}
