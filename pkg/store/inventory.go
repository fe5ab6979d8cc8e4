package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
)

// InventoryStore persists compute nodes and their allocation counters.
type InventoryStore struct {
	db *sqlx.DB
}

// NewInventoryStore creates an inventory store.
func NewInventoryStore(db *sqlx.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

const nodeColumns = `id, pool_id, provider, provider_instance_id, hostname,
	gpu_total, gpu_allocated, vcpu_total, vcpu_allocated, ram_gb_total, ram_gb_allocated,
	state, node_class, expose_url, health_score, last_heartbeat, metadata, created_at`

// Register inserts a node the worker just provisioned. The unique
// constraint on (provider, provider_instance_id) makes re-registration
// of the same instance an ErrAlreadyExists.
func (s *InventoryStore) Register(ctx context.Context, n *models.ComputeNode) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO compute_nodes (id, pool_id, provider, provider_instance_id, hostname,
			gpu_total, gpu_allocated, vcpu_total, vcpu_allocated, ram_gb_total, ram_gb_allocated,
			state, node_class, expose_url, health_score, last_heartbeat, metadata)
		VALUES (:id, :pool_id, :provider, :provider_instance_id, :hostname,
			:gpu_total, :gpu_allocated, :vcpu_total, :vcpu_allocated, :ram_gb_total, :ram_gb_allocated,
			:state, :node_class, :expose_url, :health_score, :last_heartbeat, :metadata)`, n)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("node %s/%s: %w", n.Provider, n.ProviderInstanceID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to register node: %w", err)
	}
	return nil
}

// Get returns a node by ID.
func (s *InventoryStore) Get(ctx context.Context, id string) (*models.ComputeNode, error) {
	var n models.ComputeNode
	err := s.db.GetContext(ctx, &n,
		`SELECT `+nodeColumns+` FROM compute_nodes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return &n, nil
}

// ListReadyInPool returns nodes in the pool that can still accept work,
// ordered by free GPU capacity so the tightest fit sorts first.
func (s *InventoryStore) ListReadyInPool(ctx context.Context, poolID string, gpusNeeded int) ([]*models.ComputeNode, error) {
	var out []*models.ComputeNode
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+nodeColumns+` FROM compute_nodes
		 WHERE pool_id = $1 AND state = $2 AND gpu_total - gpu_allocated >= $3
		 ORDER BY gpu_total - gpu_allocated ASC, id ASC`,
		poolID, models.NodeReady, gpusNeeded)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready nodes: %w", err)
	}
	return out, nil
}

// ListStale returns non-terminal nodes whose last heartbeat is older than
// the cutoff. Nodes that never reported fall back to their creation time.
func (s *InventoryStore) ListStale(ctx context.Context, cutoffSeconds int) ([]*models.ComputeNode, error) {
	var out []*models.ComputeNode
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+nodeColumns+` FROM compute_nodes
		 WHERE state NOT IN ($1, $2)
		   AND COALESCE(last_heartbeat, created_at) < now() - make_interval(secs => $3)`,
		models.NodeTerminated, models.NodeOffline, cutoffSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale nodes: %w", err)
	}
	return out, nil
}

// UpsertHeartbeat applies a heartbeat report keyed by
// (provider, provider_instance_id). Returns the node row after the
// update, or ErrNotFound when the instance was never registered.
func (s *InventoryStore) UpsertHeartbeat(ctx context.Context, hb *models.Heartbeat) (*models.ComputeNode, error) {
	var n models.ComputeNode
	err := s.db.GetContext(ctx, &n, `
		UPDATE compute_nodes
		SET gpu_allocated = $1,
		    vcpu_allocated = $2,
		    ram_gb_allocated = $3,
		    health_score = $4,
		    state = CASE WHEN $5 <> '' THEN $5 ELSE state END,
		    expose_url = CASE WHEN $6 <> '' THEN $6 ELSE expose_url END,
		    last_heartbeat = now()
		WHERE provider = $7 AND provider_instance_id = $8
		RETURNING `+nodeColumns,
		hb.GPUAllocated, hb.VCPUAllocated, hb.RAMGBAllocated, hb.HealthScore,
		hb.State, hb.ExposeURL, hb.Provider, hb.ProviderInstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s/%s: %w", hb.Provider, hb.ProviderInstanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply heartbeat: %w", err)
	}
	return &n, nil
}

// Allocate reserves GPU capacity on a node, failing when the node no
// longer has room. The guard in the WHERE clause keeps concurrent
// workers from oversubscribing.
func (s *InventoryStore) Allocate(ctx context.Context, nodeID string, gpus int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compute_nodes
		SET gpu_allocated = gpu_allocated + $1
		WHERE id = $2 AND gpu_total - gpu_allocated >= $1`, gpus, nodeID)
	if err != nil {
		return fmt.Errorf("failed to allocate node capacity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s has insufficient capacity: %w", nodeID, ErrStateConflict)
	}
	return nil
}

// Release returns GPU capacity to a node, clamping at zero.
func (s *InventoryStore) Release(ctx context.Context, nodeID string, gpus int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE compute_nodes
		SET gpu_allocated = GREATEST(gpu_allocated - $1, 0)
		WHERE id = $2`, gpus, nodeID)
	if err != nil {
		return fmt.Errorf("failed to release node capacity: %w", err)
	}
	return nil
}

// UpdateState sets the node state.
func (s *InventoryStore) UpdateState(ctx context.Context, nodeID string, state models.NodeState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE compute_nodes SET state = $1 WHERE id = $2`, state, nodeID)
	if err != nil {
		return fmt.Errorf("failed to update node state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	return nil
}

// MarkTerminated ends a dynamic node's lifecycle.
func (s *InventoryStore) MarkTerminated(ctx context.Context, nodeID string) error {
	return s.UpdateState(ctx, nodeID, models.NodeTerminated)
}

// Recycle returns a fixed node to the ready state with its allocation
// counters cleared, so the next placement can reuse it.
func (s *InventoryStore) Recycle(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE compute_nodes
		SET state = $1, gpu_allocated = 0, vcpu_allocated = 0, ram_gb_allocated = 0
		WHERE id = $2`, models.NodeReady, nodeID)
	if err != nil {
		return fmt.Errorf("failed to recycle node: %w", err)
	}
	return nil
}
