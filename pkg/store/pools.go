package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
)

// PoolStore persists compute pools.
type PoolStore struct {
	db *sqlx.DB
}

// NewPoolStore creates a pool store.
func NewPoolStore(db *sqlx.DB) *PoolStore {
	return &PoolStore{db: db}
}

const poolColumns = `id, org_id, user_id, name, provider, allowed_gpu_types, max_cost_per_hour,
	provider_pool_id, provider_credential_name, scheduling_policy, is_active, created_at`

// Create inserts a pool.
func (s *PoolStore) Create(ctx context.Context, p *models.ComputePool) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO compute_pools (id, org_id, user_id, name, provider, allowed_gpu_types,
			max_cost_per_hour, provider_pool_id, provider_credential_name, scheduling_policy, is_active)
		VALUES (:id, :org_id, :user_id, :name, :provider, :allowed_gpu_types,
			:max_cost_per_hour, :provider_pool_id, :provider_credential_name, :scheduling_policy, :is_active)`, p)
	if err != nil {
		return fmt.Errorf("failed to create compute pool: %w", err)
	}
	return nil
}

// Get returns a pool by ID.
func (s *PoolStore) Get(ctx context.Context, id string) (*models.ComputePool, error) {
	var p models.ComputePool
	err := s.db.GetContext(ctx, &p,
		`SELECT `+poolColumns+` FROM compute_pools WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("compute pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compute pool: %w", err)
	}
	return &p, nil
}

// ListForOrg returns pools owned by an organization.
func (s *PoolStore) ListForOrg(ctx context.Context, orgID string) ([]*models.ComputePool, error) {
	var out []*models.ComputePool
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+poolColumns+` FROM compute_pools WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list compute pools: %w", err)
	}
	return out, nil
}

// SetActive flips the pool's active flag. Inactive pools reject new
// deployments but keep their running nodes.
func (s *PoolStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE compute_pools SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update compute pool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("compute pool %s: %w", id, ErrNotFound)
	}
	return nil
}
