package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
)

// PolicyStore persists policy attachments.
type PolicyStore struct {
	db *sqlx.DB
}

// NewPolicyStore creates a policy store.
func NewPolicyStore(db *sqlx.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// ListForScope returns every policy that applies to a deployment: the
// org-wide rows plus any deployment-scoped overrides. Merging is done
// by the caller via models.MergePolicies.
func (s *PolicyStore) ListForScope(ctx context.Context, orgID, deploymentID string) ([]*models.Policy, error) {
	var out []*models.Policy
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, org_id, policy_type, deployment_id, config, created_at
		FROM policies
		WHERE org_id = $1 AND (deployment_id IS NULL OR deployment_id = $2)`,
		orgID, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return out, nil
}

// Upsert writes a policy row, replacing any previous config for the same
// (org, type, deployment) scope.
func (s *PolicyStore) Upsert(ctx context.Context, p *models.Policy) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO policies (id, org_id, policy_type, deployment_id, config)
		VALUES (:id, :org_id, :policy_type, :deployment_id, :config)
		ON CONFLICT (org_id, policy_type, COALESCE(deployment_id, ''))
		DO UPDATE SET config = EXCLUDED.config`, p)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}

// Delete removes a policy row.
func (s *PolicyStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return nil
}
