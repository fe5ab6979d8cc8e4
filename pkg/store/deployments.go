package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
)

// DeploymentStore persists deployments.
type DeploymentStore struct {
	db *sqlx.DB
}

// NewDeploymentStore creates a deployment store.
func NewDeploymentStore(db *sqlx.DB) *DeploymentStore {
	return &DeploymentStore{db: db}
}

const deploymentColumns = `id, org_id, owner_id, model_name, inference_model, engine, endpoint,
	configuration, state, pool_id, replicas, gpu_per_replica, model_type, policies,
	node_ids, allocation_ids, runtime, created_at, updated_at`

// Create inserts a new deployment row inside the given transaction.
// The partial unique index on (org_id, model_name) rejects a second
// live deployment for the same model name.
func (s *DeploymentStore) Create(ctx context.Context, tx *sqlx.Tx, d *models.Deployment) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO deployments (id, org_id, owner_id, model_name, inference_model, engine,
			endpoint, configuration, state, pool_id, replicas, gpu_per_replica, model_type,
			policies, node_ids, allocation_ids, runtime)
		VALUES (:id, :org_id, :owner_id, :model_name, :inference_model, :engine,
			:endpoint, :configuration, :state, :pool_id, :replicas, :gpu_per_replica, :model_type,
			:policies, :node_ids, :allocation_ids, :runtime)`, d)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment for model %q: %w", d.ModelName, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// Get returns a deployment by ID.
func (s *DeploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	var d models.Deployment
	err := s.db.GetContext(ctx, &d,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return &d, nil
}

// GetLiveByModel returns the non-terminated deployment serving a model
// name within an organization. TERMINATED rows are history and never match.
func (s *DeploymentStore) GetLiveByModel(ctx context.Context, orgID, modelName string) (*models.Deployment, error) {
	var d models.Deployment
	err := s.db.GetContext(ctx, &d,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE org_id = $1 AND model_name = $2 AND state <> $3`,
		orgID, modelName, models.StateTerminated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %s: %w", modelName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model: %w", err)
	}
	return &d, nil
}

// List returns deployments for an organization, optionally filtered by state.
func (s *DeploymentStore) List(ctx context.Context, orgID string, states []models.DeploymentState) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE org_id = $1`
	args := []any{orgID}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			args = append(args, st)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += ` AND state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`

	var out []*models.Deployment
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return out, nil
}

// ListByNode returns deployments whose node_ids include the given node.
func (s *DeploymentStore) ListByNode(ctx context.Context, nodeID string) ([]*models.Deployment, error) {
	var out []*models.Deployment
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE node_ids @> to_jsonb(ARRAY[$1::text])`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments for node: %w", err)
	}
	return out, nil
}

// UpdateStateIf atomically moves a deployment from an expected state to a
// new one. Returns ErrStateConflict when the row was not in the expected
// state, which callers treat as losing the race.
func (s *DeploymentStore) UpdateStateIf(ctx context.Context, id string, expected, next models.DeploymentState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET state = $1, updated_at = now()
		 WHERE id = $2 AND state = $3`, next, id, expected)
	if err != nil {
		return fmt.Errorf("failed to update deployment state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deployment %s not in state %s: %w", id, expected, ErrStateConflict)
	}
	return nil
}

// UpdateState unconditionally sets the state.
func (s *DeploymentStore) UpdateState(ctx context.Context, id string, next models.DeploymentState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET state = $1, updated_at = now() WHERE id = $2`, next, id)
	if err != nil {
		return fmt.Errorf("failed to update deployment state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateStateTx is UpdateStateIf inside a caller-owned transaction.
func (s *DeploymentStore) UpdateStateTx(ctx context.Context, tx *sqlx.Tx, id string, expected, next models.DeploymentState) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE deployments SET state = $1, updated_at = now()
		 WHERE id = $2 AND state = $3`, next, id, expected)
	if err != nil {
		return fmt.Errorf("failed to update deployment state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment %s not in state %s: %w", id, expected, ErrStateConflict)
	}
	return nil
}

// UpdateEndpoint records the routable endpoint once a replica is reachable.
func (s *DeploymentStore) UpdateEndpoint(ctx context.Context, id, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET endpoint = $1, updated_at = now() WHERE id = $2`, endpoint, id)
	if err != nil {
		return fmt.Errorf("failed to update deployment endpoint: %w", err)
	}
	return nil
}

// AttachRuntime records the node and allocation identifiers the worker
// bound the deployment to, plus the runtime label.
func (s *DeploymentStore) AttachRuntime(ctx context.Context, id string, nodeIDs, allocationIDs []string, runtime string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments
		 SET node_ids = $1, allocation_ids = $2, runtime = $3, updated_at = now()
		 WHERE id = $4`,
		models.StringList(nodeIDs), models.StringList(allocationIDs), runtime, id)
	if err != nil {
		return fmt.Errorf("failed to attach deployment runtime: %w", err)
	}
	return nil
}

// DeploymentUpdate carries the mutable fields of a deployment. Nil
// pointers leave the column untouched.
type DeploymentUpdate struct {
	Configuration  *models.JSONMap
	InferenceModel *string
	Endpoint       *string
	Replicas       *int
}

// Update applies a partial update.
func (s *DeploymentStore) Update(ctx context.Context, id string, upd DeploymentUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET configuration = COALESCE($1, configuration),
		    inference_model = COALESCE($2, inference_model),
		    endpoint = COALESCE($3, endpoint),
		    replicas = COALESCE($4, replicas),
		    updated_at = now()
		WHERE id = $5`,
		upd.Configuration, upd.InferenceModel, upd.Endpoint, upd.Replicas, id)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

// isUniqueViolation reports whether err is a postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
