package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
)

// APIKeyStore persists API keys. Only hashes are stored.
type APIKeyStore struct {
	db *sqlx.DB
}

// NewAPIKeyStore creates an API key store.
func NewAPIKeyStore(db *sqlx.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// Create inserts a key row. The caller supplies the hash; plaintext
// never reaches this layer.
func (s *APIKeyStore) Create(ctx context.Context, k *models.APIKey) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (id, org_id, user_id, key_hash, key_prefix, deployment_id)
		VALUES (:id, :org_id, :user_id, :key_hash, :key_prefix, :deployment_id)`, k)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("api key: %w", ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetByHash returns the active key matching a hash. Revoked keys are
// treated as absent so authentication fails closed.
func (s *APIKeyStore) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var k models.APIKey
	err := s.db.GetContext(ctx, &k, `
		SELECT id, org_id, user_id, key_hash, key_prefix, deployment_id, revoked_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &k, nil
}

// Revoke marks a key as revoked. Idempotent.
func (s *APIKeyStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}
