package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
)

// LogStore persists per-request inference telemetry.
type LogStore struct {
	db *sqlx.DB
}

// NewLogStore creates a log store.
func NewLogStore(db *sqlx.DB) *LogStore {
	return &LogStore{db: db}
}

// Create inserts a telemetry row. The request payload is only present
// when payload logging is enabled for the deployment.
func (s *LogStore) Create(ctx context.Context, l *models.InferenceLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO inference_logs (id, deployment_id, user_id, model, request_payload,
			latency_ms, ttft_ms, tokens_per_second, prompt_tokens, completion_tokens,
			total_tokens, status_code, error_message, is_streaming)
		VALUES (:id, :deployment_id, :user_id, :model, :request_payload,
			:latency_ms, :ttft_ms, :tokens_per_second, :prompt_tokens, :completion_tokens,
			:total_tokens, :status_code, :error_message, :is_streaming)`, l)
	if err != nil {
		return fmt.Errorf("failed to create inference log: %w", err)
	}
	return nil
}

// ListForDeployment returns recent telemetry rows, newest first.
func (s *LogStore) ListForDeployment(ctx context.Context, deploymentID string, limit int) ([]*models.InferenceLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*models.InferenceLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, deployment_id, user_id, model, request_payload, latency_ms, ttft_ms,
			tokens_per_second, prompt_tokens, completion_tokens, total_tokens,
			status_code, error_message, is_streaming, created_at
		FROM inference_logs
		WHERE deployment_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inference logs: %w", err)
	}
	return out, nil
}
