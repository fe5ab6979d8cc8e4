package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
)

// UsageStore persists per-user, per-model, per-day counters.
type UsageStore struct {
	db *sqlx.DB
}

// NewUsageStore creates a usage store.
func NewUsageStore(db *sqlx.DB) *UsageStore {
	return &UsageStore{db: db}
}

// day truncates to the UTC calendar day quota windows are keyed by.
func day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// GetToday returns the current day's counters, zero-valued when the
// user has not sent any request yet.
func (s *UsageStore) GetToday(ctx context.Context, userID, model string) (*models.Usage, error) {
	u := models.Usage{UserID: userID, Model: model, Day: day(time.Now())}
	err := s.db.GetContext(ctx, &u, `
		SELECT user_id, model, day, request_count, prompt_tokens, completion_tokens, total_tokens
		FROM usage_counters
		WHERE user_id = $1 AND model = $2 AND day = $3`,
		userID, model, u.Day)
	if errors.Is(err, sql.ErrNoRows) {
		return &u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	return &u, nil
}

// Track atomically increments today's counters by one request plus the
// given token deltas. The upsert creates the day row on first use.
func (s *UsageStore) Track(ctx context.Context, userID, model string, usage models.TokenUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (user_id, model, day, request_count, prompt_tokens, completion_tokens, total_tokens)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (user_id, model, day) DO UPDATE SET
			request_count = usage_counters.request_count + 1,
			prompt_tokens = usage_counters.prompt_tokens + EXCLUDED.prompt_tokens,
			completion_tokens = usage_counters.completion_tokens + EXCLUDED.completion_tokens,
			total_tokens = usage_counters.total_tokens + EXCLUDED.total_tokens`,
		userID, model, day(time.Now()),
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to track usage: %w", err)
	}
	return nil
}
