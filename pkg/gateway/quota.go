package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/infermesh/infermesh/pkg/models"
)

// UsageReader reads today's usage counters for quota projection.
type UsageReader interface {
	GetToday(ctx context.Context, userID, model string) (*models.Usage, error)
}

// QuotaChecker verifies that the projected next request fits the
// caller's daily quota. Increments happen in accounting, not here.
// Passing checks are cached for a short TTL keyed by (user, model) to
// absorb bursts; exhaustion is still caught within one TTL window.
type QuotaChecker struct {
	usage UsageReader
	cache *expirable.LRU[string, struct{}]
}

// NewQuotaChecker creates a checker with a positive-result cache.
func NewQuotaChecker(usage UsageReader, cacheTTL time.Duration) *QuotaChecker {
	return &QuotaChecker{
		usage: usage,
		cache: expirable.NewLRU[string, struct{}](4096, nil, cacheTTL),
	}
}

// Check returns an *APIError with code quota_exceeded when the next
// request would not fit. Store failures are wrapped, not cached.
func (q *QuotaChecker) Check(ctx context.Context, userID, model string, cfg models.QuotaCfg) error {
	if !cfg.Enabled || (cfg.RequestsPerDay <= 0 && cfg.TokensPerDay <= 0) {
		return nil
	}

	cacheKey := userID + "|" + model
	if _, ok := q.cache.Get(cacheKey); ok {
		return nil
	}

	u, err := q.usage.GetToday(ctx, userID, model)
	if err != nil {
		return fmt.Errorf("checking quota: %w", err)
	}

	if cfg.RequestsPerDay > 0 && u.RequestCount+1 > cfg.RequestsPerDay {
		return errQuotaExceeded(fmt.Sprintf("Daily request quota of %d exceeded", cfg.RequestsPerDay))
	}
	if cfg.TokensPerDay > 0 && u.TotalTokens >= cfg.TokensPerDay {
		return errQuotaExceeded(fmt.Sprintf("Daily token quota of %d exceeded", cfg.TokensPerDay))
	}

	q.cache.Add(cacheKey, struct{}{})
	return nil
}
