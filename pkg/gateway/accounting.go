package gateway

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/infermesh/infermesh/pkg/models"
)

// account records telemetry and increments usage after the response has
// finished. It runs detached from the request with its own timeout so a
// slow sink never blocks or fails a completed response.
//
// Usage is incremented with a single attempt: a retry after an
// ambiguous failure could double-count the request. The telemetry row
// is retried briefly since log inserts are idempotent-enough to lose
// rather than duplicate.
func (s *Server) account(rc *models.ResolvedContext, model string, requestBody map[string]any,
	start time.Time, stats streamStats, statusCode int, isStreaming bool) {

	ctx, cancel := context.WithTimeout(context.Background(), s.accountTimeout)
	defer cancel()

	latencyMs := int(time.Since(start).Milliseconds())
	totalTokens := stats.promptTokens + stats.completionTokens

	var tokensPerSecond *float64
	if latencyMs > 0 && stats.completionTokens > 0 {
		tps := math.Round(float64(stats.completionTokens)/(float64(latencyMs)/1000)*100) / 100
		tokensPerSecond = &tps
	}

	entry := &models.InferenceLog{
		DeploymentID:     rc.Deployment.ID,
		UserID:           rc.UserIDContext,
		Model:            model,
		LatencyMs:        latencyMs,
		TTFTMs:           stats.ttftMs,
		TokensPerSecond:  tokensPerSecond,
		PromptTokens:     stats.promptTokens,
		CompletionTokens: stats.completionTokens,
		TotalTokens:      totalTokens,
		StatusCode:       statusCode,
		IsStreaming:      isStreaming,
	}
	if rc.LogPayloads {
		entry.RequestPayload = models.JSONMap(requestBody)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = s.accountTimeout
	err := backoff.Retry(func() error {
		return s.logs.Create(ctx, entry)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		s.logger.Error("Failed to record inference log",
			"deployment_id", rc.Deployment.ID, "error", err)
	}

	if err := s.usage.Track(ctx, rc.UserIDContext, model, models.TokenUsage{
		PromptTokens:     stats.promptTokens,
		CompletionTokens: stats.completionTokens,
		TotalTokens:      totalTokens,
	}); err != nil {
		s.logger.Error("Failed to track usage",
			"user_id", rc.UserIDContext, "model", model, "error", err)
	}
}
