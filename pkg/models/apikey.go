package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// APIKey is an opaque caller secret, persisted as a hash plus a short
// plaintext prefix for dashboard display.
type APIKey struct {
	ID           string     `db:"id" json:"id"`
	OrgID        string     `db:"org_id" json:"org_id"`
	UserID       string     `db:"user_id" json:"user_id"`
	KeyHash      string     `db:"key_hash" json:"-"`
	KeyPrefix    string     `db:"key_prefix" json:"key_prefix"`
	DeploymentID *string    `db:"deployment_id" json:"deployment_id,omitempty"`
	RevokedAt    *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Active reports whether the key may still authenticate requests.
func (k *APIKey) Active() bool { return k.RevokedAt == nil }

// HashAPIKey derives the stored hash for an opaque key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the 4-8 character plaintext prefix kept for display.
func KeyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

// ResolvedContext is the denormalized bundle the gateway needs to execute
// one request. Cached with a short TTL; entries are immutable until expiry.
type ResolvedContext struct {
	Deployment    *Deployment
	Guardrail     GuardrailCfg
	Rag           RagCfg
	Template      TemplateCfg
	RateLimit     RateLimitCfg
	Quota         QuotaCfg
	UserIDContext string
	OrgID         string
	LogPayloads   bool
}

// Usage is one per-user, per-model, per-day usage counter row.
// Counters are monotonically non-decreasing within a day.
type Usage struct {
	UserID           string    `db:"user_id" json:"user_id"`
	Model            string    `db:"model" json:"model"`
	Day              time.Time `db:"day" json:"day"`
	RequestCount     int       `db:"request_count" json:"request_count"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens" json:"total_tokens"`
}

// InferenceLog is one per-request telemetry row.
type InferenceLog struct {
	ID               string    `db:"id" json:"id"`
	DeploymentID     string    `db:"deployment_id" json:"deployment_id"`
	UserID           string    `db:"user_id" json:"user_id"`
	Model            string    `db:"model" json:"model"`
	RequestPayload   JSONMap   `db:"request_payload" json:"request_payload,omitempty"`
	LatencyMs        int       `db:"latency_ms" json:"latency_ms"`
	TTFTMs           *int      `db:"ttft_ms" json:"ttft_ms,omitempty"`
	TokensPerSecond  *float64  `db:"tokens_per_second" json:"tokens_per_second,omitempty"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens" json:"total_tokens"`
	StatusCode       int       `db:"status_code" json:"status_code"`
	ErrorMessage     string    `db:"error_message" json:"error_message,omitempty"`
	IsStreaming      bool      `db:"is_streaming" json:"is_streaming"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
