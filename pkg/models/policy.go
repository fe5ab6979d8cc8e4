package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PolicyType enumerates the policy families attachable to an org or a
// deployment. A deployment-scoped policy overrides the org-scoped one of
// the same type.
type PolicyType string

// Policy types.
const (
	PolicyGuardrail      PolicyType = "guardrail"
	PolicyRag            PolicyType = "rag"
	PolicyPromptTemplate PolicyType = "prompt_template"
	PolicyRateLimit      PolicyType = "rate_limit"
	PolicyQuota          PolicyType = "quota"
)

// Policy is one persisted policy row.
type Policy struct {
	ID           string     `db:"id" json:"id"`
	OrgID        string     `db:"org_id" json:"org_id"`
	PolicyType   PolicyType `db:"policy_type" json:"policy_type"`
	DeploymentID *string    `db:"deployment_id" json:"deployment_id,omitempty"`
	Config       JSONMap    `db:"config" json:"config"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// GuardrailCfg configures content guardrail scanning.
type GuardrailCfg struct {
	Enabled              bool     `json:"enabled"`
	PIIEnabled           bool     `json:"pii_enabled"`
	PIIEntities          []string `json:"pii_entities,omitempty"`
	InputScanners        []string `json:"input_scanners,omitempty"`
	OutputScanners       []string `json:"output_scanners,omitempty"`
	CustomBannedKeywords []string `json:"custom_banned_keywords,omitempty"`
	ProceedOnViolation   bool     `json:"proceed_on_violation,omitempty"`
}

// PIIActive reports whether PII anonymization applies, honoring the legacy
// encoding that listed PII/Anonymize among the input scanners.
func (c GuardrailCfg) PIIActive() bool {
	if c.PIIEnabled {
		return true
	}
	for _, s := range c.InputScanners {
		if s == "PII" || s == "Anonymize" {
			return true
		}
	}
	return false
}

// RagCfg configures retrieval-augmented context injection.
type RagCfg struct {
	Enabled           bool   `json:"enabled"`
	DefaultCollection string `json:"default_collection,omitempty"`
	TopK              int    `json:"top_k,omitempty"`
}

// TemplateVarSource describes where one template variable is filled from.
type TemplateVarSource struct {
	Source       string `json:"source"` // rag | static | request
	CollectionID string `json:"collection_id,omitempty"`
	TopK         int    `json:"top_k,omitempty"`
	Value        string `json:"value,omitempty"`
	Key          string `json:"key,omitempty"`
}

// TemplateCfg configures system-prompt templating.
type TemplateCfg struct {
	Enabled         bool                         `json:"enabled"`
	BaseTemplateID  string                       `json:"base_template_id,omitempty"`
	Content         string                       `json:"content,omitempty"`
	VariableMapping map[string]TemplateVarSource `json:"variable_mapping,omitempty"`
}

// RateLimitCfg configures the per-deployment request-per-minute limit.
type RateLimitCfg struct {
	Enabled bool `json:"enabled"`
	RPM     int  `json:"rpm"`
}

// QuotaCfg configures per-user daily quotas.
type QuotaCfg struct {
	Enabled        bool `json:"enabled"`
	RequestsPerDay int  `json:"requests_per_day,omitempty"`
	TokensPerDay   int  `json:"tokens_per_day,omitempty"`
}

// PolicySet is the merged, typed policy bundle for one deployment.
type PolicySet struct {
	Guardrail GuardrailCfg `json:"guardrail"`
	Rag       RagCfg       `json:"rag"`
	Template  TemplateCfg  `json:"prompt_template"`
	RateLimit RateLimitCfg `json:"rate_limit"`
	Quota     QuotaCfg     `json:"quota"`
}

// decodeCfg unmarshals a raw policy config JSON into a typed struct.
func decodeCfg(raw JSONMap, out any) error {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// MergePolicies composes org-level policies with deployment-level overrides
// (deployment wins) into a typed PolicySet.
func MergePolicies(policies []Policy, deploymentID string) (*PolicySet, error) {
	merged := make(map[PolicyType]JSONMap)
	// Org-scoped first, deployment-scoped second so the override wins.
	for _, p := range policies {
		if p.DeploymentID == nil {
			merged[p.PolicyType] = p.Config
		}
	}
	for _, p := range policies {
		if p.DeploymentID != nil && *p.DeploymentID == deploymentID {
			merged[p.PolicyType] = p.Config
		}
	}

	set := &PolicySet{}
	for typ, target := range map[PolicyType]any{
		PolicyGuardrail:      &set.Guardrail,
		PolicyRag:            &set.Rag,
		PolicyPromptTemplate: &set.Template,
		PolicyRateLimit:      &set.RateLimit,
		PolicyQuota:          &set.Quota,
	} {
		if err := decodeCfg(merged[typ], target); err != nil {
			return nil, fmt.Errorf("decoding %s policy: %w", typ, err)
		}
	}
	return set, nil
}
