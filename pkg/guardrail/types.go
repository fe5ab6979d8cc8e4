// Package guardrail scans request and response content for safety
// violations and PII.
package guardrail

import "context"

// ScanType selects the direction being scanned.
type ScanType string

// Scan directions.
const (
	ScanInput  ScanType = "input"
	ScanOutput ScanType = "output"
)

// ScanRequest asks for one text to be scanned under a merged guardrail
// configuration.
type ScanRequest struct {
	Text                 string   `json:"text"`
	ScanType             ScanType `json:"scan_type"`
	UserID               string   `json:"user_id,omitempty"`
	Context              string   `json:"context,omitempty"`
	InputScanners        []string `json:"input_scanners,omitempty"`
	OutputScanners       []string `json:"output_scanners,omitempty"`
	CustomBannedKeywords []string `json:"custom_banned_keywords,omitempty"`
	PIIEnabled           bool     `json:"pii_enabled"`
	PIIEntities          []string `json:"pii_entities,omitempty"`
	ProceedOnViolation   bool     `json:"proceed_on_violation,omitempty"`
}

// Violation is one scanner finding.
type Violation struct {
	Scanner string  `json:"scanner"`
	Type    string  `json:"type"`
	Score   float64 `json:"score"`
	Details string  `json:"details,omitempty"`
}

// ScanResult is the outcome of a scan. IsValid false means the request
// must be rejected; sanitized text carries PII redactions.
type ScanResult struct {
	IsValid       bool        `json:"is_valid"`
	SanitizedText string      `json:"sanitized_text"`
	RiskScore     float64     `json:"risk_score"`
	Violations    []Violation `json:"violations"`
	ScanTimeMs    int64       `json:"scan_time_ms"`
	ActionsTaken  []string    `json:"actions_taken"`
}

// Scanner is one content check. Implementations must be safe for
// concurrent use.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, text string) (*Violation, error)
}

// ContentScanner is the surface the gateway pipeline calls. Satisfied by
// the in-process Engine and by the HTTP client when filtration runs as
// its own service.
type ContentScanner interface {
	ScanContent(ctx context.Context, req *ScanRequest) (*ScanResult, error)
}

// blockMessages maps scanner names to the message returned to callers.
// Unknown scanners fall back to a generic line.
var blockMessages = map[string]string{
	"Toxicity":        "Toxicity found",
	"PromptInjection": "Prompt injection found",
	"Secrets":         "Secrets detected",
	"Code":            "Code injection detected",
	"LlamaGuard":      "Safety violation found (Llama Guard)",
	"Lakera":          "Lakera Guard detected a violation",
}

// BlockMessage returns the caller-facing message for a blocking scanner.
func BlockMessage(scanner string) string {
	if msg, ok := blockMessages[scanner]; ok {
		return msg
	}
	return "Safety violation found: " + scanner
}
