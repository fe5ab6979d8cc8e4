package guardrail

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine evaluates guardrail scans in process. PII anonymization and the
// content scanners run in parallel; the scanners always see the raw
// text, never the redacted one.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an in-process scan engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// ScanContent runs the configured scanners and merges the results.
// A violation from any scanner marks the result invalid unless the
// deployment opted into proceed_on_violation. PII findings never block;
// they surface as the sanitized text plus an "anonymized" action.
func (e *Engine) ScanContent(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	start := time.Now()

	names := req.InputScanners
	if req.ScanType == ScanOutput {
		names = req.OutputScanners
	}

	var (
		mu         sync.Mutex
		violations []Violation
	)

	g, gctx := errgroup.WithContext(ctx)

	sanitized := req.Text
	var piiViolations []Violation
	if req.PIIEnabled {
		g.Go(func() error {
			sanitized, piiViolations = anonymize(req.Text, req.PIIEntities)
			return nil
		})
	}

	for _, name := range names {
		sc := scannerFor(name, req.CustomBannedKeywords)
		if sc == nil {
			e.logger.Debug("Skipping scanner without a local engine", "scanner", name)
			continue
		}
		g.Go(func() error {
			v, err := sc.Scan(gctx, req.Text)
			if err != nil {
				return err
			}
			if v != nil {
				mu.Lock()
				violations = append(violations, *v)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &ScanResult{
		IsValid:       true,
		SanitizedText: req.Text,
		Violations:    violations,
		ActionsTaken:  []string{},
	}

	for _, v := range violations {
		if v.Score > result.RiskScore {
			result.RiskScore = v.Score
		}
	}
	if len(violations) > 0 && !req.ProceedOnViolation {
		result.IsValid = false
	}

	// PII redaction merges last: violations are appended and the
	// sanitized text wins, but it never invalidates the request.
	if len(piiViolations) > 0 {
		result.Violations = append(result.Violations, piiViolations...)
	}
	if sanitized != req.Text {
		result.SanitizedText = sanitized
		result.ActionsTaken = append(result.ActionsTaken, "anonymized")
	}

	result.ScanTimeMs = time.Since(start).Milliseconds()
	return result, nil
}
