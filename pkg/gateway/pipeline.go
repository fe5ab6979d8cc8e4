package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/sync/errgroup"

	"github.com/infermesh/infermesh/pkg/guardrail"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/prompt"
	"github.com/infermesh/infermesh/pkg/provider"
	"github.com/infermesh/infermesh/pkg/resolver"
)

// requestKind selects the upstream path and the validation rules.
type requestKind int

const (
	kindChat requestKind = iota
	kindEmbeddings
)

// standardFields are the OpenAI request fields. Everything else in the
// body is treated as a template variable for prompt processing.
var standardFields = map[string]struct{}{
	"messages": {}, "model": {}, "input": {}, "stream": {}, "stream_options": {},
	"temperature": {}, "top_p": {}, "n": {}, "stop": {}, "max_tokens": {},
	"presence_penalty": {}, "frequency_penalty": {}, "logit_bias": {}, "user": {},
	"logprobs": {}, "top_logprobs": {}, "seed": {}, "tools": {}, "tool_choice": {},
	"response_format": {}, "encoding_format": {}, "dimensions": {},
}

func (s *Server) chatCompletionsHandler(c *echo.Context) error {
	if err := s.handleInference(c, kindChat); err != nil {
		return s.writeError(c, err)
	}
	return nil
}

func (s *Server) embeddingsHandler(c *echo.Context) error {
	if err := s.handleInference(c, kindEmbeddings); err != nil {
		return s.writeError(c, err)
	}
	return nil
}

// handleInference runs the request pipeline: validate, resolve, rate
// limit, quota with parallel input scan, prompt processing, provider
// request build, bounded upstream call, output scan, and detached
// accounting.
func (s *Server) handleInference(c *echo.Context, kind requestKind) error {
	start := time.Now()
	ctx := c.Request().Context()

	rawKey := bearerToken(c.Request())
	if rawKey == "" {
		return errUnauthorized("Missing API key")
	}

	var body map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return errInvalidRequest("Request body must be valid JSON")
	}

	model, _ := body["model"].(string)
	if model == "" {
		return errInvalidRequest("Model is required")
	}

	var messages []models.Message
	switch kind {
	case kindChat:
		var err error
		if messages, err = parseMessages(body["messages"]); err != nil {
			return err
		}
	case kindEmbeddings:
		if body["input"] == nil {
			return errInvalidRequest("Input is required")
		}
	}

	rc, err := s.resolveContext(ctx, rawKey, model)
	if err != nil {
		return err
	}

	if rc.RateLimit.Enabled && rc.RateLimit.RPM > 0 {
		dec, err := s.rates.Allow(ctx, "deployment:"+rc.Deployment.ID, rc.RateLimit.RPM)
		if err != nil {
			s.logger.Error("Rate limit check failed", "deployment_id", rc.Deployment.ID, "error", err)
			return errServiceUnavailable("Rate limiter unavailable")
		}
		if !dec.Allowed {
			return errRateLimited(
				fmt.Sprintf("Rate limit exceeded. Limit: %d RPM.", rc.RateLimit.RPM),
				dec.RetryAfterSeconds())
		}
	}

	// Quota and input scan run concurrently; a quota failure cancels
	// the scan, and the group waits the cancellation out so a late
	// sanitization can never leak into a rejected request.
	var scanRes *guardrail.ScanResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.quota.Check(gctx, rc.UserIDContext, model, rc.Quota)
	})
	g.Go(func() error {
		var err error
		scanRes, err = s.scanInput(gctx, messages, rc)
		return err
	})
	if err := g.Wait(); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		s.logger.Error("Admission check failed", "deployment_id", rc.Deployment.ID, "error", err)
		return errServiceUnavailable("Admission checks unavailable")
	}
	messages = applySanitization(messages, scanRes)

	if kind == kindChat && (rc.Rag.Enabled || rc.Template.Enabled) {
		res, err := s.prompts.Process(ctx, &prompt.ProcessRequest{
			Messages:     messages,
			OrgID:        rc.OrgID,
			TemplateVars: templateVars(body),
			Template:     rc.Template,
			Rag:          rc.Rag,
		})
		if err != nil {
			// Fail closed: an unpoliced prompt never goes upstream.
			s.logger.Error("Prompt processing failed", "deployment_id", rc.Deployment.ID, "error", err)
			return errPromptProcessing()
		}
		messages = res.Messages
	}

	endpoint := strings.TrimSpace(rc.Deployment.Endpoint)
	if endpoint == "" {
		return errInternal("Deployment misconfiguration: no endpoint")
	}

	adapter := provider.ForEngine(rc.Deployment.Engine)
	path := adapter.ChatPath()
	if kind == kindEmbeddings {
		path = adapter.EmbeddingsPath()
	}
	url := provider.BuildFullURL(endpoint, path)
	headers := adapter.Headers(s.upstreamKey(rc.Deployment, endpoint))

	payload := make(map[string]any, len(body))
	for k, v := range body {
		payload[k] = v
	}
	if kind == kindChat {
		payload["messages"] = messages
	}
	payload["model"] = rc.Deployment.UpstreamModel()
	payload = adapter.TransformRequest(payload)

	release, ok := s.slots.Acquire(ctx, rc.Deployment.ID)
	if !ok {
		return errRateLimited("Upstream concurrency limit reached", 1)
	}

	if streaming, _ := body["stream"].(bool); streaming && kind == kindChat {
		return s.streamUpstream(c, url, headers, payload, rc, model, body, start, release)
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	resp, err := s.callUpstream(callCtx, url, headers, payload, adapter)
	if err != nil {
		return err
	}

	if kind == kindChat {
		if err := s.scanOutput(ctx, resp, messages, rc); err != nil {
			return err
		}
	}

	stats := statsFromResponse(resp)
	go s.account(rc, model, body, start, stats, 200, false)

	return c.JSON(200, resp)
}

// resolveContext maps resolver failures onto the error table.
func (s *Server) resolveContext(ctx context.Context, rawKey, model string) (*models.ResolvedContext, error) {
	rc, err := s.resolver.Resolve(ctx, rawKey, model)
	switch {
	case err == nil:
		return rc, nil
	case errors.Is(err, resolver.ErrUnauthorized):
		return nil, errUnauthorized("Invalid API key")
	case errors.Is(err, resolver.ErrKeyScope):
		return nil, errForbidden("API key is not authorized for this model")
	case errors.Is(err, resolver.ErrModelNotFound):
		return nil, errNotFound(fmt.Sprintf("Model %q not found", model))
	default:
		s.logger.Error("Context resolution failed", "model", model, "error", err)
		return nil, errServiceUnavailable("Context resolution unavailable")
	}
}

// scanInput scans only the last user message; scanning full history
// each turn is redundant. Returns the scan result for sanitization.
func (s *Server) scanInput(ctx context.Context, messages []models.Message, rc *models.ResolvedContext) (*guardrail.ScanResult, error) {
	cfg := rc.Guardrail
	if !cfg.Enabled && !cfg.PIIActive() {
		return nil, nil
	}

	idx := models.LastUserIndex(messages)
	if idx < 0 || idx != len(messages)-1 || messages[idx].Content == "" {
		return nil, nil
	}

	res, err := s.scanner.ScanContent(ctx, &guardrail.ScanRequest{
		Text:                 messages[idx].Content,
		ScanType:             guardrail.ScanInput,
		UserID:               rc.UserIDContext,
		InputScanners:        cfg.InputScanners,
		CustomBannedKeywords: cfg.CustomBannedKeywords,
		PIIEnabled:           cfg.PIIActive(),
		PIIEntities:          cfg.PIIEntities,
		ProceedOnViolation:   cfg.ProceedOnViolation,
	})
	if err != nil {
		return nil, fmt.Errorf("input scan: %w", err)
	}

	if !res.IsValid {
		if len(res.Violations) == 0 {
			return nil, errGuardrailViolation("Input violated guardrails", nil)
		}
		v := res.Violations[0]
		return nil, errGuardrailViolation(guardrail.BlockMessage(v.Scanner), v)
	}
	return res, nil
}

// scanOutput checks the assistant reply on the non-streaming path. The
// offending text is never returned to the caller.
func (s *Server) scanOutput(ctx context.Context, resp map[string]any, messages []models.Message, rc *models.ResolvedContext) error {
	if !rc.Guardrail.Enabled || len(rc.Guardrail.OutputScanners) == 0 {
		return nil
	}
	output := assistantContent(resp)
	if output == "" {
		return nil
	}

	contextText := ""
	if idx := models.LastUserIndex(messages); idx >= 0 {
		contextText = messages[idx].Content
	}

	res, err := s.scanner.ScanContent(ctx, &guardrail.ScanRequest{
		Text:           output,
		ScanType:       guardrail.ScanOutput,
		Context:        contextText,
		UserID:         rc.UserIDContext,
		OutputScanners: rc.Guardrail.OutputScanners,
	})
	if err != nil {
		s.logger.Error("Output scan failed", "deployment_id", rc.Deployment.ID, "error", err)
		return errServiceUnavailable("Output scan unavailable")
	}
	if !res.IsValid {
		return errGuardrailViolation("Output content violated guardrails", nil)
	}
	return nil
}

// upstreamKey resolves the upstream credential: the deployment's own
// credential first, then the provider-wide Nosana key for Nosana-hosted
// endpoints.
func (s *Server) upstreamKey(d *models.Deployment, endpoint string) string {
	if s.nosanaKey != "" && (d.Engine == models.EngineNosana || strings.Contains(endpoint, "nos.ci")) {
		return s.nosanaKey
	}
	return d.CredentialAPIKey()
}

func parseMessages(raw any) ([]models.Message, error) {
	if raw == nil {
		return nil, errInvalidRequest("Messages are required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, errInvalidRequest("Messages must be a list of role/content objects")
	}
	var out []models.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errInvalidRequest("Messages must be a list of role/content objects")
	}
	if len(out) == 0 {
		return nil, errInvalidRequest("Messages are required")
	}
	return out, nil
}

// applySanitization replaces the last user message with the redacted
// text when the input scan anonymized PII.
func applySanitization(messages []models.Message, res *guardrail.ScanResult) []models.Message {
	if res == nil || res.SanitizedText == "" {
		return messages
	}
	idx := models.LastUserIndex(messages)
	if idx < 0 || res.SanitizedText == messages[idx].Content {
		return messages
	}
	out := append([]models.Message(nil), messages...)
	out[idx].Content = res.SanitizedText
	return out
}

// templateVars collects the non-standard body fields as prompt template
// variables.
func templateVars(body map[string]any) map[string]string {
	vars := map[string]string{}
	for k, v := range body {
		if _, ok := standardFields[k]; ok {
			continue
		}
		if str, ok := v.(string); ok {
			vars[k] = str
		} else {
			vars[k] = fmt.Sprint(v)
		}
	}
	return vars
}

// assistantContent pulls choices[0].message.content from an upstream
// response.
func assistantContent(resp map[string]any) string {
	choices, _ := resp["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)
	content, _ := msg["content"].(string)
	return content
}

// statsFromResponse reads the upstream usage block.
func statsFromResponse(resp map[string]any) streamStats {
	var stats streamStats
	usage, _ := resp["usage"].(map[string]any)
	if usage == nil {
		return stats
	}
	if v, ok := usage["prompt_tokens"].(float64); ok {
		stats.promptTokens = int(v)
	}
	if v, ok := usage["completion_tokens"].(float64); ok {
		stats.completionTokens = int(v)
	}
	return stats
}
