package gateway

import (
	"fmt"
	"net/http"
)

// Error codes surfaced in the OpenAI-style error envelope.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeGuardrailViolation     = "guardrail_violation"
	CodeUnauthorized           = "unauthorized"
	CodeForbidden              = "forbidden"
	CodeNotFound               = "not_found"
	CodeRateLimited            = "rate_limited"
	CodeQuotaExceeded          = "quota_exceeded"
	CodePromptProcessingFailed = "prompt_processing_failed"
	CodeInternalError          = "internal_error"
	CodeProviderError          = "provider_error"
	CodeServiceUnavailable     = "service_unavailable"
)

// APIError is a caller-visible request failure. It renders as
// {"error": {"code", "message", "details"}} with the HTTP status it
// carries.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	status     int
	retryAfter int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errorEnvelope is the wire shape of every non-200 response.
type errorEnvelope struct {
	Error *APIError `json:"error"`
}

func newAPIError(status int, code, message string) *APIError {
	return &APIError{Code: code, Message: message, status: status}
}

func errInvalidRequest(message string) *APIError {
	return newAPIError(http.StatusBadRequest, CodeInvalidRequest, message)
}

func errUnauthorized(message string) *APIError {
	return newAPIError(http.StatusUnauthorized, CodeUnauthorized, message)
}

func errForbidden(message string) *APIError {
	return newAPIError(http.StatusForbidden, CodeForbidden, message)
}

func errNotFound(message string) *APIError {
	return newAPIError(http.StatusNotFound, CodeNotFound, message)
}

// errRateLimited carries the Retry-After seconds alongside the envelope.
func errRateLimited(message string, retryAfter int) *APIError {
	e := newAPIError(http.StatusTooManyRequests, CodeRateLimited, message)
	e.retryAfter = retryAfter
	return e
}

func errQuotaExceeded(message string) *APIError {
	return newAPIError(http.StatusTooManyRequests, CodeQuotaExceeded, message)
}

// errGuardrailViolation attaches the first violation so callers can see
// which scanner fired.
func errGuardrailViolation(message string, violation any) *APIError {
	e := newAPIError(http.StatusBadRequest, CodeGuardrailViolation, message)
	e.Details = violation
	return e
}

func errPromptProcessing() *APIError {
	return newAPIError(http.StatusInternalServerError, CodePromptProcessingFailed, "Prompt processing failed")
}

// errProvider reports a non-2xx upstream answer with the upstream status
// and body excerpt in the details.
func errProvider(upstreamStatus int, body string) *APIError {
	if len(body) > 512 {
		body = body[:512]
	}
	e := newAPIError(http.StatusBadGateway, CodeProviderError,
		fmt.Sprintf("Provider returned status %d", upstreamStatus))
	e.Details = map[string]any{"upstream_status": upstreamStatus, "upstream_body": body}
	return e
}

func errServiceUnavailable(message string) *APIError {
	return newAPIError(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

func errInternal(message string) *APIError {
	return newAPIError(http.StatusInternalServerError, CodeInternalError, message)
}
