package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infermesh/infermesh/pkg/config"
	"github.com/infermesh/infermesh/pkg/guardrail"
	"github.com/infermesh/infermesh/pkg/limiter"
	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/prompt"
	"github.com/infermesh/infermesh/pkg/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	rc  *models.ResolvedContext
	err error
}

func (f *fakeResolver) Resolve(context.Context, string, string) (*models.ResolvedContext, error) {
	return f.rc, f.err
}

type fakeKeys struct {
	key *models.APIKey
}

func (f *fakeKeys) GetByHash(context.Context, string) (*models.APIKey, error) {
	if f.key == nil {
		return nil, store.ErrNotFound
	}
	return f.key, nil
}

type fakeRates struct {
	dec limiter.Decision
	err error
}

func (f *fakeRates) Allow(context.Context, string, int) (limiter.Decision, error) {
	return f.dec, f.err
}

// fakeScanner serves canned per-direction results and records every
// request. With block set, it waits for context cancellation first.
type fakeScanner struct {
	mu        sync.Mutex
	inputRes  *guardrail.ScanResult
	outputRes *guardrail.ScanResult
	err       error
	block     bool

	reqs   []*guardrail.ScanRequest
	ctxErr error
}

func (f *fakeScanner) ScanContent(ctx context.Context, req *guardrail.ScanRequest) (*guardrail.ScanResult, error) {
	if f.block {
		<-ctx.Done()
		f.mu.Lock()
		f.ctxErr = ctx.Err()
		f.mu.Unlock()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if req.ScanType == guardrail.ScanOutput {
		if f.outputRes != nil {
			return f.outputRes, nil
		}
		return &guardrail.ScanResult{IsValid: true, SanitizedText: req.Text}, nil
	}
	if f.inputRes != nil {
		return f.inputRes, nil
	}
	return &guardrail.ScanResult{IsValid: true, SanitizedText: req.Text}, nil
}

func (f *fakeScanner) requests() []*guardrail.ScanRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*guardrail.ScanRequest(nil), f.reqs...)
}

type fakePrompt struct {
	fn func(*prompt.ProcessRequest) (*prompt.ProcessResult, error)
}

func (f *fakePrompt) Process(_ context.Context, req *prompt.ProcessRequest) (*prompt.ProcessResult, error) {
	if f.fn == nil {
		return &prompt.ProcessResult{Messages: req.Messages}, nil
	}
	return f.fn(req)
}

// fakeUsage backs both the quota checker and the accounting tracker.
type fakeUsage struct {
	mu       sync.Mutex
	today    *models.Usage
	getCalls int
	tracked  []models.TokenUsage
}

func (f *fakeUsage) GetToday(_ context.Context, userID, model string) (*models.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.today != nil {
		return f.today, nil
	}
	return &models.Usage{UserID: userID, Model: model}, nil
}

func (f *fakeUsage) Track(_ context.Context, _, _ string, usage models.TokenUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, usage)
	return nil
}

func (f *fakeUsage) trackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracked)
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []*models.InferenceLog
}

func (f *fakeLogs) Create(_ context.Context, l *models.InferenceLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, l)
	return nil
}

func (f *fakeLogs) all() []*models.InferenceLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.InferenceLog(nil), f.entries...)
}

type fakeCatalog struct {
	deployments []*models.Deployment
}

func (f *fakeCatalog) List(context.Context, string, []models.DeploymentState) ([]*models.Deployment, error) {
	return f.deployments, nil
}

// fixture bundles a gateway server with every fake it talks to.
type fixture struct {
	srv     *Server
	res     *fakeResolver
	rates   *fakeRates
	scanner *fakeScanner
	prompts *fakePrompt
	usage   *fakeUsage
	logs    *fakeLogs
	catalog *fakeCatalog
}

func newFixture(rc *models.ResolvedContext) *fixture {
	f := &fixture{
		res:     &fakeResolver{rc: rc},
		rates:   &fakeRates{dec: limiter.Decision{Allowed: true}},
		scanner: &fakeScanner{},
		prompts: &fakePrompt{},
		usage:   &fakeUsage{},
		logs:    &fakeLogs{},
		catalog: &fakeCatalog{},
	}
	cfg := &config.Settings{
		UpstreamTimeout:      5 * time.Second,
		NosanaInternalAPIKey: "nosana-secret",
	}
	f.srv = NewServer(cfg, f.res, &fakeKeys{}, f.rates,
		NewQuotaChecker(f.usage, time.Second), f.scanner, f.prompts,
		limiter.NewConcurrencyLimiter(0, 4, time.Second),
		f.usage, f.logs, f.catalog, discardLogger())
	return f
}

// runningContext builds a resolved context for a RUNNING vLLM deployment.
func runningContext(endpoint string) *models.ResolvedContext {
	return &models.ResolvedContext{
		Deployment: &models.Deployment{
			ID:             "dep-1",
			OrgID:          "org-1",
			ModelName:      "chat",
			InferenceModel: "meta-llama/Llama-3.1-8B-Instruct",
			Engine:         models.EngineVLLM,
			Endpoint:       endpoint,
			State:          models.StateRunning,
		},
		UserIDContext: "apikey:key-1",
		OrgID:         "org-1",
	}
}

func chatBody(content string) map[string]any {
	return map[string]any{
		"model": "chat",
		"messages": []map[string]any{
			{"role": "user", "content": content},
		},
	}
}

// doJSON drives one request through the full routing tree.
func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// doJSONNoAuth is doJSON without the Authorization header.
func doJSONNoAuth(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *APIError {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	return env.Error
}

// upstreamRecorder is an httptest origin that captures what the gateway
// sent and answers with a canned OpenAI response.
type upstreamRecorder struct {
	mu       sync.Mutex
	calls    int
	path     string
	auth     string
	payload  map[string]any
	status   int
	response map[string]any
}

func newUpstream(response map[string]any) *upstreamRecorder {
	return &upstreamRecorder{status: http.StatusOK, response: response}
}

func (u *upstreamRecorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.calls++
		u.path = r.URL.Path
		u.auth = r.Header.Get("Authorization")
		u.payload = map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&u.payload)
		status := u.status
		resp := u.response
		u.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (u *upstreamRecorder) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *upstreamRecorder) sentPayload() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.payload
}

// chatResponse is a minimal OpenAI chat completion answer.
func chatResponse(content string, promptTokens, completionTokens int) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-123",
		"object": "chat.completion",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
}
