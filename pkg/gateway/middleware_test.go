package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermesh/infermesh/pkg/httpx"
	"github.com/infermesh/infermesh/pkg/models"
)

func TestClientIPPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"x-ip-address wins", map[string]string{
			"X-IP-Address":    "1.1.1.1",
			"X-Client-IP":     "2.2.2.2",
			"X-Forwarded-For": "3.3.3.3",
		}, "1.1.1.1"},
		{"x-client-ip next", map[string]string{
			"X-Client-IP":     "2.2.2.2",
			"X-Forwarded-For": "3.3.3.3",
		}, "2.2.2.2"},
		{"first forwarded-for entry", map[string]string{
			"X-Forwarded-For": "3.3.3.3, 10.0.0.1, 10.0.0.2",
		}, "3.3.3.3"},
		{"x-real-ip next", map[string]string{
			"X-Real-IP": "4.4.4.4",
		}, "4.4.4.4"},
		{"falls back to remote addr", nil, "192.0.2.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, clientIP(req))
		})
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))

	req.Header.Set("Authorization", "Bearer sk-abc")
	assert.Equal(t, "sk-abc", bearerToken(req))

	req.Header.Set("Authorization", "bearer sk-abc")
	assert.Equal(t, "sk-abc", bearerToken(req), "scheme is case-insensitive")

	req.Header.Set("Authorization", "Basic Zm9v")
	assert.Empty(t, bearerToken(req))
}

func TestRequestIDEchoedOnResponses(t *testing.T) {
	f := newFixture(runningContext("http://unused"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(httpx.HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(httpx.HeaderRequestID))

	// Generated when absent, including on error responses.
	rec = doJSONNoAuth(t, f.srv, http.MethodPost, "/v1/chat/completions", chatBody("hi"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(httpx.HeaderRequestID))
}

func TestListModels(t *testing.T) {
	f := newFixture(nil)
	f.srv.keys = &fakeKeys{key: &models.APIKey{ID: "key-1", OrgID: "org-1"}}
	f.catalog.deployments = []*models.Deployment{
		{ID: "dep-1", OrgID: "org-1", ModelName: "chat", State: models.StateRunning},
		{ID: "dep-2", OrgID: "org-1", ModelName: "embed", State: models.StateRunning},
	}

	rec := doJSON(t, f.srv, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chat"`)
	assert.Contains(t, rec.Body.String(), `"embed"`)
	assert.Contains(t, rec.Body.String(), `"list"`)
}

func TestListModelsScopedKey(t *testing.T) {
	f := newFixture(nil)
	depID := "dep-2"
	f.srv.keys = &fakeKeys{key: &models.APIKey{ID: "key-1", OrgID: "org-1", DeploymentID: &depID}}
	f.catalog.deployments = []*models.Deployment{
		{ID: "dep-1", OrgID: "org-1", ModelName: "chat", State: models.StateRunning},
		{ID: "dep-2", OrgID: "org-1", ModelName: "embed", State: models.StateRunning},
	}

	rec := doJSON(t, f.srv, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"chat"`)
	assert.Contains(t, rec.Body.String(), `"embed"`)
}

func TestListModelsUnknownKey(t *testing.T) {
	f := newFixture(nil)
	rec := doJSON(t, f.srv, http.MethodGet, "/v1/models", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
