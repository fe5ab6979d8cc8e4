package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseUpstream emits a fixed SSE stream, flushing each frame.
func sseUpstream(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			_, _ = w.Write([]byte(f))
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func streamingBody() map[string]any {
	body := chatBody("hi")
	body["stream"] = true
	return body
}

func TestStreamRelayIsByteTransparent(t *testing.T) {
	frames := []string{
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":4,\"total_tokens\":16}}\n\n",
		"data: [DONE]\n\n",
	}
	ts := sseUpstream(t, frames)
	f := newFixture(runningContext(ts.URL))

	rec := doJSON(t, f.srv, http.MethodPost, "/v1/chat/completions", streamingBody())
	require.Equal(t, http.StatusOK, rec.Code)

	// The relay forwards the exact upstream bytes.
	want := ""
	for _, fr := range frames {
		want += fr
	}
	assert.Equal(t, want, rec.Body.String())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)

	// Usage lands once, with the counts the upstream reported and a
	// ttft measured at the first content delta.
	require.Eventually(t, func() bool { return f.usage.trackCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 12, f.usage.tracked[0].PromptTokens)
	assert.Equal(t, 4, f.usage.tracked[0].CompletionTokens)

	require.Eventually(t, func() bool { return len(f.logs.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := f.logs.all()[0]
	assert.True(t, entry.IsStreaming)
	require.NotNil(t, entry.TTFTMs)
	assert.GreaterOrEqual(t, *entry.TTFTMs, 0)
}

func TestStreamUpstreamErrorBeforeBodyIsProviderError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)
	f := newFixture(runningContext(ts.URL))

	rec := doJSON(t, f.srv, http.MethodPost, "/v1/chat/completions", streamingBody())
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, CodeProviderError, decodeError(t, rec).Code)
}

func TestStreamMidwayFailureInjectsErrorFrame(t *testing.T) {
	first := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(first))
		w.(http.Flusher).Flush()

		// Kill the connection mid-stream.
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	t.Cleanup(ts.Close)
	f := newFixture(runningContext(ts.URL))

	rec := doJSON(t, f.srv, http.MethodPost, "/v1/chat/completions", streamingBody())
	require.Equal(t, http.StatusOK, rec.Code, "the stream had already committed")
	assert.Contains(t, rec.Body.String(), first)
	assert.Contains(t, rec.Body.String(), `data: {"error": "Streaming Failed:`)

	// Accounting still runs with the partial observations.
	require.Eventually(t, func() bool { return f.usage.trackCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
