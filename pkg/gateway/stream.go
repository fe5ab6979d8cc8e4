package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/models"
	"github.com/infermesh/infermesh/pkg/provider"
)

// streamStats accumulates token counts during relay. Prompt and
// completion tokens come from upstream-reported usage frames; ttft is
// measured at the first non-empty content delta.
type streamStats struct {
	promptTokens     int
	completionTokens int
	ttftMs           *int
}

// callUpstream executes the non-streaming provider call and normalizes
// the response to the OpenAI schema.
func (s *Server) callUpstream(ctx context.Context, url string, headers map[string]string,
	payload map[string]any, adapter provider.RequestAdapter) (map[string]any, error) {
	resp, err := s.postUpstream(ctx, url, headers, payload)
	if err != nil {
		s.logger.Error("Upstream request failed", "url", url, "error", err)
		return nil, errServiceUnavailable("Upstream provider unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		s.logger.Error("Upstream read failed", "url", url, "error", err)
		return nil, errServiceUnavailable("Upstream provider unreachable")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Error("Upstream returned error", "url", url, "status", resp.StatusCode)
		return nil, errProvider(resp.StatusCode, string(data))
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errProvider(resp.StatusCode, "invalid JSON from upstream")
	}
	return adapter.TransformResponse(raw), nil
}

// streamUpstream relays the upstream SSE byte stream unmodified. The
// response is committed as text/event-stream before the first byte;
// upstream failures after that point are injected as an error frame.
// Accounting runs detached once the relay finishes, with whatever
// counts were observed.
func (s *Server) streamUpstream(c *echo.Context, url string, headers map[string]string,
	payload map[string]any, rc *models.ResolvedContext, model string,
	original map[string]any, start time.Time, release func()) error {

	resp, err := s.postUpstream(c.Request().Context(), url, headers, payload)
	if err != nil {
		release()
		s.logger.Error("Upstream stream open failed", "url", url, "error", err)
		return errServiceUnavailable("Upstream provider unreachable")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		release()
		return errProvider(resp.StatusCode, string(data))
	}

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	var stats streamStats
	s.relay(c, resp.Body, start, &stats)

	resp.Body.Close()
	release()
	go s.account(rc, model, original, start, stats, 200, true)
	return nil
}

// relay copies the SSE stream line by line, flushing each frame
// boundary unbuffered. A mid-stream read failure becomes an error frame
// so the client sees a well-formed terminal event.
func (s *Server) relay(c *echo.Context, body io.Reader, start time.Time, stats *streamStats) {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			stats.observe(line, start)
			if _, werr := c.Response().Write(line); werr != nil {
				// Client went away; drain stops here, accounting
				// keeps the partial counts.
				return
			}
			c.Response().(http.Flusher).Flush()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			s.logger.Error("Upstream stream failed mid-relay", "error", err)
			fmt.Fprintf(c.Response(), "data: {\"error\": \"Streaming Failed: %s\"}\n\n", err)
			c.Response().(http.Flusher).Flush()
			return
		}
	}
}

var dataPrefix = []byte("data:")

// observe parses one SSE line for usage and first-token timing without
// altering the relayed bytes.
func (st *streamStats) observe(line []byte, start time.Time) {
	payload, ok := bytes.CutPrefix(bytes.TrimSpace(line), dataPrefix)
	if !ok {
		return
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}

	var frame struct {
		Usage   *models.TokenUsage `json:"usage"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}

	if st.ttftMs == nil {
		for _, ch := range frame.Choices {
			if ch.Delta.Content != "" {
				ms := int(time.Since(start).Milliseconds())
				st.ttftMs = &ms
				break
			}
		}
	}
	if frame.Usage != nil {
		st.promptTokens = frame.Usage.PromptTokens
		st.completionTokens = frame.Usage.CompletionTokens
	}
}

// postUpstream issues the provider POST with the adapter headers.
func (s *Server) postUpstream(ctx context.Context, url string, headers map[string]string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling upstream payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return s.upstream.Do(req)
}
