// Package httpx is the shared client for service-to-service HTTP calls.
// Every call carries the internal auth header and the request ID, and
// flows through a circuit breaker so one dead dependency does not tie up
// gateway goroutines.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Header names used on internal hops.
const (
	HeaderInternalKey = "X-Internal-API-Key"
	HeaderRequestID   = "X-Request-ID"
)

type requestIDKey struct{}

// WithRequestID stores the request ID for propagation on outbound calls.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the propagated request ID, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Client calls internal services with auth, tracing, and breaker wiring.
type Client struct {
	http        *http.Client
	internalKey string
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
}

// NewClient creates an internal client. The breaker opens after ten
// consecutive failures and probes again after 30 seconds.
func NewClient(internalKey string, timeout time.Duration, logger *slog.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "internal-http",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		http:        &http.Client{Timeout: timeout},
		internalKey: internalKey,
		breaker:     cb,
		logger:      logger,
	}
}

// PostJSON sends a JSON body and decodes a JSON response into out.
// Non-2xx responses become errors carrying the status and body excerpt.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request for %s: %w", url, err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderInternalKey, c.internalKey)
		if id := RequestIDFrom(ctx); id != "" {
			req.Header.Set(HeaderRequestID, id)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("calling %s: %w", url, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("reading response from %s: %w", url, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Status: resp.StatusCode, Body: string(data)}
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return nil, fmt.Errorf("decoding response from %s: %w", url, err)
			}
		}
		return nil, nil
	})
	return err
}

// StatusError is a non-2xx internal response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("internal call failed with status %d: %s", e.Status, body)
}
