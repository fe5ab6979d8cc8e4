package guardrail

import (
	"context"
	"fmt"

	"github.com/infermesh/infermesh/pkg/httpx"
)

// Client calls a remote filtration service over the internal API. Used
// when the gateways run as separate processes.
type Client struct {
	http    *httpx.Client
	baseURL string
}

// NewClient creates a remote scanner client.
func NewClient(http *httpx.Client, baseURL string) *Client {
	return &Client{http: http, baseURL: baseURL}
}

// ScanContent forwards the scan to the filtration service.
func (c *Client) ScanContent(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	var result ScanResult
	if err := c.http.PostJSON(ctx, c.baseURL+"/internal/guardrails/scan", req, &result); err != nil {
		return nil, fmt.Errorf("remote guardrail scan: %w", err)
	}
	return &result, nil
}
