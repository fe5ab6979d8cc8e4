// Package prompt assembles the final message list sent upstream:
// retrieval context injection and system-prompt templating.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/infermesh/infermesh/pkg/httpx"
)

// Retriever fetches retrieval context for a query. Implementations are
// expected to return an empty string, not an error, when the collection
// has no relevant documents.
type Retriever interface {
	AssembleContext(ctx context.Context, query, collection, orgID string, topK int) (string, error)
}

// HTTPRetriever calls an external retrieval service.
type HTTPRetriever struct {
	http    *httpx.Client
	baseURL string
}

// NewHTTPRetriever creates a retriever backed by the retrieval service.
func NewHTTPRetriever(http *httpx.Client, baseURL string) *HTTPRetriever {
	return &HTTPRetriever{http: http, baseURL: baseURL}
}

type retrieveRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
	OrgID      string `json:"org_id"`
	TopK       int    `json:"top_k"`
}

type retrieveResponse struct {
	Chunks []string `json:"chunks"`
}

// AssembleContext fetches the top-k chunks and joins them into one
// context block.
func (r *HTTPRetriever) AssembleContext(ctx context.Context, query, collection, orgID string, topK int) (string, error) {
	var resp retrieveResponse
	req := retrieveRequest{Query: query, Collection: collection, OrgID: orgID, TopK: topK}
	if err := r.http.PostJSON(ctx, r.baseURL+"/internal/rag/retrieve", req, &resp); err != nil {
		return "", fmt.Errorf("retrieving context: %w", err)
	}
	return strings.Join(resp.Chunks, "\n\n"), nil
}

// NoopRetriever returns no context. Used when no retrieval backend is
// configured.
type NoopRetriever struct{}

// AssembleContext always returns empty context.
func (NoopRetriever) AssembleContext(context.Context, string, string, string, int) (string, error) {
	return "", nil
}
