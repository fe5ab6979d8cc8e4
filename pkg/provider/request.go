package provider

import (
	"github.com/infermesh/infermesh/pkg/models"
)

// openAICompatible is the request adapter for engines speaking the
// OpenAI wire format natively: openai, vllm, vllm-omni, nosana jobs.
type openAICompatible struct{}

func (openAICompatible) ChatPath() string       { return "/v1/chat/completions" }
func (openAICompatible) EmbeddingsPath() string { return "/v1/embeddings" }

func (openAICompatible) Headers(apiKey string) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if apiKey != "" {
		h["Authorization"] = "Bearer " + apiKey
	}
	return h
}

func (openAICompatible) TransformRequest(payload map[string]any) map[string]any { return payload }
func (openAICompatible) TransformResponse(raw map[string]any) map[string]any    { return raw }

// ollamaAdapter uses Ollama's OpenAI compatibility surface but strips
// parameters it rejects.
type ollamaAdapter struct {
	openAICompatible
}

var ollamaUnsupported = []string{"logit_bias", "n", "presence_penalty", "frequency_penalty"}

func (ollamaAdapter) TransformRequest(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, k := range ollamaUnsupported {
		delete(out, k)
	}
	return out
}

// tritonAdapter fronts Triton's OpenAI-compatible frontend.
type tritonAdapter struct {
	openAICompatible
}

// embeddingAdapter is shared by the embedding-only engines (infinity,
// tei). Chat calls against these engines fail upstream with 404, which
// the gateway surfaces as-is.
type embeddingAdapter struct {
	openAICompatible
}

// ForEngine returns the request adapter for an engine. Unknown engines
// get the OpenAI-compatible passthrough, which is also the correct
// behavior for external deployments.
func ForEngine(engine models.Engine) RequestAdapter {
	switch engine {
	case models.EngineOllama:
		return ollamaAdapter{}
	case models.EngineTriton:
		return tritonAdapter{}
	case models.EngineInfinity, models.EngineTEI:
		return embeddingAdapter{}
	default:
		return openAICompatible{}
	}
}
