package models

// Message is one turn of an OpenAI-style chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LastUserIndex returns the index of the last user message, or -1.
func LastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// ModelInfo is one entry of the GET /v1/models listing.
type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description,omitempty"`
}

// ModelsList is the OpenAI-compatible model listing envelope.
type ModelsList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// TokenUsage is the OpenAI usage block reported by upstreams.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
