package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one alternative returned by a non-streamed completion.
type Choice struct {
	Index        int    `json:"index"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type LLMResponse struct {
	// Content is every choice's text concatenated in index order.
	Content      string     `json:"content"`
	Choices      []Choice   `json:"choices"`
	FinishReason string     `json:"finish_reason"`
	Model        string     `json:"model,omitempty"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// CompletionProvider talks to an OpenAI-compatible chat completions API.
// Options understood by every provider: "max_tokens" and "temperature".
type CompletionProvider interface {
	Complete(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error)
	Stream(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*DeltaStream, error)
	GetDefaultModel() string
}
