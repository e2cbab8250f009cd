package models

import "encoding/json"

// ChatMessage is a single conversation turn in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the admission/routing endpoint payload. The shape
// follows the OpenAI chat completion request so machines can be called
// without translation.
type ChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ChatMessage   `json:"messages"`
	Stream    bool            `json:"stream"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	MaxTokens *int            `json:"max_tokens,omitempty"`
}

// Usage carries the token counts extracted from a completed response or
// from the final chunk of a stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// VerifyRequest fans the same messages out to several models and
// aggregates their yes/no judgments.
type VerifyRequest struct {
	Models   []string      `json:"models"`
	Messages []ChatMessage `json:"messages"`
	MinYes   int           `json:"min_yes"`
}

// VerifyBranch is the judgment of a single fan-out branch.
type VerifyBranch struct {
	Machine MachineInfo `json:"machine"`
	Model   string      `json:"model"`
	Result  string      `json:"result"`
	Error   string      `json:"error,omitempty"`
}

// VerifyResponse is the aggregated fan-out verdict.
type VerifyResponse struct {
	Result  string         `json:"result"`
	Results []VerifyBranch `json:"results"`
}
