package models

// CompletionRequest is the body accepted by the completion endpoint.
type CompletionRequest struct {
	Prompt   string `json:"prompt"`
	UseCache *bool  `json:"useCache,omitempty"`
}

// CacheEnabled returns the effective useCache flag (default true).
func (r CompletionRequest) CacheEnabled() bool {
	return r.UseCache == nil || *r.UseCache
}

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicRequest is an Anthropic /v1/messages request.
type AnthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// AnthropicContent represents a content block in an Anthropic response.
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicUsage holds token counts from an Anthropic response.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicResponse is an Anthropic /v1/messages response.
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []AnthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      *AnthropicUsage    `json:"usage,omitempty"`
}

// FirstText returns the first non-empty text block, if any.
func (r AnthropicResponse) FirstText() (string, bool) {
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			return c.Text, true
		}
	}
	return "", false
}

// ErrorResponse is the JSON body of every non-2xx gateway response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RateLimitedResponse is the JSON body of a 429 response.
type RateLimitedResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
	Limit      int    `json:"limit"`
	Current    int    `json:"current"`
	ResetTime  string `json:"resetTime,omitempty"`
}
