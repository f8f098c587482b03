package llm

import (
	"encoding/json"
	"time"
)

// CompletionRequest configures an LLM completion call.
type CompletionRequest struct {
	// Prompt configuration
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`

	// Model configuration
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	// Provider-specific options
	Options map[string]any `json:"options,omitempty"`
}

// Message is a conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Role identifies the message sender.
type Role string

// Standard message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// UserText returns the content of the last user message.
func (r CompletionRequest) UserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// CompletionResponse is the output of a completion call.
type CompletionResponse struct {
	Content      string        `json:"content"`
	Usage        TokenUsage    `json:"usage"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason"`
	Duration     time.Duration `json:"duration"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	// Estimated is set when the counts were derived from text length
	// rather than reported by the provider.
	Estimated bool `json:"estimated,omitempty"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.Estimated = u.Estimated || other.Estimated
}

// IsZero reports whether no tokens were recorded.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateUsage builds an estimated usage record for a request/response pair.
func EstimateUsage(req CompletionRequest, output string) TokenUsage {
	in := EstimateTokens(req.SystemPrompt)
	for _, m := range req.Messages {
		in += EstimateTokens(m.Content)
	}
	out := EstimateTokens(output)
	return TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out, Estimated: true}
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	// Thought is reasoning text that is not part of the answer.
	Thought string      `json:"thought,omitempty"`
	Content string      `json:"content,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"` // Only set in final chunk
	Done    bool        `json:"done"`
	Error   error       `json:"-"` // Non-nil if streaming failed
}

// MarshalJSON renders the chunk error as a string.
func (c StreamChunk) MarshalJSON() ([]byte, error) {
	type alias StreamChunk
	out := struct {
		alias
		Err string `json:"error,omitempty"`
	}{alias: alias(c)}
	if c.Error != nil {
		out.Err = c.Error.Error()
	}
	return json.Marshal(out)
}
