package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	agerrors "github.com/randalmurphal/agentgraph/pkg/agentgraph/errors"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, Groq, Ollama, vLLM).
type OpenAIClient struct {
	name    string
	model   string
	baseURL string
	http    *http.Client
	client  *openai.Client
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = url }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) OpenAIOption {
	return func(c *OpenAIClient) { c.model = model }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.http = hc }
}

// WithProviderName sets the provider identity reported in rate-limit errors.
func WithProviderName(name string) OpenAIOption {
	return func(c *OpenAIClient) { c.name = name }
}

// NewOpenAIClient creates a client authenticated with apiKey.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{name: "openai", model: openai.GPT4oMini}
	for _, opt := range opts {
		opt(c)
	}
	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	if c.http != nil {
		cfg.HTTPClient = c.http
	}
	c.client = openai.NewClientWithConfig(cfg)
	return c
}

// Name returns the provider identity.
func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) buildRequest(req CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	out := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
	}
	return out
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, c.wrap(ctx, "complete", err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError("complete", errors.New("provider returned no choices"), false)
	}

	out := &CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Duration:     time.Since(start),
		Usage: TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if out.Usage.IsZero() {
		out.Usage = EstimateUsage(req, out.Content)
	}
	return out, nil
}

// Stream implements Client.
func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	creq := c.buildRequest(req)
	creq.Stream = true
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, c.wrap(ctx, "stream", err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		var content strings.Builder
		var usage *TokenUsage
		send := func(chunk StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(StreamChunk{Error: c.wrap(ctx, "stream", err)})
				return
			}
			if resp.Usage != nil {
				usage = &TokenUsage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				content.WriteString(choice.Delta.Content)
				if !send(StreamChunk{Content: choice.Delta.Content}) {
					return
				}
			}
		}

		if usage == nil || usage.IsZero() {
			est := EstimateUsage(req, content.String())
			usage = &est
		}
		send(StreamChunk{Usage: usage, Done: true})
	}()
	return ch, nil
}

// wrap maps go-openai errors onto the shared error taxonomy so the traffic
// controller can recognise rate limits.
func (c *OpenAIClient) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return NewError(op, ctx.Err(), false)
	}

	status := 0
	msg := err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		msg = apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return NewError(op, &agerrors.RateLimitError{Provider: c.name, Err: err}, true)
	case status != 0:
		return NewError(op, &agerrors.HTTPError{StatusCode: status, Message: msg, Endpoint: c.name}, status >= 500)
	default:
		return NewError(op, err, false)
	}
}
