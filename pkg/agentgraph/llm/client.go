// Package llm defines the provider contract used by agent and router nodes,
// together with a scripted mock, an OpenAI-compatible client and a
// provider registry.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/registry"
)

// Client is implemented by every LLM backend.
type Client interface {
	// Complete performs a blocking completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Stream returns a channel of chunks. The channel is closed after the
	// final chunk (Done or Error set).
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// Error wraps a provider failure with the operation that produced it.
type Error struct {
	Op        string
	Err       error
	Retryable bool
}

// NewError creates an Error.
func NewError(op string, err error, retryable bool) *Error {
	return &Error{Op: op, Err: err, Retryable: retryable}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Collect drains a stream into a response. onChunk, when non-nil, sees every
// chunk before it is accumulated.
func Collect(ctx context.Context, ch <-chan StreamChunk, onChunk func(StreamChunk)) (*CompletionResponse, error) {
	start := time.Now()
	var content strings.Builder
	resp := &CompletionResponse{FinishReason: "stop"}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				resp.Content = content.String()
				resp.Duration = time.Since(start)
				return resp, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if onChunk != nil {
				onChunk(chunk)
			}
			content.WriteString(chunk.Content)
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *registry.Registry[Client] {
	return registry.New[Client]("provider")
}
