package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// CompleteFunc computes a mock response.
type CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

// MockClient is a scripted Client for tests and offline runs.
type MockClient struct {
	mu        sync.Mutex
	response  string
	responses []string
	index     int
	err       error
	fn        CompleteFunc
	delay     time.Duration
	thoughts  []string

	// Calls records every request in arrival order.
	Calls []CompletionRequest
}

// NewMockClient returns a mock that always answers with response.
func NewMockClient(response string) *MockClient {
	return &MockClient{response: response}
}

// NewSimulatedClient returns a mock that answers in the voice of the role
// named in the system prompt and streams progress thoughts.
func NewSimulatedClient(delay time.Duration) *MockClient {
	return NewMockClient("").
		WithCompleteFunc(Simulate).
		WithDelay(delay).
		WithThoughts(
			"Analyzing the request parameters...",
			"Formulating response strategy...",
			"Drafting response content...",
		)
}

// WithResponses makes the mock cycle through responses.
func (m *MockClient) WithResponses(responses ...string) *MockClient {
	m.responses = responses
	return m
}

// WithError makes every call fail with err.
func (m *MockClient) WithError(err error) *MockClient {
	m.err = err
	return m
}

// WithCompleteFunc computes responses with fn.
func (m *MockClient) WithCompleteFunc(fn CompleteFunc) *MockClient {
	m.fn = fn
	return m
}

// WithDelay makes each call wait d before answering.
func (m *MockClient) WithDelay(d time.Duration) *MockClient {
	m.delay = d
	return m
}

// WithThoughts streams the given fragments ahead of the content.
func (m *MockClient) WithThoughts(thoughts ...string) *MockClient {
	m.thoughts = thoughts
	return m
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	err := m.err
	fn := m.fn
	content := m.response
	if len(m.responses) > 0 {
		content = m.responses[m.index%len(m.responses)]
		m.index++
	}
	delay := m.delay
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}

	return &CompletionResponse{
		Content:      content,
		Usage:        EstimateUsage(req, content),
		Model:        "mock",
		FinishReason: "stop",
	}, nil
}

// Stream implements Client. Configured thoughts are sent first, then the
// whole content in a single final chunk.
func (m *MockClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	m.mu.Lock()
	err := m.err
	thoughts := append([]string(nil), m.thoughts...)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, len(thoughts)+1)
	go func() {
		defer close(ch)
		for _, t := range thoughts {
			select {
			case ch <- StreamChunk{Thought: t}:
			case <-ctx.Done():
				ch <- StreamChunk{Error: ctx.Err()}
				return
			}
		}
		resp, err := m.Complete(ctx, req)
		if err != nil {
			ch <- StreamChunk{Error: err}
			return
		}
		usage := resp.Usage
		ch <- StreamChunk{Content: resp.Content, Usage: &usage, Done: true}
	}()
	return ch, nil
}

// CallCount returns the number of Complete calls.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent request, or nil.
func (m *MockClient) LastCall() *CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	last := m.Calls[len(m.Calls)-1]
	return &last
}

// Reset clears recorded calls and rewinds the response sequence.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.index = 0
}

// Simulate produces a canned answer flavored by the role described in the
// system prompt: architects propose, critics object, auditors approve or
// reject depending on whether the critique reports a material breach.
func Simulate(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	system := strings.ToLower(req.SystemPrompt)
	user := req.UserText()

	var content string
	switch {
	case strings.Contains(system, "architect"), strings.Contains(system, "proposer"):
		content = proposal(user)
	case strings.Contains(system, "critic"), strings.Contains(system, "adversary"):
		content = critique(user)
	case strings.Contains(system, "auditor"), strings.Contains(system, "consensus"):
		if strings.Contains(strings.ToLower(user), "material breach") {
			content = "REJECT: Critical concerns identified require resolution."
		} else {
			content = "APPROVE: Proposal meets agreement parameters."
		}
	default:
		content = fmt.Sprintf("Mock response to: %s", truncate(user, 100))
	}

	return &CompletionResponse{
		Content:      content,
		Usage:        EstimateUsage(req, content),
		Model:        "mock",
		FinishReason: "stop",
	}, nil
}

func proposal(user string) string {
	return fmt.Sprintf(`**Proposal for: %s**

## Architecture Overview
1. **Core Module** - central processing
2. **API Layer** - authenticated interface
3. **Data Store** - persistent storage with caching`, truncate(user, 200))
}

func critique(user string) string {
	lower := strings.ToLower(user)
	for _, kw := range []string{"security", "login", "auth", "password"} {
		if strings.Contains(lower, kw) {
			return `## Critical Analysis
1. Security tier lacks specific encryption protocols
2. No rate limiting
3. Authentication flow unspecified - potential **Material Breach**`
		}
	}
	return `## Critical Analysis
The proposal is fundamentally sound but lacks a cost analysis.

**Overall:** Acceptable with noted improvements.`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
