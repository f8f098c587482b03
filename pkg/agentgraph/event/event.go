package event

import (
	"context"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	NodeUpdate       Type = "node_update"
	Thought          Type = "thought"
	Log              Type = "log"
	TokenUsage       Type = "token_usage"
	Trace            Type = "trace"
	WorkflowStarted  Type = "workflow_started"
	WorkflowComplete Type = "workflow_complete"
	Error            Type = "error"
	Intervention     Type = "intervention"
	BlackboardUpdate Type = "blackboard_update"
)

// Event is one emitted occurrence. Events are values and never mutated after emission.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id"`
	Step      uint64    `json:"step"`
	NodeID    string    `json:"node_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Emitter accepts events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, evt Event)

func (f EmitterFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) {})

// Multi fans each event out to every non-nil emitter in order.
func Multi(emitters ...Emitter) Emitter {
	var live []Emitter
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	return EmitterFunc(func(ctx context.Context, evt Event) {
		for _, e := range live {
			e.Emit(ctx, evt)
		}
	})
}

// NodeUpdateData reports a node status transition.
type NodeUpdateData struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// ThoughtData is one streamed fragment of a node's reasoning.
type ThoughtData struct {
	Fragment string `json:"fragment"`
	Done     bool   `json:"done,omitempty"`
}

// LogData is a human-readable progress line.
type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// TokenUsageData reports provider token consumption for one call.
type TokenUsageData struct {
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	Estimated    bool   `json:"estimated,omitempty"`
}

// TraceData records the input and output of a finished execution.
type TraceData struct {
	Input    string        `json:"input"`
	Output   string        `json:"output"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// WorkflowStartedData opens a run.
type WorkflowStartedData struct {
	Graph  string `json:"graph"`
	Prompt string `json:"prompt"`
}

// WorkflowCompleteData closes a run.
type WorkflowCompleteData struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	FailedNodes []string          `json:"failed_nodes,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
}

// ErrorData reports a node-local or run-level error.
type ErrorData struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// InterventionData announces a pending approval or its resolution.
type InterventionData struct {
	State    string `json:"state"`
	Decision string `json:"decision,omitempty"`
	Pending  string `json:"pending,omitempty"`
}

// BlackboardUpdateData reports a committed blackboard write.
type BlackboardUpdateData struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}
