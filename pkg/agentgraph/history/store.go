// Package history records the append-only step log of each run.
//
// Every completed, failed or approval-pending node execution appends a Step
// holding the node's input and output, a deep copy of the blackboard and
// the serialized scheduler checkpoint taken right after the step. Replaying
// from step i restores that checkpoint and truncates later steps.
package history

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/blackboard"
)

// Step is one entry in a run's history.
type Step struct {
	Index      int                 `json:"index"`
	RunID      string              `json:"run_id"`
	NodeID     string              `json:"node_id"`
	NodeName   string              `json:"node_name,omitempty"`
	Input      string              `json:"input,omitempty"`
	Output     string              `json:"output,omitempty"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
	Blackboard blackboard.Snapshot `json:"blackboard,omitempty"`
	Outputs    map[string]string   `json:"outputs,omitempty"`
	Checkpoint json.RawMessage     `json:"checkpoint,omitempty"`
}

// Clone returns a deep copy.
func (s Step) Clone() Step {
	c := s
	c.Blackboard = s.Blackboard.Clone()
	if s.Outputs != nil {
		c.Outputs = make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			c.Outputs[k] = v
		}
	}
	if s.Checkpoint != nil {
		c.Checkpoint = append(json.RawMessage(nil), s.Checkpoint...)
	}
	return c
}

// Store persists run histories. Implementations must be safe for concurrent use.
type Store interface {
	// Append stores step as the next entry of its run and returns it with
	// Index assigned.
	Append(step Step) (Step, error)

	// List returns the retained steps of a run in index order.
	List(runID string) ([]Step, error)

	// Get returns one step. Returns ErrNotFound for unknown or evicted indexes.
	Get(runID string, index int) (Step, error)

	// Truncate removes every step with an index greater than last.
	Truncate(runID string, last int) error

	// DeleteRun removes the run's history.
	DeleteRun(runID string) error

	// Close releases any resources.
	Close() error
}

var (
	// ErrNotFound indicates a step doesn't exist.
	ErrNotFound = errors.New("history step not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("history store closed")
)
