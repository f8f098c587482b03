package agentgraph

import (
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/agreement"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/llm"
)

// Result is the outcome of one node execution: Success, Failure or
// NeedsApproval.
type Result interface {
	result()
}

// Success is a completed execution.
type Success struct {
	Output    string
	Artifacts map[string]any
	Usage     llm.TokenUsage
	Provider  string
	Model     string
	// Writes are committed to the blackboard by the scheduler, in order.
	Writes []Write
	// Route is the routing decision of a router node. Empty means the
	// decision is derived from Output.
	Route string
	// Rules holds the agreement outcomes, optional failures included.
	Rules []agreement.Outcome
	// Dispatches hand tasks to other nodes, which run again once this
	// result is committed.
	Dispatches []Dispatch
}

// Failure is a node-local failure. Err is normally a *NodeError.
type Failure struct {
	Err error
}

// Kind returns the failure's ErrorKind.
func (f Failure) Kind() ErrorKind { return KindOf(f.Err) }

// NeedsApproval holds a successful result until a human decides.
type NeedsApproval struct {
	// Pending is the output shown to the reviewer.
	Pending string
	// Deferred is committed when the decision is approve.
	Deferred Success
}

func (Success) result()       {}
func (Failure) result()       {}
func (NeedsApproval) result() {}

// Write is a blackboard mutation produced by a node.
type Write struct {
	Key   string
	Value any
	// Append adds Value to the list stored under Key instead of replacing it.
	Append bool
}

// Dispatch asks the scheduler to run Node, by ID or name, with Input as
// its task.
type Dispatch struct {
	Node  string
	Input string
}

// fail builds a Failure with a *NodeError.
func fail(nodeID string, kind ErrorKind, err error) Failure {
	return Failure{Err: &NodeError{NodeID: nodeID, Kind: kind, Err: err}}
}
