package agentgraph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph building and compilation.
var (
	// ErrInvalidGraph is wrapped by every structural validation error.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrEmptyGraph indicates Compile was called on a graph without nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrNodeNotFound indicates a reference to a node that does not exist.
	ErrNodeNotFound = errors.New("node not found")
)

// Sentinel errors for run control.
var (
	// ErrRunActive is returned by operations that require a finished run.
	ErrRunActive = errors.New("run is still active")

	// ErrRunFinished is returned by operations that require an active run.
	ErrRunFinished = errors.New("run has finished")

	// ErrNoPendingIntervention indicates a decision for a node that is not
	// waiting for approval.
	ErrNoPendingIntervention = errors.New("node is not waiting for approval")

	// ErrStepNotFound indicates a history index that does not exist.
	ErrStepNotFound = errors.New("history step not found")

	// ErrNilContext indicates a nil context was passed to Start or Run.
	ErrNilContext = errors.New("context cannot be nil")
)

// CycleError reports a cycle formed by non-feedback edges.
type CycleError struct {
	// NodeIDs lists the cycle in edge order; the last node links back to the first.
	NodeIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle over non-feedback edges: %s -> %s",
		strings.Join(e.NodeIDs, " -> "), e.NodeIDs[0])
}

func (e *CycleError) Unwrap() error { return ErrInvalidGraph }

// DanglingEdgeError reports an edge whose endpoint does not exist.
type DanglingEdgeError struct {
	Source  string
	Target  string
	Missing string
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s references unknown node %q", e.Source, e.Target, e.Missing)
}

func (e *DanglingEdgeError) Unwrap() []error { return []error{ErrInvalidGraph, ErrNodeNotFound} }

// RerouteError reports a reroute node without exactly one inbound edge.
type RerouteError struct {
	NodeID  string
	Inbound int
}

func (e *RerouteError) Error() string {
	return fmt.Sprintf("reroute node %s must have exactly one inbound edge, has %d", e.NodeID, e.Inbound)
}

func (e *RerouteError) Unwrap() error { return ErrInvalidGraph }

// UnknownRoleError reports a node type outside the enumerated roles.
type UnknownRoleError struct {
	NodeID string
	Type   string
}

func (e *UnknownRoleError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("unknown node type %q", e.Type)
	}
	return fmt.Sprintf("node %s: unknown node type %q", e.NodeID, e.Type)
}

func (e *UnknownRoleError) Unwrap() error { return ErrInvalidGraph }

// ConfigError reports an invalid node or edge setting.
type ConfigError struct {
	// Subject is the node ID or "source -> target" for edges.
	Subject string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Subject, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Subject, e.Reason)
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidGraph, e.Err}
	}
	return []error{ErrInvalidGraph}
}

// ErrorKind classifies node-local failures.
type ErrorKind string

const (
	ExecutionError     ErrorKind = "execution_error"
	AgreementViolation ErrorKind = "agreement_violation"
	RateLimited        ErrorKind = "rate_limited"
	Timeout            ErrorKind = "timeout"
	Rejected           ErrorKind = "rejected"
	Cancelled          ErrorKind = "cancelled"
	Misconfigured      ErrorKind = "misconfigured"
)

// NodeError is a node-local failure. It never aborts the run.
type NodeError struct {
	NodeID string
	Kind   ErrorKind
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err, or ExecutionError.
func KindOf(err error) ErrorKind {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return ExecutionError
}

// PanicError captures panic information from node execution.
// It includes the stack trace for debugging.
type PanicError struct {
	NodeID string
	Value  any
	Stack  string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}
