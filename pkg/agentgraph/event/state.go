package event

import (
	"sort"
	"sync"
)

// NodeState is a listener-side view of one node.
type NodeState struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Step   uint64 `json:"step"`
}

// NodeStates folds node_update and trace events into per-node state. An
// event at or below the node's last applied step is ignored, so duplicates
// and stale redeliveries do not change the result.
type NodeStates struct {
	mu     sync.RWMutex
	runID  string
	states map[string]NodeState
}

// NewNodeStates tracks nodes of runID. An empty runID accepts any run.
func NewNodeStates(runID string) *NodeStates {
	return &NodeStates{runID: runID, states: make(map[string]NodeState)}
}

// Apply merges evt and reports whether it changed anything.
func (n *NodeStates) Apply(evt Event) bool {
	if evt.NodeID == "" || (n.runID != "" && evt.RunID != n.runID) {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	cur, ok := n.states[evt.NodeID]
	if ok && evt.Step <= cur.Step {
		return false
	}

	next := cur
	next.NodeID = evt.NodeID
	switch data := evt.Data.(type) {
	case NodeUpdateData:
		next.Status = data.Status
		next.Error = data.Error
		if data.Output != "" || data.Status == "idle" {
			next.Output = data.Output
		}
	case TraceData:
		next.Output = data.Output
		if data.Status != "" {
			next.Status = data.Status
		}
	default:
		return false
	}
	next.Step = evt.Step
	n.states[evt.NodeID] = next
	return true
}

// Get returns the state of nodeID.
func (n *NodeStates) Get(nodeID string) (NodeState, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.states[nodeID]
	return s, ok
}

// All returns every tracked node, sorted by node ID.
func (n *NodeStates) All() []NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]NodeState, 0, len(n.states))
	for _, s := range n.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Reset forgets all state, for example after the run is replayed.
func (n *NodeStates) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = make(map[string]NodeState)
}
