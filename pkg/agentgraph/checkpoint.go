package agentgraph

import (
	"encoding/json"
	"errors"
	"fmt"
)

// checkpoint is the scheduler state stored with every history step. It is
// enough, together with the step's blackboard, to resume the run from that
// step.
type checkpoint struct {
	Nodes    map[string]nodeCheckpoint `json:"nodes"`
	Edges    []edgeState               `json:"edges"`
	Fired    map[int]int               `json:"fired,omitempty"`
	Disabled []int                     `json:"disabled,omitempty"`
}

type nodeCheckpoint struct {
	Status     Status    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Input      string    `json:"input,omitempty"`
	Error      string    `json:"error,omitempty"`
	Kind       ErrorKind `json:"kind,omitempty"`
	Executions int       `json:"executions"`
	Route      string    `json:"route,omitempty"`
	// Queued nodes were handed a task by a dispatch tag.
	Queued      bool   `json:"queued,omitempty"`
	QueuedInput string `json:"queued_input,omitempty"`
	Dispatches  int    `json:"dispatches,omitempty"`
}

// checkpoint encodes the current scheduler state. Must be called with r.mu held.
func (r *RunContext) checkpoint() (json.RawMessage, error) {
	cp := checkpoint{
		Nodes: make(map[string]nodeCheckpoint, len(r.nodes)),
		Edges: append([]edgeState(nil), r.edges...),
		Fired: make(map[int]int, len(r.fired)),
	}
	for id, n := range r.nodes {
		nc := nodeCheckpoint{
			Status:     n.status,
			Output:     n.output,
			Input:      n.input,
			Executions: n.executions,
			Route:      n.route,

			Queued:      n.queued,
			QueuedInput: n.queuedInput,
			Dispatches:  n.dispatches,
		}
		if n.err != nil {
			nc.Error = n.err.Error()
			nc.Kind = KindOf(n.err)
			var ne *NodeError
			if errors.As(n.err, &ne) && ne.Err != nil {
				nc.Error = ne.Err.Error()
			}
		}
		cp.Nodes[id] = nc
	}
	for idx, count := range r.fired {
		cp.Fired[idx] = count
	}
	for _, e := range r.graph.edges {
		if r.disabled[e.index] {
			cp.Disabled = append(cp.Disabled, e.index)
		}
	}
	return json.Marshal(cp)
}

func decodeCheckpoint(raw json.RawMessage) (checkpoint, error) {
	if len(raw) == 0 {
		return checkpoint{}, errors.New("step has no checkpoint")
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// restore rebuilds scheduler state from cp. Nodes that were running or
// waiting go back to idle and execute again, so that execution is not
// counted twice. Must be called with r.mu held.
func (r *RunContext) restore(cp checkpoint) {
	r.resetState()
	for _, id := range r.graph.order {
		nc, ok := cp.Nodes[id]
		if !ok {
			continue
		}
		n := r.nodes[id]
		n.status = nc.Status
		n.output = nc.Output
		n.input = nc.Input
		n.executions = nc.Executions
		n.route = nc.Route
		n.queued, n.queuedInput, n.dispatches = nc.Queued, nc.QueuedInput, nc.Dispatches
		if nc.Error != "" {
			n.err = &NodeError{NodeID: id, Kind: nc.Kind, Err: errors.New(nc.Error)}
		}
		if n.status == StatusRunning || n.status == StatusWaiting {
			n.status = StatusIdle
			if n.executions > 0 {
				n.executions--
			}
		}
	}
	if len(cp.Edges) == len(r.edges) {
		copy(r.edges, cp.Edges)
	}
	for idx, count := range cp.Fired {
		r.fired[idx] = count
	}
	for _, idx := range cp.Disabled {
		r.disabled[idx] = true
	}
}
