package agentgraph

import (
	"regexp"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/expr"
)

// CompiledGraph is an immutable, validated graph ready for execution.
// Created by Graph.Compile(). Safe for concurrent use by multiple runs.
type CompiledGraph struct {
	name     string
	nodes    map[string]Node
	order    []string
	position map[string]int
	edges    []*compiledEdge

	// inbound and outbound index non-feedback edges only.
	inbound     map[string][]*compiledEdge
	outbound    map[string][]*compiledEdge
	feedbackOut map[string][]*compiledEdge

	entries    []string
	inputs     []string
	outputs    []string
	outputPath map[string]bool
	topo       []string
	loopBody   map[int][]string
	groups     []Group
}

type compiledEdge struct {
	Edge
	index     int
	pattern   *regexp.Regexp
	predicate *expr.Expression
}

// Name returns the graph name.
func (cg *CompiledGraph) Name() string { return cg.name }

// NodeIDs returns node IDs in declaration order.
func (cg *CompiledGraph) NodeIDs() []string {
	return append([]string(nil), cg.order...)
}

// Node returns the node with the given ID.
func (cg *CompiledGraph) Node(id string) (Node, bool) {
	n, ok := cg.nodes[id]
	return n, ok
}

// HasNode returns true if a node with the given ID exists.
func (cg *CompiledGraph) HasNode(id string) bool {
	_, ok := cg.nodes[id]
	return ok
}

// NodeCount returns the number of nodes.
func (cg *CompiledGraph) NodeCount() int { return len(cg.order) }

// Edges returns every edge in declaration order, feedback edges included.
func (cg *CompiledGraph) Edges() []Edge {
	out := make([]Edge, len(cg.edges))
	for i, e := range cg.edges {
		out[i] = e.Edge
	}
	return out
}

// Inbound returns the non-feedback edges targeting id.
func (cg *CompiledGraph) Inbound(id string) []Edge { return plain(cg.inbound[id]) }

// Outbound returns the non-feedback edges leaving id.
func (cg *CompiledGraph) Outbound(id string) []Edge { return plain(cg.outbound[id]) }

// Feedback returns the feedback edges leaving id.
func (cg *CompiledGraph) Feedback(id string) []Edge { return plain(cg.feedbackOut[id]) }

// Inputs returns the input nodes: nodes with the input role, or the entry
// nodes when none is declared.
func (cg *CompiledGraph) Inputs() []string { return append([]string(nil), cg.inputs...) }

// Outputs returns the designated output nodes: nodes with the output role,
// or the sinks when none is declared.
func (cg *CompiledGraph) Outputs() []string { return append([]string(nil), cg.outputs...) }

// Entries returns nodes without non-feedback inbound edges. They are ready
// when a run starts.
func (cg *CompiledGraph) Entries() []string { return append([]string(nil), cg.entries...) }

// OnOutputPath reports whether id is an output node or a non-feedback
// ancestor of one.
func (cg *CompiledGraph) OnOutputPath(id string) bool { return cg.outputPath[id] }

// TopologicalOrder returns node IDs ordered over non-feedback edges.
func (cg *CompiledGraph) TopologicalOrder() []string { return append([]string(nil), cg.topo...) }

// Groups returns the presentation groups.
func (cg *CompiledGraph) Groups() []Group { return append([]Group(nil), cg.groups...) }

func plain(edges []*compiledEdge) []Edge {
	if len(edges) == 0 {
		return nil
	}
	out := make([]Edge, len(edges))
	for i, e := range edges {
		out[i] = e.Edge
	}
	return out
}
