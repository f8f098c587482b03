package agentgraph

import (
	"fmt"
	"strings"
	"sync"
)

// Graph is a mutable builder for workflow graphs.
// Use NewGraph to create a new graph, then chain AddNode and AddEdge calls.
//
// Graph is NOT thread-safe during building. Use a single goroutine to
// construct the graph, then call Compile() to create an immutable
// CompiledGraph that can be shared between runs.
//
// Example:
//
//	graph := agentgraph.NewGraph("debate").
//	    AddNode(agentgraph.Node{ID: "in", Role: agentgraph.InputRole{}}).
//	    AddNode(agentgraph.Node{ID: "author", Role: agentgraph.AgentRole{Provider: "mock"}}).
//	    Connect("in", "author")
//
//	compiled, err := graph.Compile()
type Graph struct {
	mu     sync.RWMutex
	name   string
	nodes  map[string]Node
	order  []string
	edges  []Edge
	groups []Group
}

// NewGraph creates an empty graph builder.
func NewGraph(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]Node),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// AddNode adds a node to the graph.
// Returns the graph for method chaining.
//
// Panics if:
//   - the ID is empty or contains whitespace
//   - the role is nil
//   - the ID already exists in the graph
func (g *Graph) AddNode(n Node) *Graph {
	if n.ID == "" {
		panic("agentgraph: node ID cannot be empty")
	}
	if strings.ContainsAny(n.ID, " \t\n\r") {
		panic("agentgraph: node ID cannot contain whitespace")
	}
	if n.Role == nil {
		panic(fmt.Sprintf("agentgraph: node %s has no role", n.ID))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		panic(fmt.Sprintf("agentgraph: duplicate node ID: %s", n.ID))
	}
	n.AgreementRules = append(n.AgreementRules[:0:0], n.AgreementRules...)
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return g
}

// AddEdge adds an edge. Endpoints are validated by Compile, so edges may be
// added before their nodes.
func (g *Graph) AddEdge(e Edge) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges = append(g.edges, e)
	return g
}

// Connect adds a plain forward edge.
func (g *Graph) Connect(from, to string) *Graph {
	return g.AddEdge(Edge{Source: from, Target: to})
}

// AddFeedback adds a feedback edge capped at maxIterations executions of
// the target (zero uses the node or engine default).
func (g *Graph) AddFeedback(from, to string, maxIterations int) *Graph {
	return g.AddEdge(Edge{Source: from, Target: to, Feedback: true, MaxIterations: maxIterations})
}

// AddGroup adds a presentation group.
//
// Panics if the group ID is empty.
func (g *Graph) AddGroup(gr Group) *Graph {
	if gr.ID == "" {
		panic("agentgraph: group ID cannot be empty")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	gr.Nodes = append([]string(nil), gr.Nodes...)
	g.groups = append(g.groups, gr)
	return g
}
