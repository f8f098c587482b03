package agentgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/agreement"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/expr"
)

// Compile validates the graph and creates an immutable CompiledGraph.
// Returns an error if validation fails. Multiple errors are joined together;
// every structural error wraps ErrInvalidGraph.
//
// Validation checks:
//  1. The graph has at least one node
//  2. Roles, rules, timeouts and caps are well formed
//  3. Every edge references existing nodes
//  4. Edge conditions compile (regular expressions and predicates)
//  5. Non-feedback edges are acyclic (DFS coloring; reported as *CycleError)
//  6. Reroute nodes have exactly one inbound edge
//  7. Routers have at least one outbound edge
//  8. Feedback edges do not target input nodes
//
// Nodes unreachable from the input nodes are logged as warnings but do not
// cause compilation to fail.
func (g *Graph) Compile() (*CompiledGraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, ErrEmptyGraph)
	}

	var errs []error
	for _, id := range g.order {
		errs = append(errs, validateNode(g.nodes[id])...)
	}

	cg := &CompiledGraph{
		name:        g.name,
		nodes:       make(map[string]Node, len(g.nodes)),
		order:       append([]string(nil), g.order...),
		position:    make(map[string]int, len(g.order)),
		inbound:     make(map[string][]*compiledEdge),
		outbound:    make(map[string][]*compiledEdge),
		feedbackOut: make(map[string][]*compiledEdge),
		loopBody:    make(map[int][]string),
		groups:      append([]Group(nil), g.groups...),
	}
	for i, id := range g.order {
		cg.nodes[id] = g.nodes[id]
		cg.position[id] = i
	}

	dangling := false
	for i, e := range g.edges {
		ce, edgeErrs := g.compileEdge(i, e)
		if len(edgeErrs) > 0 {
			errs = append(errs, edgeErrs...)
			var de *DanglingEdgeError
			for _, err := range edgeErrs {
				if errors.As(err, &de) {
					dangling = true
				}
			}
			continue
		}
		cg.edges = append(cg.edges, ce)
		if ce.Feedback {
			cg.feedbackOut[ce.Source] = append(cg.feedbackOut[ce.Source], ce)
			continue
		}
		cg.outbound[ce.Source] = append(cg.outbound[ce.Source], ce)
		cg.inbound[ce.Target] = append(cg.inbound[ce.Target], ce)
	}

	for _, gr := range g.groups {
		for _, id := range gr.Nodes {
			if _, ok := g.nodes[id]; !ok {
				errs = append(errs, &ConfigError{
					Subject: "group " + gr.ID,
					Reason:  fmt.Sprintf("member %q does not exist", id),
					Err:     ErrNodeNotFound,
				})
			}
		}
	}

	// Structural checks need a complete edge set.
	if !dangling {
		if cycle := cg.findCycle(); cycle != nil {
			errs = append(errs, &CycleError{NodeIDs: cycle})
		}
		for _, id := range g.order {
			n := g.nodes[id]
			switch n.Role.(type) {
			case RerouteRole:
				in := 0
				for _, e := range g.edges {
					if e.Target == id {
						in++
					}
				}
				if in != 1 {
					errs = append(errs, &RerouteError{NodeID: id, Inbound: in})
				}
			case RouterRole:
				if len(cg.outbound[id]) == 0 {
					errs = append(errs, &ConfigError{Subject: id, Reason: "router has no outbound edges"})
				}
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	cg.finish()
	cg.warnUnreachableNodes()
	return cg, nil
}

func validateNode(n Node) []error {
	var errs []error
	bad := func(reason string, err error) {
		errs = append(errs, &ConfigError{Subject: n.ID, Reason: reason, Err: err})
	}

	switch r := n.Role.(type) {
	case AgentRole:
		if !IsAgentKind(r.Kind()) {
			errs = append(errs, &UnknownRoleError{NodeID: n.ID, Type: string(r.Type)})
		}
		if _, err := parseTier(r.Tier); err != nil {
			bad("invalid tier", err)
		}
		if r.TokenBudget < 0 {
			bad("token budget cannot be negative", nil)
		}
	case ScriptRole:
		if strings.TrimSpace(r.Script) == "" {
			bad("script name is required", nil)
		}
	case ToolRole:
		if strings.TrimSpace(r.Tool) == "" {
			bad("tool name is required", nil)
		}
	case MemoryRole:
		if strings.TrimSpace(r.Key) == "" {
			bad("memory key is required", nil)
		}
		switch r.Mode {
		case "", MemoryRead, MemoryWrite, MemoryAppend:
		default:
			bad(fmt.Sprintf("unknown memory mode %q", r.Mode), nil)
		}
	}

	if err := agreement.Validate(n.AgreementRules); err != nil {
		bad("agreement rules", err)
	}
	if n.Timeout < 0 {
		bad("timeout cannot be negative", nil)
	}
	if n.Retry < 0 {
		bad("retry cannot be negative", nil)
	}
	if n.MaxIterations < 0 {
		bad("max iterations cannot be negative", nil)
	}
	return errs
}

func (g *Graph) compileEdge(index int, e Edge) (*compiledEdge, []error) {
	var errs []error
	subject := e.String()

	for _, id := range []string{e.Source, e.Target} {
		if _, ok := g.nodes[id]; !ok {
			errs = append(errs, &DanglingEdgeError{Source: e.Source, Target: e.Target, Missing: id})
		}
	}

	ce := &compiledEdge{Edge: e, index: index}
	switch e.Condition.Kind {
	case ConditionNone:
	case ConditionCustom:
		re, err := regexp.Compile(e.Condition.Pattern)
		if err != nil {
			errs = append(errs, &ConfigError{Subject: subject, Reason: "invalid condition pattern", Err: err})
		}
		ce.pattern = re
	case ConditionPredicate:
		x, err := expr.Parse(e.Condition.Expression)
		if err != nil {
			errs = append(errs, &ConfigError{Subject: subject, Reason: "invalid condition predicate", Err: err})
		}
		ce.predicate = x
	default:
		errs = append(errs, &ConfigError{Subject: subject, Reason: fmt.Sprintf("unknown condition kind %q", e.Condition.Kind)})
	}

	switch e.Trigger {
	case "", OnSuccess, OnFailure, Always:
	default:
		errs = append(errs, &ConfigError{Subject: subject, Reason: fmt.Sprintf("unknown trigger %q", e.Trigger)})
	}

	if e.MaxIterations < 0 {
		errs = append(errs, &ConfigError{Subject: subject, Reason: "max iterations cannot be negative"})
	}
	if e.Feedback {
		if target, ok := g.nodes[e.Target]; ok && target.Kind() == KindInput {
			errs = append(errs, &ConfigError{Subject: subject, Reason: "feedback edge cannot target an input node"})
		}
		if e.Trigger == OnFailure {
			errs = append(errs, &ConfigError{Subject: subject, Reason: "feedback edges fire on success only"})
		}
	}
	return ce, errs
}

// findCycle runs a DFS coloring over non-feedback edges in declaration
// order and returns the first cycle found.
func (cg *CompiledGraph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(cg.order))
	var stack, cycle []string

	var visit func(u string) bool
	visit = func(u string) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, e := range cg.outbound[u] {
			switch color[e.Target] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == e.Target {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(e.Target) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for _, id := range cg.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// finish derives the indexes used by the scheduler.
func (cg *CompiledGraph) finish() {
	for _, id := range cg.order {
		if len(cg.inbound[id]) == 0 {
			cg.entries = append(cg.entries, id)
		}
		if cg.nodes[id].Kind() == KindInput {
			cg.inputs = append(cg.inputs, id)
		}
		if cg.nodes[id].Kind() == KindOutput {
			cg.outputs = append(cg.outputs, id)
		}
	}
	if len(cg.inputs) == 0 {
		cg.inputs = append([]string(nil), cg.entries...)
	}
	if len(cg.outputs) == 0 {
		for _, id := range cg.order {
			if len(cg.outbound[id]) == 0 {
				cg.outputs = append(cg.outputs, id)
			}
		}
	}

	cg.outputPath = cg.ancestors(cg.outputs...)
	cg.topo = cg.topologicalOrder()

	for _, e := range cg.edges {
		if !e.Feedback {
			continue
		}
		forward := cg.descendants(e.Target)
		backward := cg.ancestors(e.Source)
		body := []string{e.Target}
		for _, id := range cg.order {
			if id != e.Target && forward[id] && backward[id] {
				body = append(body, id)
			}
		}
		cg.loopBody[e.index] = body
	}
}

// ancestors returns ids plus every node with a non-feedback path to one of them.
func (cg *CompiledGraph) ancestors(ids ...string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), ids...)
	for _, id := range ids {
		seen[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range cg.inbound[cur] {
			if !seen[e.Source] {
				seen[e.Source] = true
				queue = append(queue, e.Source)
			}
		}
	}
	return seen
}

// descendants returns id plus every node reachable from it over non-feedback edges.
func (cg *CompiledGraph) descendants(id string) map[string]bool {
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range cg.outbound[cur] {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}

// topologicalOrder is Kahn's algorithm with ties broken by declaration order.
func (cg *CompiledGraph) topologicalOrder() []string {
	indeg := make(map[string]int, len(cg.order))
	for _, id := range cg.order {
		indeg[id] = len(cg.inbound[id])
	}
	out := make([]string, 0, len(cg.order))
	done := make(map[string]bool, len(cg.order))
	for len(out) < len(cg.order) {
		progressed := false
		for _, id := range cg.order {
			if done[id] || indeg[id] > 0 {
				continue
			}
			done[id] = true
			out = append(out, id)
			for _, e := range cg.outbound[id] {
				indeg[e.Target]--
			}
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	return out
}

// warnUnreachableNodes logs nodes not reachable from any input node.
func (cg *CompiledGraph) warnUnreachableNodes() {
	reachable := make(map[string]bool)
	queue := append([]string(nil), cg.inputs...)
	for _, id := range queue {
		reachable[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := append(append([]*compiledEdge(nil), cg.outbound[cur]...), cg.feedbackOut[cur]...)
		for _, e := range next {
			if !reachable[e.Target] {
				reachable[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	for _, id := range cg.order {
		if !reachable[id] {
			slog.Warn("node is unreachable from input", "graph", cg.name, "node_id", id)
		}
	}
}
