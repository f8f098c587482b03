package benchmarks

import (
	"fmt"
	"testing"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph"
)

// BenchmarkNewGraph measures empty graph creation.
func BenchmarkNewGraph(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = agentgraph.NewGraph("bench")
	}
}

// BenchmarkAddNode measures adding a single node.
func BenchmarkAddNode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		agentgraph.NewGraph("bench").AddNode(agentgraph.Node{ID: "node", Role: agentgraph.ScriptRole{Script: "noop"}})
	}
}

// BenchmarkAddNode_100 measures adding 100 nodes.
func BenchmarkAddNode_100(b *testing.B) {
	for i := 0; i < b.N; i++ {
		g := agentgraph.NewGraph("bench")
		for j := 0; j < 100; j++ {
			g.AddNode(agentgraph.Node{ID: nodeID(j), Role: agentgraph.ScriptRole{Script: "noop"}})
		}
	}
}

func BenchmarkCompile_Linear_10(b *testing.B) {
	benchCompile(b, func() *agentgraph.Graph { return buildLinearGraph(10) })
}

func BenchmarkCompile_Linear_100(b *testing.B) {
	benchCompile(b, func() *agentgraph.Graph { return buildLinearGraph(100) })
}

func BenchmarkCompile_Wide_50(b *testing.B) {
	benchCompile(b, func() *agentgraph.Graph { return buildWideGraph(50) })
}

func BenchmarkCompile_Branching(b *testing.B) {
	benchCompile(b, buildBranchingGraph)
}

func benchCompile(b *testing.B, build func() *agentgraph.Graph) {
	b.Helper()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		g := build()
		b.StartTimer()
		_, _ = g.Compile()
	}
}

func nodeID(n int) string {
	return fmt.Sprintf("node%d", n)
}

// buildLinearGraph chains n script nodes between an input and an output.
func buildLinearGraph(n int) *agentgraph.Graph {
	g := agentgraph.NewGraph("linear").
		AddNode(agentgraph.Node{ID: "in", Role: agentgraph.InputRole{}}).
		AddNode(agentgraph.Node{ID: "out", Role: agentgraph.OutputRole{}})
	prev := "in"
	for i := 0; i < n; i++ {
		id := nodeID(i)
		g.AddNode(agentgraph.Node{ID: id, Role: agentgraph.ScriptRole{Script: "noop"}}).Connect(prev, id)
		prev = id
	}
	return g.Connect(prev, "out")
}

// buildWideGraph fans the input out to n parallel script nodes that all
// join at the output.
func buildWideGraph(n int) *agentgraph.Graph {
	g := agentgraph.NewGraph("wide").
		AddNode(agentgraph.Node{ID: "in", Role: agentgraph.InputRole{}}).
		AddNode(agentgraph.Node{ID: "out", Role: agentgraph.OutputRole{}})
	for i := 0; i < n; i++ {
		id := nodeID(i)
		g.AddNode(agentgraph.Node{ID: id, Role: agentgraph.ScriptRole{Script: "noop"}}).
			Connect("in", id).
			Connect(id, "out")
	}
	return g
}

// buildBranchingGraph routes on the prompt to one of two branches.
func buildBranchingGraph() *agentgraph.Graph {
	return agentgraph.NewGraph("branching").
		AddNode(agentgraph.Node{ID: "in", Role: agentgraph.InputRole{}}).
		AddNode(agentgraph.Node{ID: "route", Role: agentgraph.RouterRole{}}).
		AddNode(agentgraph.Node{ID: "left", Role: agentgraph.ScriptRole{Script: "noop"}}).
		AddNode(agentgraph.Node{ID: "right", Role: agentgraph.ScriptRole{Script: "noop"}}).
		AddNode(agentgraph.Node{ID: "out", Role: agentgraph.OutputRole{}}).
		Connect("in", "route").
		AddEdge(agentgraph.Edge{Source: "route", Target: "left", Label: "left"}).
		AddEdge(agentgraph.Edge{Source: "route", Target: "right", Label: "right"}).
		Connect("left", "out").
		Connect("right", "out")
}
