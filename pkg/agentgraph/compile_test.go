package agentgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/agreement"
)

// TestCompile_EmptyGraph tests that graphs without nodes are rejected.
func TestCompile_EmptyGraph(t *testing.T) {
	_, err := NewGraph("empty").Compile()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidGraph)
	assert.ErrorIs(t, err, ErrEmptyGraph)
}

// TestCompile_Linear tests the derived structure of a simple chain.
func TestCompile_Linear(t *testing.T) {
	cg := mustCompile(t, linear("chain", agent("a"), agent("b")))

	assert.Equal(t, "chain", cg.Name())
	assert.Equal(t, 4, cg.NodeCount())
	assert.Equal(t, []string{"in"}, cg.Inputs())
	assert.Equal(t, []string{"out"}, cg.Outputs())
	assert.Equal(t, []string{"in", "a", "b", "out"}, cg.TopologicalOrder())
	assert.True(t, cg.OnOutputPath("a"))
	assert.Len(t, cg.Inbound("b"), 1)
	assert.Len(t, cg.Outbound("b"), 1)
}

// TestCompile_SinksAreOutputsWithoutOutputNodes tests the output fallback.
func TestCompile_SinksAreOutputsWithoutOutputNodes(t *testing.T) {
	cg := mustCompile(t, NewGraph("fan").
		AddNode(agent("a")).
		AddNode(agent("b")).
		AddNode(agent("c")).
		Connect("a", "b").
		Connect("a", "c"))

	assert.Equal(t, []string{"a"}, cg.Entries())
	assert.Equal(t, []string{"a"}, cg.Inputs())
	assert.Equal(t, []string{"b", "c"}, cg.Outputs())
}

// TestCompile_Cycle tests that cycles over non-feedback edges are rejected.
func TestCompile_Cycle(t *testing.T) {
	_, err := NewGraph("cycle").
		AddNode(agent("a")).
		AddNode(agent("b")).
		AddNode(agent("c")).
		Connect("a", "b").
		Connect("b", "c").
		Connect("c", "a").
		Compile()

	require.Error(t, err)
	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ce.NodeIDs)
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

// TestCompile_FeedbackIsNotACycle tests that feedback edges may close loops.
func TestCompile_FeedbackIsNotACycle(t *testing.T) {
	cg := mustCompile(t, linear("loop", agent("author"), agent("critic")).
		AddFeedback("critic", "author", 3))

	assert.Len(t, cg.Feedback("critic"), 1)
	assert.Empty(t, cg.Inbound("in"))
}

// TestCompile_DanglingEdge tests edges to missing nodes.
func TestCompile_DanglingEdge(t *testing.T) {
	_, err := NewGraph("dangling").
		AddNode(agent("a")).
		Connect("a", "ghost").
		Connect("phantom", "a").
		Compile()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	var de *DanglingEdgeError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, err.Error(), "ghost")
	assert.Contains(t, err.Error(), "phantom")
}

// TestCompile_Reroute tests the one-inbound-edge rule for reroute nodes.
func TestCompile_Reroute(t *testing.T) {
	_, err := NewGraph("reroute").
		AddNode(agent("a")).
		AddNode(agent("b")).
		AddNode(Node{ID: "r", Role: RerouteRole{}}).
		Connect("a", "r").
		Connect("b", "r").
		Compile()

	var re *RerouteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "r", re.NodeID)
	assert.Equal(t, 2, re.Inbound)

	_, err = NewGraph("reroute").
		AddNode(agent("a")).
		AddNode(Node{ID: "r", Role: RerouteRole{}}).
		Connect("a", "r").
		Compile()
	assert.NoError(t, err)
}

// TestCompile_UnknownRole tests agent kinds outside the known set.
func TestCompile_UnknownRole(t *testing.T) {
	_, err := NewGraph("roles").
		AddNode(Node{ID: "w", Role: AgentRole{Type: "wizard"}}).
		Compile()

	var ue *UnknownRoleError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "wizard", ue.Type)
}

// TestCompile_InvalidConfiguration tests per-node and per-edge validation.
func TestCompile_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name  string
		graph *Graph
	}{
		{
			name: "bad regex condition",
			graph: NewGraph("g").AddNode(agent("a")).AddNode(agent("b")).
				AddEdge(Edge{Source: "a", Target: "b", Condition: Condition{Kind: ConditionCustom, Pattern: "("}}),
		},
		{
			name: "bad predicate",
			graph: NewGraph("g").AddNode(agent("a")).AddNode(agent("b")).
				AddEdge(Edge{Source: "a", Target: "b", Condition: Condition{Kind: ConditionPredicate, Expression: "(output == 'x'"}}),
		},
		{
			name: "feedback into input",
			graph: NewGraph("g").AddNode(input("in")).AddNode(agent("a")).
				Connect("in", "a").
				AddFeedback("a", "in", 2),
		},
		{
			name: "router without edges",
			graph: NewGraph("g").AddNode(Node{ID: "r", Role: RouterRole{}}),
		},
		{
			name:  "negative retry",
			graph: NewGraph("g").AddNode(Node{ID: "a", Role: AgentRole{}, Retry: -1}),
		},
		{
			name:  "unknown tier",
			graph: NewGraph("g").AddNode(Node{ID: "a", Role: AgentRole{Tier: "platinum"}}),
		},
		{
			name: "invalid agreement rule",
			graph: NewGraph("g").AddNode(Node{ID: "a", Role: AgentRole{},
				AgreementRules: []agreement.Rule{{Kind: "telepathy", Required: true}}}),
		},
		{
			name:  "memory node without key",
			graph: NewGraph("g").AddNode(Node{ID: "m", Role: MemoryRole{Mode: MemoryRead}}),
		},
		{
			name:  "script node without script",
			graph: NewGraph("g").AddNode(Node{ID: "s", Role: ScriptRole{}}),
		},
		{
			name:  "group with missing member",
			graph: NewGraph("g").AddNode(agent("a")).AddGroup(Group{ID: "team", Nodes: []string{"a", "zed"}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.graph.Compile()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidGraph)
		})
	}
}

// TestCompile_JoinsErrors tests that independent problems are all reported.
func TestCompile_JoinsErrors(t *testing.T) {
	_, err := NewGraph("g").
		AddNode(Node{ID: "w", Role: AgentRole{Type: "wizard"}}).
		AddNode(Node{ID: "a", Role: AgentRole{}, Timeout: -1}).
		Compile()

	require.Error(t, err)
	var ue *UnknownRoleError
	assert.True(t, errors.As(err, &ue))
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

// TestCompile_LoopBody tests which nodes a feedback edge re-activates.
func TestCompile_LoopBody(t *testing.T) {
	cg := mustCompile(t, NewGraph("loop").
		AddNode(input("in")).
		AddNode(agent("author")).
		AddNode(agent("editor")).
		AddNode(agent("critic")).
		AddNode(agent("side")).
		AddNode(output("out")).
		Connect("in", "author").
		Connect("author", "editor").
		Connect("editor", "critic").
		Connect("author", "side").
		Connect("critic", "out").
		AddFeedback("critic", "author", 3))

	fb := cg.feedbackOut["critic"][0]
	assert.Equal(t, []string{"author", "editor", "critic"}, cg.loopBody[fb.index])
}

// TestCompile_IsolatedFromBuilder tests that later builder changes do not
// leak into a compiled graph.
func TestCompile_IsolatedFromBuilder(t *testing.T) {
	g := linear("chain", agent("a"))
	cg := mustCompile(t, g)

	g.AddNode(agent("late")).Connect("a", "late")

	assert.False(t, cg.HasNode("late"))
	assert.Len(t, cg.Outbound("a"), 1)
}
