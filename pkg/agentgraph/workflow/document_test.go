package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/agreement"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/llm"
)

const reviewYAML = `
name: review
nodes:
  in:
    type: input
  writer:
    type: agent
    name: Writer
    persona: You write contracts.
    provider: mock
    timeout: 30s
    retry: 1
    agreement_rules:
      - {name: long enough, type: min_words, value: 2}
      - {type: not_contains, value: TODO, required: false}
  critic:
    type: critic
    provider: mock
    tier: high
  out:
    type: output
edges:
  - {source: in, target: writer}
  - {source: writer, target: critic}
  - {source: critic, target: out}
  - {source: critic, target: writer, feedback: true, max_iterations: 2}
groups:
  team: {name: Drafting, nodes: [writer, critic]}
`

func TestParse_YAML(t *testing.T) {
	doc, err := Parse([]byte(reviewYAML), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "review", doc.Name)
	assert.Equal(t, []string{"in", "writer", "critic", "out"}, doc.Order)
	assert.Equal(t, Duration(30*time.Second), doc.Nodes["writer"].Timeout)

	cg, err := doc.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"in", "writer", "critic", "out"}, cg.NodeIDs())
	assert.Len(t, cg.Feedback("critic"), 1)
	assert.Equal(t, 2, cg.Feedback("critic")[0].MaxIterations)
	require.Len(t, cg.Groups(), 1)
	assert.Equal(t, "team", cg.Groups()[0].ID)
	assert.Equal(t, "Drafting", cg.Groups()[0].Name)

	writer, ok := cg.Node("writer")
	require.True(t, ok)
	assert.Equal(t, "Writer", writer.Name)
	assert.Equal(t, 30*time.Second, writer.Timeout)
	assert.Equal(t, 1, writer.Retry)
	require.Len(t, writer.AgreementRules, 2)
	assert.True(t, writer.AgreementRules[0].Required)
	assert.False(t, writer.AgreementRules[1].Required)
	assert.Equal(t, agreement.NotContains, writer.AgreementRules[1].Kind)

	critic, _ := cg.Node("critic")
	role, ok := critic.Role.(agentgraph.AgentRole)
	require.True(t, ok)
	assert.Equal(t, agentgraph.KindCritic, role.Kind())
	assert.Equal(t, "high", role.Tier)
}

func TestParse_JSONKeepsNodeOrder(t *testing.T) {
	data := []byte(`{
		"name": "fan",
		"description": "order check",
		"nodes": {
			"zeta": {"type": "input"},
			"beta": {"type": "agent", "timeout": 5},
			"alpha": {"type": "output"}
		},
		"edges": [
			{"source": "zeta", "target": "beta"},
			{"source": "beta", "target": "alpha"}
		],
		"groups": {
			"grp1": {"name": "Work", "nodes": ["beta"]}
		}
	}`)

	doc, err := Parse(data, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "beta", "alpha"}, doc.Order)
	assert.Equal(t, Duration(5*time.Second), doc.Nodes["beta"].Timeout)

	g, err := doc.Graph()
	require.NoError(t, err)
	cg, err := g.Compile()
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "beta", "alpha"}, cg.NodeIDs())
	assert.Equal(t, []agentgraph.Group{{ID: "grp1", Name: "Work", Nodes: []string{"beta"}}}, cg.Groups())
}

func TestDocument_Roles(t *testing.T) {
	doc := &Document{
		Name: "roles",
		Nodes: map[string]NodeSpec{
			"r":    {Type: "router", Provider: "mock"},
			"s":    {Type: "script", Script: "count", Args: map[string]any{"n": 1}},
			"m":    {Type: "memory", MemoryKey: "facts", MemoryMode: "append"},
			"m2":   {Type: "memory", MemoryKey: "facts"},
			"t":    {Type: "tool", Tool: "search"},
			"hop":  {Type: "reroute"},
			"a":    {Type: "Agent"},
			"sink": {Type: "output"},
		},
		Edges: []EdgeSpec{
			{Source: "r", Target: "s", Label: "count"},
			{Source: "r", Target: "hop", Pattern: "(?i)search"},
			{Source: "hop", Target: "t", When: "decision == 'search'", Trigger: "always"},
		},
	}

	g, err := doc.Graph()
	require.NoError(t, err)
	cg, err := g.Compile()
	require.NoError(t, err)

	kinds := map[string]agentgraph.RoleKind{}
	for _, id := range cg.NodeIDs() {
		n, _ := cg.Node(id)
		kinds[id] = n.Kind()
	}
	assert.Equal(t, map[string]agentgraph.RoleKind{
		"r": agentgraph.KindRouter, "s": agentgraph.KindScript, "m": agentgraph.KindMemory,
		"m2": agentgraph.KindMemory, "t": agentgraph.KindTool, "hop": agentgraph.KindReroute,
		"a": agentgraph.KindAgent, "sink": agentgraph.KindOutput,
	}, kinds)

	m2, _ := cg.Node("m2")
	assert.Equal(t, agentgraph.MemoryRead, m2.Role.(agentgraph.MemoryRole).Mode)

	out := cg.Outbound("r")
	require.Len(t, out, 2)
	assert.Equal(t, agentgraph.ConditionCustom, out[1].Condition.Kind)
	hop := cg.Outbound("hop")
	require.Len(t, hop, 1)
	assert.Equal(t, agentgraph.ConditionPredicate, hop[0].Condition.Kind)
	assert.Equal(t, agentgraph.Always, hop[0].Trigger)
}

func TestDocument_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want string
	}{
		{
			name: "missing name",
			doc:  Document{Nodes: map[string]NodeSpec{"a": {Type: "agent"}}},
			want: "name is required",
		},
		{
			name: "no nodes",
			doc:  Document{Name: "x"},
			want: "nodes is required",
		},
		{
			name: "unknown node type",
			doc:  Document{Name: "x", Nodes: map[string]NodeSpec{"a": {Type: "wizard"}}},
			want: `unknown node type "wizard"`,
		},
		{
			name: "unknown rule type",
			doc: Document{Name: "x", Nodes: map[string]NodeSpec{"a": {Type: "agent",
				AgreementRules: []RuleSpec{{Type: "telepathy"}}}}},
			want: `unknown rule type "telepathy"`,
		},
		{
			name: "whitespace node id",
			doc:  Document{Name: "x", Nodes: map[string]NodeSpec{"a b": {Type: "agent"}}},
			want: "without whitespace",
		},
		{
			name: "bad tier",
			doc:  Document{Name: "x", Nodes: map[string]NodeSpec{"a": {Type: "agent", Tier: "gold"}}},
			want: "tier must be one of",
		},
		{
			name: "script without name",
			doc:  Document{Name: "x", Nodes: map[string]NodeSpec{"s": {Type: "script"}}},
			want: "script is required",
		},
		{
			name: "pattern and predicate",
			doc: Document{Name: "x",
				Nodes: map[string]NodeSpec{"a": {Type: "agent"}, "b": {Type: "agent"}},
				Edges: []EdgeSpec{{Source: "a", Target: "b", Pattern: "x", When: "true"}}},
			want: "cannot be combined with when",
		},
		{
			name: "bad trigger",
			doc: Document{Name: "x",
				Nodes: map[string]NodeSpec{"a": {Type: "agent"}, "b": {Type: "agent"}},
				Edges: []EdgeSpec{{Source: "a", Target: "b", Trigger: "sometimes"}}},
			want: "trigger must be one of",
		},
		{
			name: "edge to unknown node",
			doc: Document{Name: "x",
				Nodes: map[string]NodeSpec{"a": {Type: "agent"}},
				Edges: []EdgeSpec{{Source: "a", Target: "ghost"}}},
			want: `unknown node "ghost"`,
		},
		{
			name: "group with unknown node",
			doc: Document{Name: "x",
				Nodes:  map[string]NodeSpec{"a": {Type: "agent"}},
				Groups: map[string]GroupSpec{"g": {Nodes: []string{"a", "zed"}}}},
			want: `group "g" refers to unknown node "zed"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.doc.Graph()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDocument)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDocument_CompileErrorsPassThrough(t *testing.T) {
	doc := &Document{
		Name:  "cycle",
		Nodes: map[string]NodeSpec{"a": {Type: "agent"}, "b": {Type: "agent"}},
		Edges: []EdgeSpec{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}

	_, err := doc.Compile()

	require.Error(t, err)
	assert.ErrorIs(t, err, agentgraph.ErrInvalidGraph)
	var ce *agentgraph.CycleError
	assert.True(t, errors.As(err, &ce))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("name: [unclosed"), "yaml")
	assert.Error(t, err)

	_, err = Parse([]byte(`{"name": 1}`), "json")
	assert.Error(t, err)

	_, err = Parse([]byte(`name: x`), "toml")
	assert.ErrorContains(t, err, "unsupported workflow format")

	_, err = Parse([]byte("nodes:\n  a: {type: agent, timeout: soon}\n"), "yaml")
	assert.ErrorContains(t, err, "soon")
}

func TestLoad_RunsEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewYAML), 0o600))

	doc, err := Load(path)
	require.NoError(t, err)
	cg, err := doc.Compile()
	require.NoError(t, err)

	client := llm.NewMockClient("The lease looks fine.")
	engine := agentgraph.New(agentgraph.WithExecutor(agentgraph.NewDefaultExecutor(
		agentgraph.WithProvider("mock", client),
	)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := engine.Run(ctx, cg, "Review this lease")

	require.NoError(t, err)
	assert.True(t, result.Success, result.Message)
	assert.Equal(t, "The lease looks fine.", result.Outputs["out"])

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
