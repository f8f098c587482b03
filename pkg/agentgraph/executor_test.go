package agentgraph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/blackboard"
	agerrors "github.com/randalmurphal/agentgraph/pkg/agentgraph/errors"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/llm"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/traffic"
)

func board(values map[string]any) blackboard.Snapshot {
	bb := blackboard.New()
	bb.SetAll(values)
	return bb.Snapshot()
}

func TestStripThinking(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  answer  ", "answer"},
		{"block", "<think>hmm</think>answer", "answer"},
		{"multiline block", "<THINK>\nline one\nline two\n</THINK>\n\nanswer", "answer"},
		{"unterminated", "answer <think>still going", "answer"},
		{"two blocks", "<think>a</think>x<think>b</think>y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripThinking(tt.in))
		})
	}
}

func TestParseStateTags(t *testing.T) {
	out := `Done. <set_state key="verdict" value="approve"/>
<set_state key='summary'>
  Clause 4 is fine.
</set_state>`

	writes := ParseStateTags(out)

	require.Len(t, writes, 2)
	assert.Equal(t, Write{Key: "verdict", Value: "approve"}, writes[0])
	assert.Equal(t, Write{Key: "summary", Value: "Clause 4 is fine."}, writes[1])
	assert.Empty(t, ParseStateTags("no tags here"))
}

func TestParseDispatchTags(t *testing.T) {
	out := `Plan ready.
<dispatch_task node="Researcher">Find the 2019 amendment.</dispatch_task>
<dispatch_task node='writer' input="Redraft clause 4"></dispatch_task>
<dispatch_task node="critic" input="Check tone">Be strict.</dispatch_task>`

	assert.Equal(t, []Dispatch{
		{Node: "Researcher", Input: "Find the 2019 amendment."},
		{Node: "writer", Input: "Redraft clause 4"},
		{Node: "critic", Input: "Check tone\nBe strict."},
	}, ParseDispatchTags(out))
	assert.Empty(t, ParseDispatchTags("<dispatch_task>no target</dispatch_task>"))
}

func TestDefaultExecutor_Memory(t *testing.T) {
	exec := NewDefaultExecutor()
	ctx := NewContext(context.Background())
	snap := board(map[string]any{"facts": []any{"a", "b"}, "name": "lease"})

	res := exec.Execute(ctx, Request{Node: Node{ID: "m", Role: MemoryRole{Key: "name"}}, Blackboard: snap})
	assert.Equal(t, Success{Output: "lease"}, res)

	res = exec.Execute(ctx, Request{Node: Node{ID: "m", Role: MemoryRole{Key: "facts", Mode: MemoryRead}}, Blackboard: snap})
	assert.Equal(t, `["a","b"]`, res.(Success).Output)

	res = exec.Execute(ctx, Request{Node: Node{ID: "m", Role: MemoryRole{Key: "missing"}}, Blackboard: snap})
	assert.Equal(t, Success{}, res)

	res = exec.Execute(ctx, Request{Node: Node{ID: "m", Role: MemoryRole{Key: "notes", Mode: MemoryWrite}}, Input: "x"})
	assert.Equal(t, []Write{{Key: "notes", Value: "x"}}, res.(Success).Writes)

	res = exec.Execute(ctx, Request{Node: Node{ID: "m", Role: MemoryRole{Key: "notes", Mode: MemoryAppend}}, Input: "y"})
	assert.Equal(t, []Write{{Key: "notes", Value: "y", Append: true}}, res.(Success).Writes)
}

func TestDefaultExecutor_Passthrough(t *testing.T) {
	exec := NewDefaultExecutor()
	ctx := NewContext(context.Background())

	assert.Equal(t, Success{Output: "p"}, exec.Execute(ctx, Request{Node: input("in"), Prompt: "p", Input: "ignored"}))
	assert.Equal(t, Success{Output: "x"}, exec.Execute(ctx, Request{Node: output("out"), Prompt: "p", Input: "x"}))
	assert.Equal(t, Success{Output: "p"}, exec.Execute(ctx, Request{Node: output("out"), Prompt: "p"}))
	assert.Equal(t, Success{Output: "x"}, exec.Execute(ctx, Request{Node: Node{ID: "r", Role: RerouteRole{}}, Input: "x"}))
	assert.Equal(t, Success{Output: "yes"}, exec.Execute(ctx, Request{Node: Node{ID: "r", Role: RouterRole{}}, Input: "yes"}))
	assert.Equal(t, Success{Output: "task"}, exec.Execute(ctx, Request{Node: Node{ID: "r", Role: RerouteRole{}}, Input: "x", Dispatch: "task"}))
}

func TestDefaultExecutor_Script(t *testing.T) {
	exec := NewDefaultExecutor(WithScript("count", func(_ Context, in ScriptInput) (string, error) {
		if in.Input == "" {
			return "", errors.New("empty input")
		}
		n := len(strings.Fields(in.Input))
		return strings.Repeat("w", n) + `<set_state key="words" value="counted"/>`, nil
	}))
	ctx := NewContext(context.Background())
	node := Node{ID: "s", Role: ScriptRole{Script: "count"}}

	res := exec.Execute(ctx, Request{Node: node, Input: "one two three"})
	s, ok := res.(Success)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(s.Output, "www"))
	assert.Equal(t, []Write{{Key: "words", Value: "counted"}}, s.Writes)

	res = exec.Execute(ctx, Request{Node: node})
	assert.IsType(t, Failure{}, res)

	res = exec.Execute(ctx, Request{Node: Node{ID: "s", Role: ScriptRole{Script: "nope"}}})
	require.IsType(t, Failure{}, res)
	assert.Equal(t, Misconfigured, res.(Failure).Kind())
}

func TestDefaultExecutor_Tool(t *testing.T) {
	var gotOpts map[string]any
	exec := NewDefaultExecutor(WithTool("search", ToolFunc(func(_ context.Context, input string, opts map[string]any) (string, error) {
		gotOpts = opts
		return "found " + input, nil
	})))
	ctx := NewContext(context.Background())
	node := Node{ID: "t", Role: ToolRole{Tool: "search", Options: map[string]any{"repo": "{{repo}}"}}}

	res := exec.Execute(ctx, Request{Node: node, Input: "clause 4", Blackboard: board(map[string]any{"repo": "leases"})})

	assert.Equal(t, Success{Output: "found clause 4"}, res)
	assert.Equal(t, "leases", gotOpts["repo"])
}

func TestDefaultExecutor_Agent(t *testing.T) {
	client := llm.NewMockClient(`<think>weighing clauses</think>Summary ready. <set_state key="status" value="drafted"/>`).
		WithThoughts("reading", "drafting")
	exec := NewDefaultExecutor(WithProvider("mock", client))

	var thoughts []string
	ctx := NewContext(context.Background(), WithThoughtSink(func(f string) { thoughts = append(thoughts, f) }))
	node := Node{ID: "writer", Name: "Writer", Role: AgentRole{
		Persona:   "You summarize {{topic}}.",
		Backstory: "Owner is {{owner}}.",
		Model:     "m1",
	}}

	res := exec.Execute(ctx, Request{
		Node:       node,
		Input:      "the lease",
		Feedback:   "shorter please",
		Dispatch:   "check clause 9",
		Blackboard: board(map[string]any{"topic": "leases", "owner": "alice"}),
	})

	s, ok := res.(Success)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, `Summary ready. <set_state key="status" value="drafted"/>`, s.Output)
	assert.Equal(t, []Write{{Key: "status", Value: "drafted"}}, s.Writes)
	assert.Equal(t, "mock", s.Provider)
	assert.False(t, s.Usage.IsZero())
	assert.Equal(t, []string{"reading", "drafting"}, thoughts)

	call := client.LastCall()
	require.NotNil(t, call)
	assert.Contains(t, call.SystemPrompt, "You summarize leases.")
	assert.Contains(t, call.SystemPrompt, "Owner is alice.")
	assert.Equal(t, "m1", call.Model)
	require.Len(t, call.Messages, 1)
	assert.Contains(t, call.Messages[0].Content, "the lease")
	assert.Contains(t, call.Messages[0].Content, "[FEEDBACK]: shorter please")
	assert.Contains(t, call.Messages[0].Content, "[PRIORITY DISPATCH]: check clause 9")
}

func TestDefaultExecutor_RouterPrompt(t *testing.T) {
	client := llm.NewMockClient("approve")
	exec := NewDefaultExecutor(WithProvider("mock", client))
	ctx := NewContext(context.Background())

	res := exec.Execute(ctx, Request{
		Node:   Node{ID: "r", Role: RouterRole{Provider: "mock"}},
		Input:  "the draft",
		Routes: []string{"approve", "escalate"},
	})

	assert.Equal(t, "approve", res.(Success).Output)
	assert.Contains(t, client.LastCall().SystemPrompt, "approve, escalate")
}

func TestDefaultExecutor_ProviderErrors(t *testing.T) {
	ctx := NewContext(context.Background())

	t.Run("unknown provider", func(t *testing.T) {
		res := NewDefaultExecutor().Execute(ctx, Request{Node: Node{ID: "a", Role: AgentRole{Provider: "nowhere"}}})
		require.IsType(t, Failure{}, res)
		assert.Equal(t, Misconfigured, res.(Failure).Kind())
	})

	t.Run("rate limited", func(t *testing.T) {
		tc := traffic.New(traffic.Config{
			Default:    traffic.Limits{Capacity: 1},
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
			MaxRetries: 1,
		}, traffic.WithLogger(discardLogger()))
		client := llm.NewMockClient("").WithError(&agerrors.RateLimitError{Provider: "busy"})
		exec := NewDefaultExecutor(WithProvider("busy", client), WithTrafficController(tc))

		res := exec.Execute(ctx, Request{Node: Node{ID: "a", Role: AgentRole{Provider: "busy"}}})

		require.IsType(t, Failure{}, res)
		assert.Equal(t, RateLimited, res.(Failure).Kind())
		assert.ErrorIs(t, res.(Failure).Err, traffic.ErrRateLimited)
	})

	t.Run("provider failure", func(t *testing.T) {
		client := llm.NewMockClient("").WithError(errors.New("connection reset"))
		res := NewDefaultExecutor(WithProvider("p", client)).
			Execute(ctx, Request{Node: Node{ID: "a", Role: AgentRole{Provider: "p"}}})
		require.IsType(t, Failure{}, res)
		assert.Equal(t, ExecutionError, res.(Failure).Kind())
	})
}

func TestDispatchPriority(t *testing.T) {
	assert.Equal(t, traffic.VIP, dispatchPriority(Node{ID: "a", Role: AgentRole{Tier: "vip"}}))
	assert.Equal(t, traffic.Bulk, dispatchPriority(Node{ID: "a", Role: AgentRole{Tier: "BULK"}}))
	assert.Equal(t, traffic.PriorityFor(string(KindCritic)), dispatchPriority(Node{ID: "c", Role: AgentRole{Type: KindCritic}}))

	_, err := parseTier("gold")
	assert.Error(t, err)
}
