package agentgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// randomGraph draws a graph whose forward edges only point from lower to
// higher node numbers, plus capped feedback edges pointing back.
func randomGraph(t *rapid.T) (*CompiledGraph, *scripted) {
	n := rapid.IntRange(1, 7).Draw(t, "nodes")
	g := NewGraph("random")
	exec := newScripted()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("n%d", i)
		g.AddNode(agent(id))
		if rapid.IntRange(0, 4).Draw(t, "fails_"+id) == 0 {
			exec.on(id, func(Context, Request) Result { return Failure{Err: errors.New("scripted failure")} })
		}
	}
	triggers := []Trigger{OnSuccess, OnSuccess, OnFailure, Always}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
				g.AddEdge(Edge{
					Source:  fmt.Sprintf("n%d", i),
					Target:  fmt.Sprintf("n%d", j),
					Trigger: rapid.SampledFrom(triggers).Draw(t, fmt.Sprintf("trigger_%d_%d", i, j)),
				})
			}
			if rapid.IntRange(0, 5).Draw(t, fmt.Sprintf("feedback_%d_%d", j, i)) == 0 {
				g.AddFeedback(fmt.Sprintf("n%d", j), fmt.Sprintf("n%d", i),
					rapid.IntRange(1, 3).Draw(t, fmt.Sprintf("cap_%d_%d", j, i)))
			}
		}
	}
	cg, err := g.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return cg, exec
}

// TestProperty_RunsTerminate tests that every acyclic graph with capped
// feedback ends with no node left running or waiting.
func TestProperty_RunsTerminate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cg, exec := randomGraph(t)
		engine := newTestEngine(exec, WithMaxConcurrency(rapid.IntRange(0, 3).Draw(t, "concurrency")))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := engine.Start(ctx, cg, "go")
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		result, err := r.Wait(context.Background())
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if strings.HasPrefix(result.Message, "stopped") {
			t.Fatalf("run did not terminate on its own: %s", result.Message)
		}
		for id, st := range result.Statuses {
			if st == StatusRunning || st == StatusWaiting {
				t.Fatalf("node %s left %s", id, st)
			}
		}
		// Each feedback edge fires at most cap-1 times and every firing
		// re-runs a node at most once.
		bound := 1
		for _, src := range cg.NodeIDs() {
			for _, f := range cg.Feedback(src) {
				bound += f.MaxIterations - 1
			}
		}
		for id, ns := range r.Status().Nodes {
			if ns.Executions > bound {
				t.Fatalf("node %s executed %d times, bound is %d", id, ns.Executions, bound)
			}
		}
	})
}

// TestProperty_ReplayIsIdempotent tests that replaying from any step
// reproduces the original sequence of committed steps.
func TestProperty_ReplayIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cg, exec := randomGraph(t)
		engine := newTestEngine(exec, WithMaxConcurrency(1))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := engine.Start(ctx, cg, "go")
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := r.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
		original, err := r.History()
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(original) == 0 {
			t.Fatalf("no steps recorded")
		}

		from := rapid.IntRange(0, len(original)-1).Draw(t, "from")
		if err := r.Replay(ctx, original[from].Index); err != nil {
			t.Fatalf("replay: %v", err)
		}
		if _, err := r.Wait(ctx); err != nil {
			t.Fatalf("wait after replay: %v", err)
		}
		replayed, err := r.History()
		if err != nil {
			t.Fatalf("history: %v", err)
		}

		want, got := stepNodes(original), stepNodes(replayed)
		if strings.Join(want, ",") != strings.Join(got, ",") {
			t.Fatalf("replay from step %d diverged:\nwant %v\ngot  %v", from, want, got)
		}
	})
}
