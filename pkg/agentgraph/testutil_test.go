package agentgraph

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
)

// scripted is an executor whose behavior is set per node ID. Nodes without
// an entry echo their input (output nodes) or their own ID.
type scripted struct {
	mu    sync.Mutex
	fns   map[string]func(ctx Context, req Request) Result
	calls []string
	reqs  map[string][]Request
}

func newScripted() *scripted {
	return &scripted{
		fns:  make(map[string]func(ctx Context, req Request) Result),
		reqs: make(map[string][]Request),
	}
}

// on sets the behavior of node id.
func (s *scripted) on(id string, fn func(ctx Context, req Request) Result) *scripted {
	s.fns[id] = fn
	return s
}

// output makes node id succeed with out.
func (s *scripted) output(id, out string) *scripted {
	return s.on(id, func(Context, Request) Result { return Success{Output: out} })
}

func (s *scripted) Execute(ctx Context, req Request) Result {
	s.mu.Lock()
	s.calls = append(s.calls, req.Node.ID)
	s.reqs[req.Node.ID] = append(s.reqs[req.Node.ID], req)
	fn := s.fns[req.Node.ID]
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if req.Node.Kind() == KindOutput {
		return Success{Output: req.Input}
	}
	return Success{Output: req.Node.ID}
}

// requests returns the requests node id received, in order.
func (s *scripted) requests(id string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.reqs[id]...)
}

// called returns the dispatched node IDs in order.
func (s *scripted) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// blockUntilCancelled is a node that runs until its context ends.
func blockUntilCancelled(ctx Context, _ Request) Result {
	<-ctx.Done()
	return Failure{Err: ctx.Err()}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine creates an engine with quiet logging and a short timeout.
func newTestEngine(exec Executor, opts ...Option) *Engine {
	base := []Option{
		WithExecutor(exec),
		WithLogger(discardLogger()),
		WithNodeTimeout(5 * time.Second),
	}
	return New(append(base, opts...)...)
}

func agent(id string) Node {
	return Node{ID: id, Role: AgentRole{}}
}

func input(id string) Node {
	return Node{ID: id, Role: InputRole{}}
}

func output(id string) Node {
	return Node{ID: id, Role: OutputRole{}}
}

// linear builds in -> ids... -> out.
func linear(name string, nodes ...Node) *Graph {
	g := NewGraph(name).AddNode(input("in"))
	prev := "in"
	for _, n := range nodes {
		g.AddNode(n).Connect(prev, n.ID)
		prev = n.ID
	}
	return g.AddNode(output("out")).Connect(prev, "out")
}

func mustCompile(t *testing.T, g *Graph) *CompiledGraph {
	t.Helper()
	cg, err := g.Compile()
	require.NoError(t, err)
	return cg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitForEvent blocks until rec sees a matching event.
func waitForEvent(t *testing.T, rec *event.Recorder, match func(event.Event) bool) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evt, err := rec.WaitFor(ctx, match)
	require.NoError(t, err)
	return evt
}

func nodeStatus(id string, status Status) func(event.Event) bool {
	return func(e event.Event) bool {
		if e.Type != event.NodeUpdate || e.NodeID != id {
			return false
		}
		d, ok := e.Data.(event.NodeUpdateData)
		return ok && d.Status == string(status)
	}
}
