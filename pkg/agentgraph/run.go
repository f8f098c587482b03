package agentgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/blackboard"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/history"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/signal"
)

// RunContext owns the state of one run: node statuses, edge resolution,
// the blackboard and the control surface. All state is mutated by the
// run's scheduler loop; control methods may be called from any goroutine.
type RunContext struct {
	engine      *Engine
	graph       *CompiledGraph
	id          string
	prompt      string
	autoApprove bool
	logger      *slog.Logger
	seq         *event.Sequencer
	bb          *blackboard.Blackboard
	signals     *signal.Dispatcher
	poke        chan struct{}

	mu        sync.Mutex
	nodes     map[string]*nodeRun
	edges     []edgeState
	fired     map[int]int
	disabled  map[int]bool
	inFlight  int
	active    bool
	paused    bool
	stopping  bool
	stopMsg   string
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	span      trace.Span
	result    *RunResult
}

type nodeRun struct {
	status     Status
	output     string
	err        error
	executions int
	gen        int
	route      string
	input      string
	deferred   *Success
	elapsed    time.Duration
	// queued marks a node handed a task by a dispatch tag. It is ready
	// regardless of its inbound edges.
	queued      bool
	queuedInput string
	dispatches  int
}

// RunResult is the caller-visible outcome of a run. Failures are reported
// through FailedNodes rather than as an error.
type RunResult struct {
	RunID   string            `json:"run_id"`
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Outputs map[string]string `json:"outputs"`
	// FailedNodes lists failed nodes in declaration order.
	FailedNodes []string          `json:"failed_nodes"`
	Statuses    map[string]Status `json:"statuses"`
	Duration    time.Duration     `json:"duration"`
}

// NodeStatus is a node's state as seen by Status.
type NodeStatus struct {
	Status     Status    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Kind       ErrorKind `json:"kind,omitempty"`
	Executions int       `json:"executions"`
}

// PendingIntervention is a node waiting for a decision.
type PendingIntervention struct {
	NodeID string `json:"node_id"`
	Output string `json:"output"`
}

// RunStatus is a point-in-time view of a run.
type RunStatus struct {
	RunID   string                `json:"run_id"`
	Graph   string                `json:"graph"`
	Active  bool                  `json:"active"`
	Paused  bool                  `json:"paused"`
	Steps   uint64                `json:"steps"`
	Nodes   map[string]NodeStatus `json:"nodes"`
	Pending []PendingIntervention `json:"pending,omitempty"`
	Result  *RunResult            `json:"result,omitempty"`
}

// Decision resolves a pending intervention.
type Decision struct {
	Action signal.Name
	// Value is the chosen branch of a router, or the replacement output of
	// any other node. Only used by signal.Route.
	Value string
}

// Approve commits the node's held output.
func Approve() Decision { return Decision{Action: signal.Approve} }

// Reject fails the node with kind Rejected.
func Reject() Decision { return Decision{Action: signal.Reject} }

// RouteTo forces a router's decision, or replaces another node's output.
func RouteTo(value string) Decision { return Decision{Action: signal.Route, Value: value} }

// ID returns the run identifier.
func (r *RunContext) ID() string { return r.id }

// Graph returns the compiled graph being run.
func (r *RunContext) Graph() *CompiledGraph { return r.graph }

// Done is closed when the current execution of the run ends. Replay
// replaces it.
func (r *RunContext) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the run ends or ctx is done.
func (r *RunContext) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-r.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, nil
}

// Pause halts dispatch of new nodes. In-flight executions finish.
func (r *RunContext) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrRunFinished
	}
	if !r.paused {
		r.paused = true
		r.seq.Emit(context.Background(), event.Log, "", event.LogData{Level: "info", Message: "run paused"})
	}
	return nil
}

// Resume restarts dispatch after Pause.
func (r *RunContext) Resume() error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return ErrRunFinished
	}
	wasPaused := r.paused
	r.paused = false
	r.mu.Unlock()

	if wasPaused {
		r.seq.Emit(context.Background(), event.Log, "", event.LogData{Level: "info", Message: "run resumed"})
		r.wake()
	}
	return nil
}

// Stop cancels in-flight executions and returns every non-terminal node to
// idle. The run ends with message "stopped".
func (r *RunContext) Stop() error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return ErrRunFinished
	}
	if !r.stopping {
		r.stopping = true
		r.stopMsg = "stopped"
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wake()
	return nil
}

// Decide queues a decision for a node waiting for approval. The decision
// is applied by the scheduler loop.
func (r *RunContext) Decide(ctx context.Context, nodeID string, d Decision) error {
	if _, err := signal.ParseName(string(d.Action)); err != nil {
		return err
	}
	if d.Action == signal.Route && d.Value == "" {
		return errors.New("route decision requires a value")
	}

	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return ErrRunFinished
	}
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if n.status != StatusWaiting {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNoPendingIntervention, nodeID, n.status)
	}
	r.mu.Unlock()

	return r.signals.Send(ctx, signal.NewDecision(r.id, nodeID, d.Action, d.Value))
}

// InjectFeedback appends text to the node's feedback on the blackboard.
// The node sees it the next time it is dispatched.
func (r *RunContext) InjectFeedback(ctx context.Context, nodeID, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("feedback text is empty")
	}
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return ErrRunFinished
	}
	if _, ok := r.nodes[nodeID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	r.mu.Unlock()

	return r.signals.Send(ctx, signal.NewDecision(r.id, nodeID, signal.Feedback, text))
}

// Reset clears the blackboard, the history and every node status. Refused
// while the run is active.
func (r *RunContext) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrRunActive
	}
	r.bb.Clear()
	if err := r.engine.history.DeleteRun(r.id); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	r.resetState()
	r.result = nil
	r.seq.Emit(context.Background(), event.Log, "", event.LogData{Level: "info", Message: "run reset"})
	return nil
}

// History returns the run's retained steps in order.
func (r *RunContext) History() ([]history.Step, error) {
	return r.engine.history.List(r.id)
}

// Snapshot returns the blackboard as it was right after step index.
func (r *RunContext) Snapshot(index int) (blackboard.Snapshot, error) {
	step, err := r.step(index)
	if err != nil {
		return nil, err
	}
	return step.Blackboard.Clone(), nil
}

// Replay restores the scheduler state captured at step index, discards
// every later step and resumes execution from there, using the step's
// blackboard snapshot as the new baseline. Refused while the run is active.
func (r *RunContext) Replay(ctx context.Context, index int) error {
	if ctx == nil {
		return ErrNilContext
	}
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrRunActive
	}
	r.mu.Unlock()

	step, err := r.step(index)
	if err != nil {
		return err
	}
	cp, err := decodeCheckpoint(step.Checkpoint)
	if err != nil {
		return fmt.Errorf("step %d: %w", index, err)
	}
	if err := r.engine.history.Truncate(r.id, index); err != nil {
		return fmt.Errorf("truncate history: %w", err)
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrRunActive
	}
	r.restore(cp)
	r.bb.Restore(step.Blackboard)
	r.result = nil
	r.mu.Unlock()

	r.logger.Info("replaying run", "from_step", index)
	r.seq.Emit(ctx, event.Log, "", event.LogData{Level: "info", Message: fmt.Sprintf("replaying from step %d", index)})
	r.launch(ctx)
	return nil
}

func (r *RunContext) step(index int) (history.Step, error) {
	step, err := r.engine.history.Get(r.id, index)
	if errors.Is(err, history.ErrNotFound) {
		return history.Step{}, fmt.Errorf("%w: %d", ErrStepNotFound, index)
	}
	return step, err
}

// Status returns a point-in-time view of the run.
func (r *RunContext) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RunStatus{
		RunID:  r.id,
		Graph:  r.graph.Name(),
		Active: r.active,
		Paused: r.paused,
		Steps:  r.seq.Step(),
		Nodes:  make(map[string]NodeStatus, len(r.nodes)),
		Result: r.result,
	}
	for _, id := range r.graph.order {
		n := r.nodes[id]
		ns := NodeStatus{Status: n.status, Output: n.output, Executions: n.executions}
		if n.err != nil {
			ns.Error = n.err.Error()
			ns.Kind = KindOf(n.err)
		}
		st.Nodes[id] = ns
		if n.status == StatusWaiting && n.deferred != nil {
			st.Pending = append(st.Pending, PendingIntervention{NodeID: id, Output: n.deferred.Output})
		}
	}
	return st
}

// Blackboard returns a snapshot of the run's blackboard.
func (r *RunContext) Blackboard() blackboard.Snapshot {
	return r.bb.Snapshot()
}

// launch starts the scheduler loop.
func (r *RunContext) launch(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	spanCtx, span := r.engine.spans.StartRunSpan(runCtx, r.graph.Name(), r.id)

	r.mu.Lock()
	r.active = true
	r.paused = false
	r.stopping = false
	r.stopMsg = ""
	r.cancel = cancel
	r.done = make(chan struct{})
	r.startedAt = time.Now()
	r.span = span
	done := r.done
	r.mu.Unlock()

	go r.loop(spanCtx, done)
}

func (r *RunContext) wake() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}
