package agentgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/history"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/observability"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/signal"
)

// edgeState is the per-run resolution of a non-feedback edge.
type edgeState string

const (
	edgePending   edgeState = "pending"
	edgeSatisfied edgeState = "satisfied"
	// edgeBlocked means the source failed and the edge does not carry failures.
	edgeBlocked edgeState = "blocked"
	// edgePruned means the edge will never carry anything this run.
	edgePruned edgeState = "pruned"
)

type taskResult struct {
	nodeID   string
	gen      int
	result   Result
	duration time.Duration
}

// rejectionKeywords make an auditor's feedback edges fire.
var rejectionKeywords = []string{
	"incomplete", "needs_rework", "rejected", "reject",
	"failed validation", "placeholder detected", "not valid",
}

func isRejection(output string) bool {
	lower := strings.ToLower(output)
	for _, kw := range rejectionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (r *RunContext) resetState() {
	r.nodes = make(map[string]*nodeRun, len(r.graph.order))
	for _, id := range r.graph.order {
		r.nodes[id] = &nodeRun{status: StatusIdle}
	}
	r.edges = make([]edgeState, len(r.graph.edges))
	for i := range r.edges {
		r.edges[i] = edgePending
	}
	r.fired = make(map[int]int)
	r.disabled = make(map[int]bool)
}

// loop is the run's single writer. It dispatches ready nodes, commits
// results and applies decisions until nothing is ready, running or waiting.
func (r *RunContext) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	results := make(chan taskResult)

	for {
		r.mu.Lock()
		if r.stopping {
			r.mu.Unlock()
			r.drain(results)
			r.mu.Lock()
			r.finish(ctx)
			r.mu.Unlock()
			return
		}
		if !r.paused {
			r.dispatch(ctx, r.readySet(), results)
		}
		if r.inFlight == 0 && !r.anyWaiting() && len(r.readySet()) == 0 {
			r.finish(ctx)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		select {
		case tr := <-results:
			r.mu.Lock()
			r.inFlight--
			if !r.stopping {
				r.handle(ctx, tr)
			}
			r.mu.Unlock()
		case <-r.signals.Wake():
			if _, err := r.signals.Process(ctx); err != nil {
				r.logger.Warn("decision not applied", "error", err)
			}
		case <-r.poke:
		case <-ctx.Done():
			r.mu.Lock()
			if !r.stopping {
				r.stopping = true
				r.stopMsg = "stopped: " + ctx.Err().Error()
			}
			r.mu.Unlock()
		}
	}
}

// drain waits for every in-flight execution after cancellation.
func (r *RunContext) drain(results <-chan taskResult) {
	r.mu.Lock()
	n := r.inFlight
	r.mu.Unlock()
	for ; n > 0; n-- {
		<-results
	}
	r.mu.Lock()
	r.inFlight = 0
	r.mu.Unlock()
}

func (r *RunContext) anyWaiting() bool {
	for _, n := range r.nodes {
		if n.status == StatusWaiting {
			return true
		}
	}
	return false
}

// readySet evaluates nodes in topological order. An idle node is dead when
// every inbound edge is pruned, counting pending edges from dead sources
// as pruned. An idle node is ready when it is an entry node or queued by a
// dispatch, or when none
// of its inbound edges is pending or blocked and at least one is
// satisfied. The result is ordered by priority, then declaration order.
func (r *RunContext) readySet() []string {
	dead := make(map[string]bool)
	var ready []string
	for _, id := range r.graph.topo {
		if r.nodes[id].status != StatusIdle {
			continue
		}
		in := r.graph.inbound[id]
		if len(in) == 0 || r.nodes[id].queued {
			ready = append(ready, id)
			continue
		}
		var pending, blocked, satisfied, pruned int
		for _, e := range in {
			st := r.edges[e.index]
			if st == edgePending && dead[e.Source] {
				st = edgePruned
			}
			switch st {
			case edgePending:
				pending++
			case edgeBlocked:
				blocked++
			case edgeSatisfied:
				satisfied++
			case edgePruned:
				pruned++
			}
		}
		switch {
		case pruned == len(in):
			dead[id] = true
		case pending == 0 && blocked == 0 && satisfied > 0:
			ready = append(ready, id)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		pi := dispatchPriority(r.graph.nodes[ready[i]])
		pj := dispatchPriority(r.graph.nodes[ready[j]])
		if pi != pj {
			return pi < pj
		}
		return r.graph.position[ready[i]] < r.graph.position[ready[j]]
	})
	return ready
}

func (r *RunContext) dispatch(ctx context.Context, ready []string, results chan<- taskResult) {
	limit := r.engine.maxConcurrency
	for _, id := range ready {
		if limit > 0 && r.inFlight >= limit {
			return
		}
		node := r.graph.nodes[id]
		n := r.nodes[id]
		input, inputs := r.assembleInput(id)
		req := Request{
			Node:       node,
			Blackboard: r.bb.Snapshot(),
			Input:      input,
			Inputs:     inputs,
			Prompt:     r.prompt,
			Feedback:   r.feedbackFor(id),
			Routes:     r.routesOf(id),
			Dispatch:   n.queuedInput,
		}
		n.queued, n.queuedInput = false, ""

		n.status = StatusRunning
		n.executions++
		n.input = input
		n.err = nil
		r.inFlight++

		r.seq.Emit(ctx, event.NodeUpdate, id, event.NodeUpdateData{Status: string(StatusRunning)})
		observability.LogNodeStart(r.logger, id)
		go r.execute(ctx, id, n.gen, req, results)
	}
}

// execute runs one node outside the lock and reports back to the loop.
func (r *RunContext) execute(ctx context.Context, id string, gen int, req Request, results chan<- taskResult) {
	start := time.Now()
	kind := string(req.Node.Kind())
	nodeCtx, span := r.engine.spans.StartNodeSpan(ctx, id, kind)

	ec := &executionContext{
		Context: nodeCtx,
		root:    r.engine.logger,
		logger:  observability.EnrichLogger(r.engine.logger, r.id, id, 1),
		runID:   r.id,
		nodeID:  id,
		attempt: 1,
		thought: func(fragment string) {
			r.seq.Emit(nodeCtx, event.Thought, id, event.ThoughtData{Fragment: fragment})
		},
	}
	res := invoke(nodeCtx, ec, r.engine.executor, req, r.engine.nodeTimeout)
	elapsed := time.Since(start)

	var err error
	if f, ok := res.(Failure); ok {
		err = f.Err
	}
	r.engine.spans.EndSpanWithError(span, err)
	r.engine.metrics.RecordNodeExecution(nodeCtx, id, kind, elapsed, err)

	results <- taskResult{nodeID: id, gen: gen, result: res, duration: elapsed}
}

// assembleInput builds the predecessor context from satisfied inbound edges.
func (r *RunContext) assembleInput(id string) (string, map[string]string) {
	inputs := make(map[string]string)
	var parts []string
	for _, e := range r.graph.inbound[id] {
		if r.edges[e.index] != edgeSatisfied {
			continue
		}
		if _, seen := inputs[e.Source]; seen {
			continue
		}
		out := r.nodes[e.Source].output
		if r.nodes[e.Source].status == StatusFailed {
			out = r.nodes[e.Source].err.Error()
		}
		inputs[e.Source] = out
		parts = append(parts, fmt.Sprintf("[%s]: %s", r.graph.nodes[e.Source].DisplayName(), out))
	}
	switch len(parts) {
	case 0:
		return r.prompt, inputs
	case 1:
		for _, v := range inputs {
			return v, inputs
		}
	}
	return strings.Join(parts, "\n\n"), inputs
}

func (r *RunContext) feedbackFor(id string) string {
	v, ok := r.bb.Get(id + "_feedback")
	if !ok {
		return ""
	}
	return render(v)
}

func (r *RunContext) routesOf(id string) []string {
	if r.graph.nodes[id].Kind() != KindRouter {
		return nil
	}
	var routes []string
	for _, e := range r.graph.outbound[id] {
		if e.Label != "" {
			routes = append(routes, e.Label)
		}
	}
	return routes
}

func (r *RunContext) handle(ctx context.Context, tr taskResult) {
	n := r.nodes[tr.nodeID]
	if n.gen != tr.gen || n.status != StatusRunning {
		r.logger.Debug("discarding stale result", "node_id", tr.nodeID)
		return
	}

	switch res := tr.result.(type) {
	case Success:
		r.commitSuccess(ctx, tr.nodeID, res, tr.duration)
	case Failure:
		r.commitFailure(ctx, tr.nodeID, res.Err, tr.duration)
	case NeedsApproval:
		if r.autoApprove {
			r.seq.Emit(ctx, event.Intervention, tr.nodeID, event.InterventionData{
				State: "resolved", Decision: string(signal.Approve), Pending: res.Pending,
			})
			r.commitSuccess(ctx, tr.nodeID, res.Deferred, tr.duration)
			return
		}
		deferred := res.Deferred
		n.status = StatusWaiting
		n.deferred = &deferred
		n.elapsed = tr.duration
		r.seq.Emit(ctx, event.NodeUpdate, tr.nodeID, event.NodeUpdateData{Status: string(StatusWaiting), Output: res.Pending})
		r.seq.Emit(ctx, event.Intervention, tr.nodeID, event.InterventionData{State: "pending", Pending: res.Pending})
		observability.LogIntervention(r.logger, tr.nodeID, "pending")
		r.appendStep(ctx, tr.nodeID, StatusWaiting, res.Pending, "")
	}
}

func (r *RunContext) commitSuccess(ctx context.Context, id string, s Success, elapsed time.Duration) {
	n := r.nodes[id]
	node := r.graph.nodes[id]
	n.status = StatusCompleted
	n.output = s.Output
	n.err = nil
	n.deferred = nil

	for _, w := range s.Writes {
		r.write(ctx, id, w)
	}

	r.seq.Emit(ctx, event.NodeUpdate, id, event.NodeUpdateData{Status: string(StatusCompleted), Output: s.Output})
	r.seq.Emit(ctx, event.Trace, id, event.TraceData{
		Input: n.input, Output: s.Output, Status: string(StatusCompleted), Duration: elapsed,
	})
	if !s.Usage.IsZero() {
		r.seq.Emit(ctx, event.TokenUsage, id, event.TokenUsageData{
			Provider:     s.Provider,
			Model:        s.Model,
			InputTokens:  s.Usage.InputTokens,
			OutputTokens: s.Usage.OutputTokens,
			TotalTokens:  s.Usage.TotalTokens,
			Estimated:    s.Usage.Estimated,
		})
		r.engine.metrics.RecordTokens(ctx, s.Provider, s.Model, s.Usage.InputTokens, s.Usage.OutputTokens)
	}
	observability.LogNodeComplete(r.logger, id, float64(elapsed.Milliseconds()))

	decision := ""
	if node.Kind() == KindRouter {
		decision = s.Route
		if decision == "" {
			decision = s.Output
		}
		decision = normalizeDecision(decision)
	}
	n.route = decision

	vars := r.conditionVars(id, s.Output, "", StatusCompleted, decision)
	fired := r.matchFeedback(ctx, id, node, s.Output, vars)
	if node.Kind() == KindRouter {
		r.resolveRoute(ctx, id, decision, s.Output, vars)
	} else {
		r.resolveSuccess(id, node, s.Output, vars, len(fired) > 0)
	}
	r.applyFeedback(ctx, id, s.Output, fired)
	r.applyDispatches(ctx, id, s.Dispatches)
	r.appendStep(ctx, id, StatusCompleted, s.Output, "")
}

func (r *RunContext) commitFailure(ctx context.Context, id string, err error, elapsed time.Duration) {
	n := r.nodes[id]
	n.status = StatusFailed
	n.output = ""
	n.err = err
	n.deferred = nil
	kind := KindOf(err)

	r.seq.Emit(ctx, event.Error, id, event.ErrorData{Message: err.Error(), Kind: string(kind)})
	r.seq.Emit(ctx, event.NodeUpdate, id, event.NodeUpdateData{
		Status: string(StatusFailed), Error: err.Error(), Kind: string(kind),
	})
	r.seq.Emit(ctx, event.Trace, id, event.TraceData{
		Input: n.input, Status: string(StatusFailed), Duration: elapsed,
	})
	observability.LogNodeError(r.logger, id, err)

	vars := r.conditionVars(id, "", err.Error(), StatusFailed, "")
	for _, e := range r.graph.outbound[id] {
		t := e.trigger()
		if (t == OnFailure || t == Always) && r.conditionHolds(e, err.Error(), vars) {
			r.edges[e.index] = edgeSatisfied
		} else {
			r.edges[e.index] = edgeBlocked
		}
	}
	r.appendStep(ctx, id, StatusFailed, "", err.Error())
}

// write commits one blackboard mutation.
func (r *RunContext) write(ctx context.Context, nodeID string, w Write) {
	value := w.Value
	if w.Append {
		var list []any
		if existing, ok := r.bb.Get(w.Key); ok {
			switch v := existing.(type) {
			case []any:
				list = v
			case nil:
			default:
				list = []any{v}
			}
		}
		value = append(list, w.Value)
	}
	r.bb.Set(w.Key, value)
	r.seq.Emit(ctx, event.BlackboardUpdate, nodeID, event.BlackboardUpdateData{Key: w.Key, Value: value})
}

func (r *RunContext) conditionVars(id, output, errText string, status Status, decision string) map[string]any {
	vars := r.bb.Map()
	vars["blackboard"] = r.bb.Map()
	vars["output"] = output
	vars["status"] = string(status)
	vars["error"] = errText
	vars["decision"] = decision
	vars["node"] = id
	return vars
}

func (r *RunContext) conditionHolds(e *compiledEdge, output string, vars map[string]any) bool {
	switch e.Condition.Kind {
	case ConditionCustom:
		return e.pattern.MatchString(output)
	case ConditionPredicate:
		ok, err := e.predicate.Eval(vars)
		if err != nil {
			r.logger.Warn("edge condition failed to evaluate", "edge", e.String(), "error", err)
			return false
		}
		return ok
	}
	return true
}

// resolveSuccess resolves the outbound edges of a completed non-router node.
func (r *RunContext) resolveSuccess(id string, node Node, output string, vars map[string]any, fired bool) {
	for _, e := range r.graph.outbound[id] {
		switch {
		case e.trigger() == OnFailure:
			r.edges[e.index] = edgePruned
		case e.Condition.Kind != ConditionNone:
			if r.conditionHolds(e, output, vars) {
				r.edges[e.index] = edgeSatisfied
			} else {
				r.edges[e.index] = edgePruned
			}
		case node.Kind() == KindAuditor && fired:
			r.edges[e.index] = edgePruned
		default:
			r.edges[e.index] = edgeSatisfied
		}
	}
}

// resolveRoute satisfies the first outbound edge matching decision and
// prunes the rest. An edge without label or condition is the default.
func (r *RunContext) resolveRoute(ctx context.Context, id, decision, output string, vars map[string]any) {
	out := r.graph.outbound[id]
	first := firstWord(decision)
	chosen, fallback := -1, -1
	for i, e := range out {
		if e.trigger() == OnFailure {
			continue
		}
		label := normalizeDecision(e.Label)
		switch {
		case label != "":
			if label == decision || label == first {
				chosen = i
			}
		case e.Condition.Kind != ConditionNone:
			if r.conditionHolds(e, output, vars) {
				chosen = i
			}
		default:
			if fallback < 0 {
				fallback = i
			}
		}
		if chosen >= 0 {
			break
		}
	}
	if chosen < 0 {
		chosen = fallback
	}

	for i, e := range out {
		if i == chosen {
			r.edges[e.index] = edgeSatisfied
		} else {
			r.edges[e.index] = edgePruned
		}
	}
	if chosen < 0 {
		r.logger.Warn("router decision matched no edge", "node_id", id, "decision", decision)
		r.seq.Emit(ctx, event.Log, id, event.LogData{
			Level: "warn", Message: fmt.Sprintf("decision %q matched no outbound edge", decision),
		})
	}
}

const decisionCutset = " \t\r*_#`\"'.,:;!?-[]()>"

// normalizeDecision lower-cases the first non-empty line of s and trims
// whitespace, punctuation and markdown.
func normalizeDecision(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Trim(line, decisionCutset); line != "" {
			return strings.ToLower(line)
		}
	}
	return ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], decisionCutset)
}

// matchFeedback picks the feedback edges from id that fire for this
// completion. An edge that would exceed its cap is disabled instead.
func (r *RunContext) matchFeedback(ctx context.Context, id string, node Node, output string, vars map[string]any) []*compiledEdge {
	var fired []*compiledEdge
	for _, f := range r.graph.feedbackOut[id] {
		if r.disabled[f.index] {
			continue
		}
		var match bool
		switch {
		case f.Condition.Kind != ConditionNone:
			match = r.conditionHolds(f, output, vars)
		case node.Kind() == KindAuditor:
			match = isRejection(output)
		default:
			match = true
		}
		if !match {
			continue
		}

		limit := r.iterationCap(f)
		if 1+r.fired[f.index] >= limit {
			r.disabled[f.index] = true
			r.logger.Info("feedback limit reached", "edge", f.String(), "limit", limit)
			r.seq.Emit(ctx, event.Log, id, event.LogData{
				Level: "info", Message: fmt.Sprintf("feedback %s reached its limit of %d", f.String(), limit),
			})
			continue
		}
		r.fired[f.index]++
		fired = append(fired, f)
	}
	return fired
}

func (r *RunContext) iterationCap(f *compiledEdge) int {
	if f.MaxIterations > 0 {
		return f.MaxIterations
	}
	if n := r.graph.nodes[f.Target]; n.MaxIterations > 0 {
		return n.MaxIterations
	}
	return r.engine.maxIterations
}

// applyFeedback stores the feedback text and returns the loop body of
// each fired edge to idle. Edges leaving the body go back to pending.
func (r *RunContext) applyFeedback(ctx context.Context, source, output string, fired []*compiledEdge) {
	for _, f := range fired {
		r.write(ctx, source, Write{Key: f.Target + "_feedback", Value: output})
		for _, id := range r.graph.loopBody[f.index] {
			n := r.nodes[id]
			n.status = StatusIdle
			n.gen++
			n.deferred = nil
			r.seq.Emit(ctx, event.NodeUpdate, id, event.NodeUpdateData{Status: string(StatusIdle)})
			for _, e := range r.graph.outbound[id] {
				r.edges[e.index] = edgePending
			}
		}

		iteration, limit := r.fired[f.index]+1, r.iterationCap(f)
		observability.LogFeedback(r.logger, source, f.Target, iteration, limit)
		r.engine.metrics.RecordFeedback(ctx, source, f.Target)
		r.engine.spans.AddSpanEvent(ctx, "feedback",
			attribute.String("source", source),
			attribute.String("target", f.Target),
			attribute.Int("iteration", iteration),
		)
		r.seq.Emit(ctx, event.Log, source, event.LogData{
			Level:   "info",
			Message: fmt.Sprintf("feedback %s: iteration %d of %d", f.String(), iteration, limit),
		})
	}
}

// applyDispatches queues each dispatch target to run again with the
// handed-over task. Targets that are running, waiting or past their
// iteration cap are skipped.
func (r *RunContext) applyDispatches(ctx context.Context, source string, dispatches []Dispatch) {
	for _, d := range dispatches {
		id, ok := r.resolveNode(d.Node)
		if !ok {
			r.skipDispatch(ctx, source, fmt.Sprintf("dispatch target %q not found", d.Node))
			continue
		}
		n := r.nodes[id]
		if n.status == StatusRunning || n.status == StatusWaiting {
			r.skipDispatch(ctx, source, fmt.Sprintf("dispatch target %s is %s", id, n.status))
			continue
		}
		if limit := r.dispatchCap(id); n.dispatches >= limit {
			r.skipDispatch(ctx, source, fmt.Sprintf("dispatch target %s reached its limit of %d", id, limit))
			continue
		}

		n.status = StatusIdle
		n.gen++
		n.deferred = nil
		n.queued = true
		n.queuedInput = d.Input
		n.dispatches++
		for _, e := range r.graph.outbound[id] {
			r.edges[e.index] = edgePending
		}
		r.seq.Emit(ctx, event.NodeUpdate, id, event.NodeUpdateData{Status: string(StatusIdle)})
		r.logger.Info("node dispatched", "source", source, "target", id, "count", n.dispatches)
		msg := fmt.Sprintf("dispatch %s -> %s", r.graph.nodes[source].DisplayName(), r.graph.nodes[id].DisplayName())
		r.seq.Emit(ctx, event.Log, source, event.LogData{Level: "info", Message: msg})
	}
}

func (r *RunContext) skipDispatch(ctx context.Context, source, msg string) {
	r.logger.Warn("dispatch skipped", "source", source, "reason", msg)
	r.seq.Emit(ctx, event.Log, source, event.LogData{Level: "warn", Message: msg})
}

// resolveNode finds a node by ID, then by name in declaration order.
func (r *RunContext) resolveNode(ref string) (string, bool) {
	if _, ok := r.graph.nodes[ref]; ok {
		return ref, true
	}
	for _, id := range r.graph.order {
		if r.graph.nodes[id].Name == ref {
			return id, true
		}
	}
	return "", false
}

func (r *RunContext) dispatchCap(id string) int {
	if n := r.graph.nodes[id]; n.MaxIterations > 0 {
		return n.MaxIterations
	}
	return r.engine.maxIterations
}

// appendStep records the node's transition to status with the blackboard
// and the scheduler checkpoint. The checkpoint reflects any feedback reset
// applied after the transition.
func (r *RunContext) appendStep(ctx context.Context, id string, status Status, output, errText string) {
	n := r.nodes[id]
	cp, err := r.checkpoint()
	if err != nil {
		r.logger.Error("failed to encode checkpoint", "node_id", id, "error", err)
	}
	step := history.Step{
		RunID:      r.id,
		NodeID:     id,
		NodeName:   r.graph.nodes[id].DisplayName(),
		Input:      n.input,
		Output:     output,
		Status:     string(status),
		Error:      errText,
		Blackboard: r.bb.Snapshot(),
		Outputs:    r.outputs(),
		Checkpoint: cp,
	}
	saved, err := r.engine.history.Append(step)
	if err != nil {
		r.logger.Error("failed to record history step", "node_id", id, "error", err)
		return
	}
	observability.LogStep(r.logger, saved.Index, id, step.Status)
	r.engine.metrics.RecordSnapshot(ctx, id, int64(len(cp)))
}

// outputs collects completed output nodes.
func (r *RunContext) outputs() map[string]string {
	out := make(map[string]string)
	for _, id := range r.graph.outputs {
		if n := r.nodes[id]; n.status == StatusCompleted {
			out[id] = n.output
		}
	}
	return out
}

// finish closes the run. Must be called with r.mu held.
func (r *RunContext) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	stopped := r.stopping
	if stopped {
		for _, id := range r.graph.order {
			n := r.nodes[id]
			if !n.status.Terminal() && n.status != StatusIdle {
				n.status = StatusIdle
				n.deferred = nil
				r.seq.Emit(ctx, event.NodeUpdate, id, event.NodeUpdateData{Status: string(StatusIdle)})
			}
		}
	}

	res := &RunResult{
		RunID:       r.id,
		Outputs:     r.outputs(),
		FailedNodes: []string{},
		Statuses:    make(map[string]Status, len(r.nodes)),
		Duration:    time.Since(r.startedAt),
	}
	pathFailed := false
	for _, id := range r.graph.order {
		n := r.nodes[id]
		res.Statuses[id] = n.status
		if n.status == StatusFailed {
			res.FailedNodes = append(res.FailedNodes, id)
			if r.graph.outputPath[id] {
				pathFailed = true
			}
		}
	}
	res.Success = !stopped && !pathFailed
	switch {
	case stopped:
		res.Message = r.stopMsg
	case pathFailed:
		res.Message = "run failed: " + strings.Join(res.FailedNodes, ", ")
	case len(res.FailedNodes) > 0:
		res.Message = "completed with failed nodes: " + strings.Join(res.FailedNodes, ", ")
	default:
		res.Message = "completed"
	}

	r.result = res
	r.active = false
	r.paused = false
	r.stopping = false

	r.seq.Emit(ctx, event.WorkflowComplete, "", event.WorkflowCompleteData{
		Success: res.Success, Message: res.Message, FailedNodes: res.FailedNodes, Outputs: res.Outputs,
	})
	observability.LogRunComplete(r.logger, r.id, res.Success, float64(res.Duration.Milliseconds()), res.FailedNodes)
	r.engine.metrics.RecordRun(ctx, res.Success, res.Duration)

	var runErr error
	if !res.Success {
		runErr = errors.New(res.Message)
	}
	r.engine.spans.EndSpanWithError(r.span, runErr)
	r.cancel()
}

// Decision handlers run inside the loop through the signal dispatcher.

func (r *RunContext) waitingNode(id string) (*nodeRun, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.status != StatusWaiting || n.deferred == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoPendingIntervention, id, n.status)
	}
	return n, nil
}

func (r *RunContext) applyApprove(ctx context.Context, sig *signal.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.waitingNode(sig.NodeID)
	if err != nil {
		return err
	}
	r.resolveIntervention(ctx, sig)
	r.commitSuccess(ctx, sig.NodeID, *n.deferred, n.elapsed)
	return nil
}

func (r *RunContext) applyReject(ctx context.Context, sig *signal.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.waitingNode(sig.NodeID)
	if err != nil {
		return err
	}
	r.resolveIntervention(ctx, sig)
	r.commitFailure(ctx, sig.NodeID, &NodeError{
		NodeID: sig.NodeID,
		Kind:   Rejected,
		Err:    errors.New("rejected by reviewer"),
	}, n.elapsed)
	return nil
}

func (r *RunContext) applyRoute(ctx context.Context, sig *signal.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.waitingNode(sig.NodeID)
	if err != nil {
		return err
	}
	s := *n.deferred
	if r.graph.nodes[sig.NodeID].Kind() == KindRouter {
		s.Route = sig.Value
	} else {
		s.Output = sig.Value
	}
	r.resolveIntervention(ctx, sig)
	r.commitSuccess(ctx, sig.NodeID, s, n.elapsed)
	return nil
}

// applyUserFeedback appends operator text to the node's feedback key.
func (r *RunContext) applyUserFeedback(ctx context.Context, sig *signal.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[sig.NodeID]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, sig.NodeID)
	}
	text := sig.Value
	if existing := r.feedbackFor(sig.NodeID); existing != "" {
		text = existing + "\n" + text
	}
	r.write(ctx, sig.NodeID, Write{Key: sig.NodeID + "_feedback", Value: text})
	r.logger.Info("feedback injected", "node_id", sig.NodeID)
	r.seq.Emit(ctx, event.Log, sig.NodeID, event.LogData{
		Level: "info", Message: "feedback injected for " + r.graph.nodes[sig.NodeID].DisplayName(),
	})
	return nil
}

func (r *RunContext) resolveIntervention(ctx context.Context, sig *signal.Signal) {
	r.nodes[sig.NodeID].status = StatusRunning
	r.seq.Emit(ctx, event.NodeUpdate, sig.NodeID, event.NodeUpdateData{Status: string(StatusRunning)})
	r.seq.Emit(ctx, event.Intervention, sig.NodeID, event.InterventionData{
		State: "resolved", Decision: string(sig.Name),
	})
	observability.LogIntervention(r.logger, sig.NodeID, string(sig.Name))
}
