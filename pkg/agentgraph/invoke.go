package agentgraph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/agreement"
	agerrors "github.com/randalmurphal/agentgraph/pkg/agentgraph/errors"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/traffic"
)

// nodeRetry is the backoff between explicit node retries.
var nodeRetry = agerrors.RetryConfig{
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// invoke wraps one executor call with the node's deadline, panic recovery,
// retries, agreement rules, token budget and approval gate.
func invoke(ctx context.Context, ec *executionContext, exec Executor, req Request, defaultTimeout time.Duration) Result {
	n := req.Node
	timeout := n.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if timeout <= 0 {
		return fail(n.ID, Misconfigured, errors.New("no execution deadline configured"))
	}

	cfg := nodeRetry
	cfg.MaxAttempts = n.Retry + 1
	cfg.RetryableFunc = func(err error) bool {
		switch KindOf(err) {
		case ExecutionError, AgreementViolation:
			return true
		}
		return false
	}

	approval := n.RequiresApproval
	correction := ""
	res := agerrors.WithRetryContext(ctx, cfg, func(ctx context.Context, attempt int) (Success, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r := req
		r.Correction = correction
		actx := ec.withAttempt(attemptCtx, attempt)
		out := safeExecute(actx, exec, r)

		var s Success
		switch v := out.(type) {
		case Success:
			s = v
		case NeedsApproval:
			s = v.Deferred
			approval = true
		case Failure:
			return Success{}, classify(ctx, attemptCtx, n.ID, v.Err)
		}

		report := agreement.Evaluate(s.Output, n.AgreementRules, n.CaseInsensitiveRules)
		s.Rules = report.Outcomes
		if optional := report.FailedOptional(); len(optional) > 0 {
			actx.logger.Warn("optional agreement rules failed", "rules", optional)
		}
		if !report.Passed() {
			correction = report.Correction()
			actx.logger.Warn("required agreement rules failed", "rules", report.FailedRequired())
			return Success{}, &NodeError{NodeID: n.ID, Kind: AgreementViolation, Err: report.Err()}
		}

		if r, ok := n.Role.(AgentRole); ok && r.TokenBudget > 0 && s.Usage.OutputTokens > r.TokenBudget {
			return Success{}, &NodeError{
				NodeID: n.ID,
				Kind:   ExecutionError,
				Err:    fmt.Errorf("output used %d tokens, budget is %d", s.Usage.OutputTokens, r.TokenBudget),
			}
		}
		return s, nil
	})

	if res.Err != nil {
		var ne *NodeError
		if errors.As(res.Err, &ne) {
			return Failure{Err: ne}
		}
		return fail(n.ID, Cancelled, res.Err)
	}
	if approval {
		return NeedsApproval{Pending: res.Value.Output, Deferred: res.Value}
	}
	return res.Value
}

// safeExecute runs the executor, converting panics into failures.
func safeExecute(ctx *executionContext, exec Executor, req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = fail(req.Node.ID, ExecutionError, &PanicError{
				NodeID: req.Node.ID,
				Value:  r,
				Stack:  string(debug.Stack()),
			})
		}
	}()
	result = exec.Execute(ctx, req)
	if result == nil {
		return fail(req.Node.ID, ExecutionError, errors.New("executor returned no result"))
	}
	return result
}

// classify turns an executor error into a *NodeError. Deadline and
// cancellation take precedence over whatever the executor reported.
func classify(runCtx, attemptCtx context.Context, nodeID string, err error) *NodeError {
	if err == nil {
		err = errors.New("executor failed without an error")
	}
	switch {
	case runCtx.Err() != nil:
		return &NodeError{NodeID: nodeID, Kind: Cancelled, Err: err}
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return &NodeError{NodeID: nodeID, Kind: Timeout, Err: err}
	}

	var ne *NodeError
	if errors.As(err, &ne) {
		if ne.NodeID == "" {
			ne.NodeID = nodeID
		}
		return ne
	}
	if errors.Is(err, traffic.ErrRateLimited) {
		return &NodeError{NodeID: nodeID, Kind: RateLimited, Err: err}
	}
	return &NodeError{NodeID: nodeID, Kind: ExecutionError, Err: err}
}
