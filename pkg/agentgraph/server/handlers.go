package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/signal"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/workflow"
)

const runKey = "run"

// StartRunRequest starts a run from an inline workflow document.
type StartRunRequest struct {
	Workflow    json.RawMessage `json:"workflow" binding:"required"`
	Prompt      string          `json:"prompt"`
	RunID       string          `json:"run_id,omitempty"`
	Blackboard  map[string]any  `json:"blackboard,omitempty"`
	AutoApprove bool            `json:"auto_approve,omitempty"`
}

// StartRunResponse is returned when a run starts without waiting.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// InterventionRequest resolves a node waiting for approval.
type InterventionRequest struct {
	NodeID   string `json:"node_id" binding:"required"`
	Decision string `json:"decision" binding:"required,oneof=approve reject route"`
	Value    string `json:"value,omitempty" binding:"required_if=Decision route"`
}

// FeedbackRequest injects operator feedback for one node.
type FeedbackRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

// ValidateResponse reports whether a document compiles.
type ValidateResponse struct {
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors,omitempty"`
	Nodes   int      `json:"nodes,omitempty"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// handleValidate accepts a JSON or YAML document body.
func (s *Server) handleValidate(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	doc, err := workflow.Parse(data, "")
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	cg, err := doc.Compile()
	if err != nil {
		c.JSON(http.StatusOK, ValidateResponse{Valid: false, Errors: splitErrors(err)})
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{
		Valid:   true,
		Nodes:   cg.NodeCount(),
		Inputs:  cg.Inputs(),
		Outputs: cg.Outputs(),
	})
}

// splitErrors flattens errors.Join trees into one message per leaf.
func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if req.RunID != "" {
		if _, exists := s.run(req.RunID); exists {
			abort(c, http.StatusConflict, fmt.Errorf("run %s already exists", req.RunID))
			return
		}
	}

	doc, err := workflow.Parse(req.Workflow, "json")
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	cg, err := doc.Compile()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}

	opts := slices.Clone(s.runOpts)
	if req.RunID != "" {
		opts = append(opts, agentgraph.WithRunID(req.RunID))
	}
	if len(req.Blackboard) > 0 {
		opts = append(opts, agentgraph.WithInitialBlackboard(req.Blackboard))
	}
	if req.AutoApprove {
		opts = append(opts, agentgraph.WithAutoApprove())
	}

	run, err := s.engine.Start(s.ctx, cg, req.Prompt, opts...)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	s.addRun(run)
	s.logger.Info("run started via api", "run_id", run.ID(), "graph", cg.Name())

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		result, err := run.Wait(c.Request.Context())
		if err != nil {
			abort(c, http.StatusGatewayTimeout, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusAccepted, StartRunResponse{RunID: run.ID()})
}

func (s *Server) handleListRuns(c *gin.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	c.JSON(http.StatusOK, gin.H{"runs": ids})
}

// loadRun resolves :id and stores the run in the request context.
func (s *Server) loadRun(c *gin.Context) {
	run, ok := s.run(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, fmt.Errorf("run %s not found", c.Param("id")))
		return
	}
	c.Set(runKey, run)
	c.Next()
}

func runFrom(c *gin.Context) *agentgraph.RunContext {
	return c.MustGet(runKey).(*agentgraph.RunContext)
}

func (s *Server) handleGetRun(c *gin.Context) {
	c.JSON(http.StatusOK, runFrom(c).Status())
}

// control adapts a no-argument run method into a handler that answers with
// the resulting status.
func (s *Server) control(fn func(*agentgraph.RunContext) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		run := runFrom(c)
		if err := fn(run); err != nil {
			abort(c, statusFor(err), err)
			return
		}
		c.JSON(http.StatusOK, run.Status())
	}
}

func (s *Server) handleIntervention(c *gin.Context) {
	var req InterventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	d := agentgraph.Decision{Action: signal.Name(req.Decision), Value: req.Value}
	if err := runFrom(c).Decide(c.Request.Context(), req.NodeID, d); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"node_id": req.NodeID, "decision": req.Decision})
}

func (s *Server) handleFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		abort(c, http.StatusBadRequest, errors.New("feedback is blank"))
		return
	}
	node := c.Param("node")
	if err := runFrom(c).InjectFeedback(c.Request.Context(), node, req.Feedback); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"node_id": node})
}

func (s *Server) handleHistory(c *gin.Context) {
	steps, err := runFrom(c).History()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	// Checkpoints are internal scheduler state.
	for i := range steps {
		steps[i].Checkpoint = nil
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

func stepIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid step index %q", c.Param("index")))
		return 0, false
	}
	return index, true
}

func (s *Server) handleSnapshot(c *gin.Context) {
	index, ok := stepIndex(c)
	if !ok {
		return
	}
	snap, err := runFrom(c).Snapshot(index)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "blackboard": snap.Map()})
}

func (s *Server) handleReplay(c *gin.Context) {
	index, ok := stepIndex(c)
	if !ok {
		return
	}
	run := runFrom(c)
	if err := run.Replay(s.ctx, index); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID(), "from_step": index})
}
