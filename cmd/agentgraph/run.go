package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/signal"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/workflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := workflow.Load(args[0])
			if err != nil {
				return err
			}
			cg, err := doc.Compile()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, inputs %s, outputs %s)\n",
				cg.Name(), cg.NodeCount(), strings.Join(cg.Inputs(), ","), strings.Join(cg.Outputs(), ","))
			return nil
		},
	}
}

type runFlags struct {
	providerFlags
	prompt     string
	approveAll bool
	timeout    time.Duration
	jsonEvents bool
	thoughts   bool
	blackboard map[string]string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow and print its events and result",
		Long: `Run executes a workflow document to completion.

Nodes that require approval prompt on stdin unless --approve-all is set.
Answer "approve", "reject" or "route <value>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, g, f, args[0])
		},
	}
	cmd.Flags().StringVarP(&f.prompt, "prompt", "p", "", "prompt emitted by input nodes")
	cmd.Flags().StringVar(&f.provider, "provider", "mock", "default provider: mock or openai")
	cmd.Flags().StringVar(&f.model, "model", "", "default model for the openai provider")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "base URL for an openai-compatible endpoint")
	cmd.Flags().DurationVar(&f.mockLatency, "mock-latency", 0, "simulated latency of the mock provider")
	cmd.Flags().BoolVar(&f.approveAll, "approve-all", false, "approve every intervention automatically")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Minute, "maximum run duration")
	cmd.Flags().BoolVar(&f.jsonEvents, "json", false, "print events as JSON lines")
	cmd.Flags().BoolVar(&f.thoughts, "thoughts", false, "print streamed thought fragments")
	cmd.Flags().StringToStringVar(&f.blackboard, "set", nil, "initial blackboard values (key=value)")
	return cmd
}

func runWorkflow(cmd *cobra.Command, g *globalFlags, f *runFlags, path string) error {
	settings, err := g.settings()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), settings)
	if err != nil {
		return err
	}
	doc, err := workflow.Load(path)
	if err != nil {
		return err
	}
	cg, err := doc.Compile()
	if err != nil {
		return err
	}

	printer := &eventPrinter{w: cmd.OutOrStdout(), json: f.jsonEvents, thoughts: f.thoughts, pending: make(chan string, 16)}
	st, err := buildStack(settings, f.providerFlags, logger, printer, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()

	var opts []agentgraph.RunOption
	if f.approveAll {
		opts = append(opts, agentgraph.WithAutoApprove())
	}
	if len(f.blackboard) > 0 {
		initial := make(map[string]any, len(f.blackboard))
		for k, v := range f.blackboard {
			initial[k] = v
		}
		opts = append(opts, agentgraph.WithInitialBlackboard(initial))
	}

	r, err := st.engine.Start(ctx, cg, f.prompt, opts...)
	if err != nil {
		return err
	}
	if !f.approveAll {
		go promptDecisions(ctx, r, cmd.InOrStdin(), cmd.OutOrStdout(), printer.pending)
	}

	result, err := r.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if !result.Success {
		return errors.New(result.Message)
	}
	return nil
}

// promptDecisions reads one decision line per pending node.
func promptDecisions(ctx context.Context, r *agentgraph.RunContext, in io.Reader, out io.Writer, pending <-chan string) {
	lines := bufio.NewScanner(in)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.Done():
			return
		case nodeID := <-pending:
			for {
				fmt.Fprintf(out, "%s is waiting for approval [approve | reject | route <value>]: ", nodeID)
				if !lines.Scan() {
					return
				}
				d, err := parseDecision(lines.Text())
				if err == nil {
					err = r.Decide(ctx, nodeID, d)
				}
				if err == nil {
					break
				}
				fmt.Fprintln(out, "error:", err)
				if errors.Is(err, agentgraph.ErrRunFinished) {
					return
				}
			}
		}
	}
}

func parseDecision(line string) (agentgraph.Decision, error) {
	verb, value, _ := strings.Cut(strings.TrimSpace(line), " ")
	name, err := signal.ParseName(verb)
	if err != nil {
		return agentgraph.Decision{}, err
	}
	return agentgraph.Decision{Action: name, Value: strings.TrimSpace(value)}, nil
}

// eventPrinter writes run events to w and forwards pending interventions.
type eventPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	json     bool
	thoughts bool
	pending  chan string
}

func (p *eventPrinter) Emit(_ context.Context, evt event.Event) {
	if evt.Type == event.Intervention {
		if d, ok := evt.Data.(event.InterventionData); ok && d.State == "pending" {
			select {
			case p.pending <- evt.NodeID:
			default:
			}
		}
	}
	if evt.Type == event.Thought && !p.thoughts {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		if data, err := json.Marshal(evt); err == nil {
			fmt.Fprintln(p.w, string(data))
		}
		return
	}
	if line := describeEvent(evt); line != "" {
		fmt.Fprintf(p.w, "[%03d] %s\n", evt.Step, line)
	}
}

func describeEvent(evt event.Event) string {
	switch d := evt.Data.(type) {
	case event.WorkflowStartedData:
		return fmt.Sprintf("workflow %s started", d.Graph)
	case event.NodeUpdateData:
		if d.Error != "" {
			return fmt.Sprintf("%s %s: %s", evt.NodeID, d.Status, d.Error)
		}
		return fmt.Sprintf("%s %s", evt.NodeID, d.Status)
	case event.ThoughtData:
		return fmt.Sprintf("%s thinks: %s", evt.NodeID, d.Fragment)
	case event.LogData:
		return fmt.Sprintf("%s: %s", d.Level, d.Message)
	case event.TokenUsageData:
		return fmt.Sprintf("%s used %d tokens (%s)", evt.NodeID, d.TotalTokens, d.Provider)
	case event.InterventionData:
		if d.Decision != "" {
			return fmt.Sprintf("%s intervention %s: %s", evt.NodeID, d.State, d.Decision)
		}
		return fmt.Sprintf("%s intervention %s", evt.NodeID, d.State)
	case event.BlackboardUpdateData:
		return fmt.Sprintf("blackboard %s updated", d.Key)
	case event.WorkflowCompleteData:
		return "workflow complete: " + d.Message
	}
	return ""
}
