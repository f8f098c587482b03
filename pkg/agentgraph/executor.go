package agentgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/blackboard"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/llm"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/registry"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/template"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/traffic"
)

// Executor runs one node. Implementations must honor ctx cancellation and
// must not mutate shared state: blackboard effects are returned as
// Success.Writes and committed by the scheduler.
type Executor interface {
	Execute(ctx Context, req Request) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx Context, req Request) Result

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx Context, req Request) Result { return f(ctx, req) }

// Request is the input of one node execution.
type Request struct {
	Node Node
	// Blackboard is the snapshot taken when the node was dispatched.
	Blackboard blackboard.View
	// Input is the predecessor context: the single predecessor's output,
	// labelled outputs of several predecessors, or the run prompt for
	// entry nodes.
	Input string
	// Inputs maps predecessor IDs to their outputs.
	Inputs map[string]string
	// Prompt is the run prompt.
	Prompt string
	// Feedback is the text left by a feedback edge targeting this node.
	Feedback string
	// Correction describes the previous attempt's failed agreement rules.
	Correction string
	// Routes lists the labels of a router's outbound edges.
	Routes []string
	// Dispatch is the task handed over by another node's dispatch tag.
	Dispatch string
}

// Script is a Go function run by script nodes.
type Script func(ctx Context, in ScriptInput) (string, error)

// ScriptInput is what a script receives.
type ScriptInput struct {
	Input      string
	Args       map[string]any
	Blackboard blackboard.View
}

// Tool is an external integration called by tool nodes.
type Tool interface {
	Call(ctx context.Context, input string, options map[string]any) (string, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, input string, options map[string]any) (string, error)

// Call calls f.
func (f ToolFunc) Call(ctx context.Context, input string, options map[string]any) (string, error) {
	return f(ctx, input, options)
}

// DefaultExecutor pattern-matches on the node role. Agent and router calls
// go through the traffic controller keyed by provider name; tool calls are
// keyed by tool name.
type DefaultExecutor struct {
	providers       *registry.Registry[llm.Client]
	scripts         *registry.Registry[Script]
	tools           *registry.Registry[Tool]
	traffic         *traffic.Controller
	defaultProvider string
	expander        *template.Expander
}

// ExecutorOption configures a DefaultExecutor.
type ExecutorOption func(*DefaultExecutor)

// WithProvider registers an LLM client under name.
func WithProvider(name string, client llm.Client) ExecutorOption {
	return func(e *DefaultExecutor) {
		e.providers.Register(name, client)
	}
}

// WithDefaultProvider selects the provider for nodes that name none.
// Default: "mock".
func WithDefaultProvider(name string) ExecutorOption {
	return func(e *DefaultExecutor) {
		e.defaultProvider = name
	}
}

// WithScript registers a script under name.
func WithScript(name string, fn Script) ExecutorOption {
	return func(e *DefaultExecutor) {
		e.scripts.Register(name, fn)
	}
}

// WithTool registers a tool under name.
func WithTool(name string, tool Tool) ExecutorOption {
	return func(e *DefaultExecutor) {
		e.tools.Register(name, tool)
	}
}

// WithTrafficController sets the admission controller for provider and
// tool calls. Engines pass their own controller.
func WithTrafficController(c *traffic.Controller) ExecutorOption {
	return func(e *DefaultExecutor) {
		if c != nil {
			e.traffic = c
		}
	}
}

// NewDefaultExecutor creates an executor with a simulated "mock" provider
// registered as the default.
func NewDefaultExecutor(opts ...ExecutorOption) *DefaultExecutor {
	e := &DefaultExecutor{
		providers:       llm.NewRegistry(),
		scripts:         registry.New[Script]("script"),
		tools:           registry.New[Tool]("tool"),
		defaultProvider: "mock",
		expander:        template.NewExpander(),
	}
	e.providers.Register("mock", llm.NewSimulatedClient(0))
	for _, opt := range opts {
		opt(e)
	}
	if e.traffic == nil {
		e.traffic = traffic.New(traffic.DefaultConfig())
	}
	return e
}

// Providers returns the provider registry.
func (e *DefaultExecutor) Providers() *registry.Registry[llm.Client] { return e.providers }

// Scripts returns the script registry.
func (e *DefaultExecutor) Scripts() *registry.Registry[Script] { return e.scripts }

// Tools returns the tool registry.
func (e *DefaultExecutor) Tools() *registry.Registry[Tool] { return e.tools }

// Execute runs req.Node according to its role.
func (e *DefaultExecutor) Execute(ctx Context, req Request) Result {
	n := req.Node
	if _, agent := n.Role.(AgentRole); !agent && req.Dispatch != "" {
		req.Input = req.Dispatch
	}
	switch r := n.Role.(type) {
	case InputRole:
		return Success{Output: req.Prompt}
	case OutputRole:
		out := req.Input
		if out == "" {
			out = req.Prompt
		}
		return Success{Output: out}
	case RerouteRole:
		return Success{Output: req.Input}
	case MemoryRole:
		return e.memory(n.ID, r, req)
	case ScriptRole:
		return e.script(ctx, n.ID, r, req)
	case ToolRole:
		return e.tool(ctx, n.ID, r, req)
	case RouterRole:
		if r.Provider == "" {
			// Routers without a provider route on their input.
			return Success{Output: req.Input}
		}
		return e.complete(ctx, n, call{
			provider:    r.Provider,
			model:       r.Model,
			temperature: r.Temperature,
			system:      e.routerPrompt(r, req),
			user:        req.Input,
		}, req)
	case AgentRole:
		return e.complete(ctx, n, call{
			provider:    e.defaultProviderFor(r.Provider),
			model:       r.Model,
			temperature: r.Temperature,
			options:     r.Options,
			system:      e.agentPrompt(n, r, req),
			user:        userMessage(req),
		}, req)
	default:
		return fail(n.ID, Misconfigured, fmt.Errorf("no executor for role %T", n.Role))
	}
}

func (e *DefaultExecutor) defaultProviderFor(name string) string {
	if name != "" {
		return name
	}
	return e.defaultProvider
}

type call struct {
	provider    string
	model       string
	temperature float64
	options     map[string]any
	system      string
	user        string
}

// complete streams one provider call through the traffic controller,
// forwarding thoughts as they arrive.
func (e *DefaultExecutor) complete(ctx Context, n Node, c call, req Request) Result {
	client, err := e.providers.Lookup(c.provider)
	if err != nil {
		return fail(n.ID, Misconfigured, err)
	}

	creq := llm.CompletionRequest{
		SystemPrompt: c.system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: c.user}},
		Model:        c.model,
		Temperature:  c.temperature,
		Options:      c.options,
	}

	var resp *llm.CompletionResponse
	err = e.traffic.Do(ctx, c.provider, dispatchPriority(n), func(callCtx context.Context) error {
		ch, err := client.Stream(callCtx, creq)
		if err != nil {
			return err
		}
		r, err := llm.Collect(callCtx, ch, func(chunk llm.StreamChunk) {
			ctx.Thought(chunk.Thought)
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, traffic.ErrRateLimited) {
			return fail(n.ID, RateLimited, err)
		}
		return Failure{Err: err}
	}

	raw := resp.Content
	usage := resp.Usage
	if usage.IsZero() {
		usage = llm.EstimateUsage(creq, raw)
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	return Success{
		Output:     StripThinking(raw),
		Usage:      usage,
		Provider:   c.provider,
		Model:      model,
		Writes:     ParseStateTags(raw),
		Dispatches: ParseDispatchTags(raw),
	}
}

func (e *DefaultExecutor) agentPrompt(n Node, r AgentRole, req Request) string {
	persona := r.Persona
	if persona == "" {
		persona = fmt.Sprintf("You are %s, a %s agent.", n.DisplayName(), r.Kind())
	}
	var b strings.Builder
	b.WriteString(e.expand(persona, req.Blackboard))
	fmt.Fprintf(&b, "\n\nRole: %s", r.Kind())
	if r.Backstory != "" {
		b.WriteString("\n\n## Backstory & Context\n")
		b.WriteString(e.expand(r.Backstory, req.Blackboard))
	}
	return b.String()
}

func (e *DefaultExecutor) routerPrompt(r RouterRole, req Request) string {
	persona := r.Persona
	if persona == "" {
		persona = "You are a router. Read the input and decide which branch it belongs to."
	}
	var b strings.Builder
	b.WriteString(e.expand(persona, req.Blackboard))
	if len(req.Routes) > 0 {
		fmt.Fprintf(&b, "\n\nAnswer with exactly one of: %s. Put the answer on the first line.",
			strings.Join(req.Routes, ", "))
	}
	return b.String()
}

// expand substitutes blackboard values into s. {{blackboard}} renders the
// whole blackboard as JSON.
func (e *DefaultExecutor) expand(s string, view blackboard.View) string {
	if view == nil {
		return s
	}
	vars := view.Map()
	vars["blackboard"] = view.Map()
	out, _ := e.expander.Expand(s, vars)
	return out
}

func userMessage(req Request) string {
	msg := req.Input
	if msg == "" {
		msg = req.Prompt
	}
	if req.Dispatch != "" {
		msg += "\n\n[PRIORITY DISPATCH]: " + req.Dispatch
	}
	if req.Feedback != "" {
		msg += "\n\n[FEEDBACK]: " + req.Feedback +
			"\n(You must prioritize this instruction over previous ones.)"
	}
	if req.Correction != "" {
		msg += "\n\nERROR IN PREVIOUS ATTEMPT:\n" + req.Correction +
			"\n\nPlease fix the output and try again."
	}
	return msg
}

func (e *DefaultExecutor) memory(id string, r MemoryRole, req Request) Result {
	switch r.Mode {
	case "", MemoryRead:
		if req.Blackboard == nil {
			return Success{}
		}
		v, ok := req.Blackboard.Get(r.Key)
		if !ok {
			return Success{}
		}
		return Success{Output: render(v)}
	case MemoryWrite:
		return Success{Output: req.Input, Writes: []Write{{Key: r.Key, Value: req.Input}}}
	case MemoryAppend:
		return Success{Output: req.Input, Writes: []Write{{Key: r.Key, Value: req.Input, Append: true}}}
	default:
		return fail(id, Misconfigured, fmt.Errorf("unknown memory mode %q", r.Mode))
	}
}

func (e *DefaultExecutor) script(ctx Context, id string, r ScriptRole, req Request) Result {
	fn, err := e.scripts.Lookup(r.Script)
	if err != nil {
		return fail(id, Misconfigured, err)
	}
	out, err := fn(ctx, ScriptInput{Input: req.Input, Args: r.Args, Blackboard: req.Blackboard})
	if err != nil {
		return Failure{Err: err}
	}
	return Success{Output: out, Writes: ParseStateTags(out), Dispatches: ParseDispatchTags(out)}
}

func (e *DefaultExecutor) tool(ctx Context, id string, r ToolRole, req Request) Result {
	t, err := e.tools.Lookup(r.Tool)
	if err != nil {
		return fail(id, Misconfigured, err)
	}
	opts := r.Options
	if req.Blackboard != nil && len(opts) > 0 {
		if expanded, err := e.expander.ExpandMap(opts, req.Blackboard.Map()); err == nil {
			opts = expanded
		}
	}

	var out string
	err = e.traffic.Do(ctx, r.Tool, traffic.Standard, func(callCtx context.Context) error {
		var err error
		out, err = t.Call(callCtx, req.Input, opts)
		return err
	})
	if err != nil {
		if errors.Is(err, traffic.ErrRateLimited) {
			return fail(id, RateLimited, err)
		}
		return Failure{Err: err}
	}
	return Success{Output: out}
}

var (
	thinkPattern         = regexp.MustCompile(`(?is)<think>.*?</think>`)
	stateShortPattern    = regexp.MustCompile(`<set_state\s+key=["']([^"']+)["']\s+value=["']([^"']+)["']\s*/>`)
	stateBlockPattern    = regexp.MustCompile(`(?s)<set_state\s+key=["']([^"']+)["']\s*>(.*?)</set_state>`)
	unterminatedThinking = regexp.MustCompile(`(?is)<think>.*$`)
	dispatchPattern      = regexp.MustCompile(`(?s)<dispatch_task\s+node=["']([^"']+)["'](?:\s+input=["']([^"']*)["'])?\s*>(.*?)</dispatch_task>`)
)

// StripThinking removes <think> blocks, including an unterminated trailing
// one, and trims the result.
func StripThinking(s string) string {
	s = thinkPattern.ReplaceAllString(s, "")
	s = unterminatedThinking.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ParseStateTags extracts blackboard writes from set_state tags in the
// self-closing form and the block form, in that order.
func ParseStateTags(s string) []Write {
	var writes []Write
	for _, m := range stateShortPattern.FindAllStringSubmatch(s, -1) {
		writes = append(writes, Write{Key: m[1], Value: m[2]})
	}
	for _, m := range stateBlockPattern.FindAllStringSubmatch(s, -1) {
		writes = append(writes, Write{Key: m[1], Value: strings.TrimSpace(m[2])})
	}
	return writes
}

// ParseDispatchTags extracts dispatch_task tags. The task is the input
// attribute, the tag content, or both joined by a newline.
func ParseDispatchTags(s string) []Dispatch {
	var out []Dispatch
	for _, m := range dispatchPattern.FindAllStringSubmatch(s, -1) {
		input, content := m[2], strings.TrimSpace(m[3])
		switch {
		case input == "":
			input = content
		case content != "":
			input += "\n" + content
		}
		out = append(out, Dispatch{Node: m[1], Input: input})
	}
	return out
}

// dispatchPriority is the node's tier override, else the default for its kind.
func dispatchPriority(n Node) traffic.Priority {
	if r, ok := n.Role.(AgentRole); ok && r.Tier != "" {
		if p, err := parseTier(r.Tier); err == nil {
			return p
		}
	}
	return traffic.PriorityFor(string(n.Kind()))
}

func parseTier(tier string) (traffic.Priority, error) {
	switch strings.ToLower(tier) {
	case "":
		return traffic.Standard, nil
	case "vip":
		return traffic.VIP, nil
	case "high":
		return traffic.High, nil
	case "standard":
		return traffic.Standard, nil
	case "bulk":
		return traffic.Bulk, nil
	}
	return traffic.Standard, fmt.Errorf("unknown tier %q (want vip, high, standard or bulk)", tier)
}

// render turns a blackboard value into text. Strings pass through,
// everything else is JSON.
func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
