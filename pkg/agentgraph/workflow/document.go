// Package workflow loads workflow documents from JSON or YAML and turns them
// into agentgraph graphs.
//
// A document is a named set of nodes keyed by ID, the edges between them and
// optional presentation groups:
//
//	name: review
//	nodes:
//	  in:     {type: input}
//	  writer: {type: agent, persona: "You write contracts.", provider: mock}
//	  critic: {type: critic, provider: mock}
//	  out:    {type: output}
//	edges:
//	  - {source: in, target: writer}
//	  - {source: writer, target: critic}
//	  - {source: critic, target: out}
//	  - {source: critic, target: writer, feedback: true, max_iterations: 3}
//
// Documents are checked with struct tags before a graph is built, so unknown
// node types and rule kinds never reach the engine.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/agreement"
)

// ErrInvalidDocument is wrapped by every validation failure.
var ErrInvalidDocument = errors.New("invalid workflow document")

// Document is the serialized form of a workflow graph.
type Document struct {
	Name        string               `json:"name" yaml:"name" validate:"required"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       map[string]NodeSpec  `json:"nodes" yaml:"nodes" validate:"required,min=1,dive,keys,nodeid,endkeys"`
	Edges       []EdgeSpec           `json:"edges,omitempty" yaml:"edges,omitempty" validate:"dive"`
	Groups      map[string]GroupSpec `json:"groups,omitempty" yaml:"groups,omitempty" validate:"dive,keys,nodeid,endkeys"`
	// Order lists node IDs in declaration order. Nodes missing from it are
	// appended sorted by ID. Load fills it from the document's key order.
	Order []string `json:"order,omitempty" yaml:"order,omitempty"`
}

// NodeSpec describes one node. Only the fields relevant to Type are used.
type NodeSpec struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Type string `json:"type" yaml:"type" validate:"required,nodetype"`

	Persona     string         `json:"persona,omitempty" yaml:"persona,omitempty"`
	Backstory   string         `json:"backstory,omitempty" yaml:"backstory,omitempty"`
	Provider    string         `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model       string         `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64        `json:"temperature,omitempty" yaml:"temperature,omitempty" validate:"gte=0,lte=2"`
	Tier        string         `json:"tier,omitempty" yaml:"tier,omitempty" validate:"omitempty,oneof=vip high standard bulk"`
	TokenBudget int            `json:"token_budget,omitempty" yaml:"token_budget,omitempty" validate:"gte=0"`
	Options     map[string]any `json:"options,omitempty" yaml:"options,omitempty"`

	Script     string         `json:"script,omitempty" yaml:"script,omitempty" validate:"required_if=Type script"`
	Args       map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Tool       string         `json:"tool,omitempty" yaml:"tool,omitempty" validate:"required_if=Type tool"`
	MemoryKey  string         `json:"memory_key,omitempty" yaml:"memory_key,omitempty" validate:"required_if=Type memory"`
	MemoryMode string         `json:"memory_mode,omitempty" yaml:"memory_mode,omitempty" validate:"omitempty,oneof=read write append"`

	RequiresApproval bool       `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	AgreementRules   []RuleSpec `json:"agreement_rules,omitempty" yaml:"agreement_rules,omitempty" validate:"dive"`
	CaseInsensitive  bool       `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
	Timeout          Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	Retry            int        `json:"retry,omitempty" yaml:"retry,omitempty" validate:"gte=0"`
	MaxIterations    int        `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" validate:"gte=0"`
	Group            string     `json:"group,omitempty" yaml:"group,omitempty"`
}

// RuleSpec is an agreement rule. Required defaults to true.
type RuleSpec struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Type     string `json:"type" yaml:"type" validate:"required,rulekind"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
	Required *bool  `json:"required,omitempty" yaml:"required,omitempty"`
}

// EdgeSpec describes one edge. Pattern and When are mutually exclusive.
type EdgeSpec struct {
	Source        string `json:"source" yaml:"source" validate:"required"`
	Target        string `json:"target" yaml:"target" validate:"required"`
	Label         string `json:"label,omitempty" yaml:"label,omitempty"`
	Feedback      bool   `json:"feedback,omitempty" yaml:"feedback,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" validate:"gte=0"`
	// Pattern is a regular expression matched against the source output.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty" validate:"excluded_with=When"`
	// When is a predicate such as "score >= 7 && decision == 'approve'".
	When    string `json:"when,omitempty" yaml:"when,omitempty"`
	Trigger string `json:"trigger,omitempty" yaml:"trigger,omitempty" validate:"omitempty,oneof=on_success on_failure always"`
}

// GroupSpec is a presentation group. Its ID is the key in Document.Groups.
type GroupSpec struct {
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []string `json:"nodes" yaml:"nodes" validate:"required,min=1"`
}

// Duration accepts "90s"-style strings or a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case nil:
		*d = 0
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	default:
		return fmt.Errorf("duration: unsupported value %v", v)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("nodetype", func(fl validator.FieldLevel) bool {
		_, err := agentgraph.ParseRoleKind(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("rulekind", func(fl validator.FieldLevel) bool {
		switch agreement.Kind(fl.Field().String()) {
		case agreement.Contains, agreement.NotContains, agreement.MinWords, agreement.MaxWords,
			agreement.Regex, agreement.JSON, agreement.Schema:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("nodeid", func(fl validator.FieldLevel) bool {
		id := fl.Field().String()
		return id != "" && !strings.ContainsAny(id, " \t\n\r")
	})
	return v
}

// Validate checks field constraints and that every edge and group refers to
// a declared node. Graph-level checks such as cycles are left to Compile.
func (d *Document) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		errs := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidDocument, describe(fe)))
		}
		return errors.Join(errs...)
	}

	var errs []error
	for i, e := range d.Edges {
		for _, end := range []string{e.Source, e.Target} {
			if _, ok := d.Nodes[end]; !ok {
				errs = append(errs, fmt.Errorf("%w: edges[%d] refers to unknown node %q", ErrInvalidDocument, i, end))
			}
		}
	}
	for _, gid := range sortedKeys(d.Groups) {
		for _, id := range d.Groups[gid].Nodes {
			if _, ok := d.Nodes[id]; !ok {
				errs = append(errs, fmt.Errorf("%w: group %q refers to unknown node %q", ErrInvalidDocument, gid, id))
			}
		}
	}
	return errors.Join(errs...)
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Document.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "nodetype":
		return fmt.Sprintf("%s: unknown node type %q", field, fe.Value())
	case "rulekind":
		return fmt.Sprintf("%s: unknown rule type %q", field, fe.Value())
	case "nodeid":
		return fmt.Sprintf("%s: id %q must be non-empty without whitespace", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "excluded_with":
		return field + " cannot be combined with " + strings.ToLower(fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}

// Graph validates d and builds a graph builder from it.
func (d *Document) Graph() (*agentgraph.Graph, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	g := agentgraph.NewGraph(d.Name)
	for _, id := range d.nodeOrder() {
		n, err := d.Nodes[id].node(id)
		if err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", ErrInvalidDocument, id, err)
		}
		g.AddNode(n)
	}
	for _, e := range d.Edges {
		g.AddEdge(e.edge())
	}
	for _, id := range sortedKeys(d.Groups) {
		gr := d.Groups[id]
		g.AddGroup(agentgraph.Group{ID: id, Name: gr.Name, Nodes: gr.Nodes})
	}
	return g, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Compile builds and compiles the graph.
func (d *Document) Compile() (*agentgraph.CompiledGraph, error) {
	g, err := d.Graph()
	if err != nil {
		return nil, err
	}
	return g.Compile()
}

func (d *Document) nodeOrder() []string {
	seen := make(map[string]bool, len(d.Nodes))
	order := make([]string, 0, len(d.Nodes))
	for _, id := range d.Order {
		if _, ok := d.Nodes[id]; ok && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	var rest []string
	for id := range d.Nodes {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(order, rest...)
}

func (s NodeSpec) node(id string) (agentgraph.Node, error) {
	kind, err := agentgraph.ParseRoleKind(s.Type)
	if err != nil {
		return agentgraph.Node{}, err
	}

	n := agentgraph.Node{
		ID:                   id,
		Name:                 s.Name,
		RequiresApproval:     s.RequiresApproval,
		CaseInsensitiveRules: s.CaseInsensitive,
		Timeout:              time.Duration(s.Timeout),
		Retry:                s.Retry,
		MaxIterations:        s.MaxIterations,
		Group:                s.Group,
	}
	for _, r := range s.AgreementRules {
		required := r.Required == nil || *r.Required
		n.AgreementRules = append(n.AgreementRules, agreement.Rule{
			Name:     r.Name,
			Kind:     agreement.Kind(r.Type),
			Value:    r.Value,
			Required: required,
		})
	}

	switch {
	case agentgraph.IsAgentKind(kind):
		n.Role = agentgraph.AgentRole{
			Type:        kind,
			Persona:     s.Persona,
			Backstory:   s.Backstory,
			Provider:    s.Provider,
			Model:       s.Model,
			Temperature: s.Temperature,
			Tier:        s.Tier,
			TokenBudget: s.TokenBudget,
			Options:     s.Options,
		}
	case kind == agentgraph.KindRouter:
		n.Role = agentgraph.RouterRole{
			Provider:    s.Provider,
			Model:       s.Model,
			Persona:     s.Persona,
			Temperature: s.Temperature,
		}
	case kind == agentgraph.KindScript:
		n.Role = agentgraph.ScriptRole{Script: s.Script, Args: s.Args}
	case kind == agentgraph.KindMemory:
		mode := agentgraph.MemoryMode(s.MemoryMode)
		if mode == "" {
			mode = agentgraph.MemoryRead
		}
		n.Role = agentgraph.MemoryRole{Key: s.MemoryKey, Mode: mode}
	case kind == agentgraph.KindTool:
		n.Role = agentgraph.ToolRole{Tool: s.Tool, Options: s.Options}
	case kind == agentgraph.KindInput:
		n.Role = agentgraph.InputRole{}
	case kind == agentgraph.KindOutput:
		n.Role = agentgraph.OutputRole{}
	case kind == agentgraph.KindReroute:
		n.Role = agentgraph.RerouteRole{}
	}
	return n, nil
}

func (s EdgeSpec) edge() agentgraph.Edge {
	e := agentgraph.Edge{
		Source:        s.Source,
		Target:        s.Target,
		Label:         s.Label,
		Feedback:      s.Feedback,
		MaxIterations: s.MaxIterations,
		Trigger:       agentgraph.Trigger(s.Trigger),
	}
	switch {
	case s.Pattern != "":
		e.Condition = agentgraph.Condition{Kind: agentgraph.ConditionCustom, Pattern: s.Pattern}
	case s.When != "":
		e.Condition = agentgraph.Condition{Kind: agentgraph.ConditionPredicate, Expression: s.When}
	}
	return e
}

// Parse decodes a document. format is "json", "yaml" or "yml"; an empty
// format sniffs JSON by a leading brace.
func Parse(data []byte, format string) (*Document, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "" {
		format = "yaml"
		if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
			format = "json"
		}
	}

	var doc Document
	switch format {
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse workflow json: %w", err)
		}
		doc.Order = orderFromJSON(data, doc.Order)
	case "yaml", "yml":
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("parse workflow yaml: %w", err)
		}
		if err := root.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse workflow yaml: %w", err)
		}
		doc.Order = orderFromYAML(&root, doc.Order)
	default:
		return nil, fmt.Errorf("unsupported workflow format: %s", format)
	}
	return &doc, nil
}

// Load reads and parses a workflow file, choosing the format by extension.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}
