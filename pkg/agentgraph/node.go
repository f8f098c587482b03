package agentgraph

import (
	"strings"
	"time"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/agreement"
)

// Status is a node's lifecycle state within one run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting_for_approval"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s ends a node's execution for the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RoleKind is the enumerated node type.
type RoleKind string

const (
	KindInput   RoleKind = "input"
	KindOutput  RoleKind = "output"
	KindReroute RoleKind = "reroute"

	KindAgent     RoleKind = "agent"
	KindAuditor   RoleKind = "auditor"
	KindCharacter RoleKind = "character"
	KindDirector  RoleKind = "director"
	KindOptimizer RoleKind = "optimizer"
	KindArchitect RoleKind = "architect"
	KindCritic    RoleKind = "critic"

	KindRouter RoleKind = "router"
	KindScript RoleKind = "script"
	KindMemory RoleKind = "memory"
	KindTool   RoleKind = "tool"
)

var agentKinds = map[RoleKind]bool{
	KindAgent: true, KindAuditor: true, KindCharacter: true, KindDirector: true,
	KindOptimizer: true, KindArchitect: true, KindCritic: true,
}

// IsAgentKind reports whether k is served by AgentRole.
func IsAgentKind(k RoleKind) bool { return agentKinds[k] }

// ParseRoleKind validates a node type string. Unknown types are rejected
// rather than defaulted.
func ParseRoleKind(s string) (RoleKind, error) {
	k := RoleKind(strings.ToLower(strings.TrimSpace(s)))
	switch {
	case agentKinds[k]:
		return k, nil
	case k == KindInput, k == KindOutput, k == KindReroute,
		k == KindRouter, k == KindScript, k == KindMemory, k == KindTool:
		return k, nil
	}
	return "", &UnknownRoleError{Type: s}
}

// Role is the tagged variant describing what a node does. Each role carries
// only the fields relevant to it.
type Role interface {
	Kind() RoleKind
	role()
}

// AgentRole is an LLM-backed node.
type AgentRole struct {
	// Type is one of the agent kinds; empty means KindAgent.
	Type        RoleKind
	Persona     string
	Backstory   string
	Provider    string
	Model       string
	Temperature float64
	// Tier overrides the dispatch priority derived from Type
	// ("vip", "high", "standard" or "bulk").
	Tier string
	// TokenBudget caps output tokens; zero means unlimited.
	TokenBudget int
	Options     map[string]any
}

func (r AgentRole) Kind() RoleKind {
	if r.Type == "" {
		return KindAgent
	}
	return r.Type
}

// RouterRole picks one outbound edge. Without a provider it routes on its
// input text.
type RouterRole struct {
	Provider    string
	Model       string
	Persona     string
	Temperature float64
}

func (RouterRole) Kind() RoleKind { return KindRouter }

// ScriptRole runs a registered Go script.
type ScriptRole struct {
	Script string
	Args   map[string]any
}

func (ScriptRole) Kind() RoleKind { return KindScript }

// MemoryMode selects how a memory node touches the blackboard.
type MemoryMode string

const (
	MemoryRead   MemoryMode = "read"
	MemoryWrite  MemoryMode = "write"
	MemoryAppend MemoryMode = "append"
)

// MemoryRole reads or writes one blackboard key.
type MemoryRole struct {
	Key  string
	Mode MemoryMode
}

func (MemoryRole) Kind() RoleKind { return KindMemory }

// ToolRole calls a registered tool integration (github, http, rag, mcp, ...).
type ToolRole struct {
	Tool    string
	Options map[string]any
}

func (ToolRole) Kind() RoleKind { return KindTool }

// InputRole emits the run prompt.
type InputRole struct{}

func (InputRole) Kind() RoleKind { return KindInput }

// OutputRole collects its input as a designated run output.
type OutputRole struct{}

func (OutputRole) Kind() RoleKind { return KindOutput }

// RerouteRole is a transparent passthrough with exactly one inbound edge.
type RerouteRole struct{}

func (RerouteRole) Kind() RoleKind { return KindReroute }

func (AgentRole) role()   {}
func (RouterRole) role()  {}
func (ScriptRole) role()  {}
func (MemoryRole) role()  {}
func (ToolRole) role()    {}
func (InputRole) role()   {}
func (OutputRole) role()  {}
func (RerouteRole) role() {}

// Node is one vertex of a workflow graph.
type Node struct {
	ID   string
	Name string
	Role Role

	// RequiresApproval holds a successful result until a human decides.
	RequiresApproval bool
	// AgreementRules are evaluated in order against successful output.
	AgreementRules []agreement.Rule
	// CaseInsensitiveRules makes contains/not_contains/regex rules ignore case.
	CaseInsensitiveRules bool
	// Timeout bounds one execution; zero falls back to the engine default.
	Timeout time.Duration
	// Retry is the number of extra attempts after an execution error or a
	// required agreement violation.
	Retry int
	// MaxIterations caps feedback re-activation of this node when the
	// feedback edge sets no cap of its own.
	MaxIterations int
	Group         string
}

// DisplayName returns Name, or ID when Name is empty.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Kind returns the node's role kind.
func (n Node) Kind() RoleKind {
	if n.Role == nil {
		return ""
	}
	return n.Role.Kind()
}

// Group is a named set of nodes, used for presentation only.
type Group struct {
	ID    string
	Name  string
	Nodes []string
}
