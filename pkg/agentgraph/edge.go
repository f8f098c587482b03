package agentgraph

// ConditionKind selects how an edge condition is evaluated.
type ConditionKind string

const (
	// ConditionNone always matches.
	ConditionNone ConditionKind = ""
	// ConditionCustom matches a regular expression against the source output.
	ConditionCustom ConditionKind = "custom"
	// ConditionPredicate evaluates an expr predicate.
	ConditionPredicate ConditionKind = "predicate"
)

// Condition gates an edge on the source's result.
type Condition struct {
	Kind ConditionKind
	// Pattern is the regular expression for ConditionCustom.
	Pattern string
	// Expression is the predicate for ConditionPredicate. It sees output,
	// status, error, decision, node and every blackboard key.
	Expression string
}

// Trigger selects which source outcomes an edge reacts to.
type Trigger string

const (
	OnSuccess Trigger = "on_success"
	OnFailure Trigger = "on_failure"
	Always    Trigger = "always"
)

// Edge connects two nodes.
type Edge struct {
	Source string
	Target string
	Label  string
	// Feedback marks a sanctioned cycle-forming edge. Feedback edges never
	// gate readiness; firing one re-activates its target.
	Feedback bool
	// MaxIterations caps how many times the target may execute through
	// this feedback edge, the initial execution included.
	MaxIterations int
	Condition     Condition
	// Trigger defaults to OnSuccess.
	Trigger Trigger
}

func (e Edge) trigger() Trigger {
	if e.Trigger == "" {
		return OnSuccess
	}
	return e.Trigger
}

func (e Edge) String() string {
	arrow := " -> "
	if e.Feedback {
		arrow = " ~> "
	}
	return e.Source + arrow + e.Target
}
