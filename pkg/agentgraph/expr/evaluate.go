package expr

import (
	"strings"
)

// BinaryOp is a function that compares two values and returns a boolean result.
type BinaryOp func(left, right any) bool

// Evaluator parses and evaluates expressions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCustomOperator registers a custom infix operator. Names of built-in
// operators are ignored.
func WithCustomOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if isBuiltin(name) || fn == nil {
			return
		}
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// New creates a new Evaluator with the given options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expression is a parsed, reusable condition. It is safe for concurrent use.
type Expression struct {
	src  string
	root node
}

// String returns the source text.
func (x *Expression) String() string { return x.src }

// Eval evaluates the expression. An empty expression is false.
func (x *Expression) Eval(vars map[string]any) (bool, error) {
	if x.root == nil {
		return false, nil
	}
	v, err := x.root.eval(vars)
	if err != nil {
		return false, err
	}
	return IsTruthy(v), nil
}

// Parse compiles an expression.
func (e *Evaluator) Parse(src string) (*Expression, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return &Expression{src: src}, nil
	}
	toks, err := tokenize(trimmed)
	if err != nil {
		return nil, err
	}
	p := &parser{src: trimmed, toks: toks, customOps: e.customOps}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return &Expression{src: src, root: root}, nil
}

// Evaluate parses and evaluates src in one step.
func (e *Evaluator) Evaluate(src string, vars map[string]any) (bool, error) {
	x, err := e.Parse(src)
	if err != nil {
		return false, err
	}
	return x.Eval(vars)
}

// Parse compiles src with the default evaluator.
func Parse(src string) (*Expression, error) {
	return New().Parse(src)
}

// Eval is a convenience function that evaluates an expression using
// the default evaluator (no custom operators).
func Eval(src string, vars map[string]any) (bool, error) {
	return New().Evaluate(src, vars)
}
