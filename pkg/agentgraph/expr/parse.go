package expr

import (
	"fmt"
	"regexp"
	"strconv"
)

type node interface {
	eval(vars map[string]any) (any, error)
}

type literal struct{ v any }

func (n literal) eval(map[string]any) (any, error) { return n.v, nil }

type path struct{ name string }

func (n path) eval(vars map[string]any) (any, error) { return Lookup(vars, n.name), nil }

type notNode struct{ inner node }

func (n notNode) eval(vars map[string]any) (any, error) {
	v, err := n.inner.eval(vars)
	if err != nil {
		return nil, err
	}
	return !IsTruthy(v), nil
}

type logicNode struct {
	and         bool
	left, right node
}

func (n logicNode) eval(vars map[string]any) (any, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	lt := IsTruthy(l)
	if n.and && !lt {
		return false, nil
	}
	if !n.and && lt {
		return true, nil
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return IsTruthy(r), nil
}

type binaryNode struct {
	op          string
	fn          BinaryOp
	re          *regexp.Regexp
	left, right node
}

func (n binaryNode) eval(vars map[string]any) (any, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	switch {
	case n.fn != nil:
		return n.fn(l, r), nil
	case n.op == "matches" && n.re != nil:
		return n.re.MatchString(stringify(l)), nil
	default:
		return Compare(l, r, n.op)
	}
}

type parser struct {
	src       string
	toks      []token
	pos       int
	customOps map[string]BinaryOp
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == word
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if p.isKeyword("not") || (t.kind == tokOp && t.text == "!") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	var op string
	switch {
	case t.kind == tokOp && t.text != "!":
		op = t.text
	case t.kind == tokIdent && (t.text == "contains" || t.text == "matches"):
		op = t.text
	case t.kind == tokIdent && p.customOps[t.text] != nil:
		op = t.text
	default:
		return left, nil
	}
	p.next()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	bin := binaryNode{op: op, left: left, right: right}
	if fn, ok := p.customOps[op]; ok && !isBuiltin(op) {
		bin.fn = fn
	}
	if op == "matches" {
		if lit, ok := right.(literal); ok {
			re, err := regexp.Compile(stringify(lit.v))
			if err != nil {
				return nil, p.errorf(t, "invalid pattern: %v", err)
			}
			bin.re = re
		}
	}
	return bin, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')', got %s", closing)
		}
		return inner, nil
	case tokString:
		return literal{v: t.text}, nil
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return literal{v: i}, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %q", t.text)
		}
		return literal{v: f}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{v: true}, nil
		case "false":
			return literal{v: false}, nil
		case "null", "nil":
			return literal{v: nil}, nil
		case "and", "or", "not", "contains", "matches":
			return nil, p.errorf(t, "unexpected keyword %q", t.text)
		}
		return path{name: t.text}, nil
	default:
		return nil, p.errorf(t, "expected operand, got %s", t)
	}
}

func isBuiltin(op string) bool {
	switch op {
	case "==", "!=", "<", ">", "<=", ">=", "contains", "matches":
		return true
	}
	return false
}
