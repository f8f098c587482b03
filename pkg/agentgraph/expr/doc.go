/*
Package expr evaluates edge condition predicates.

Conditions are small boolean expressions evaluated against the output of
the edge's source node and a read-only view of the blackboard. They are
parsed once when a graph is compiled, so syntax errors surface before any
node runs.

# Syntax

	<expr>    := <and> { 'or' <and> }
	<and>     := <unary> { 'and' <unary> }
	<unary>   := ('not' | '!') <unary> | <cmp>
	<cmp>     := <operand> [ <op> <operand> ]
	<operand> := '(' <expr> ')' | literal | path
	<op>      := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains' | 'matches'

Literals are quoted strings ('x' or "x"), numbers, true, false and null.
A path is a dotted identifier such as output or blackboard.approved; each
segment descends into a nested map. Paths that do not resolve are nil.

# Operators

	==, !=     equality on the printed value
	<, >, ...  numeric comparison
	contains   substring test
	matches    regular expression test (RE2 syntax)

Custom binary operators can be registered with WithCustomOperator.

# Example

	e, err := expr.Parse("output contains 'APPROVED' and blackboard.score >= 7")
	if err != nil {
	    return err
	}
	ok, err := e.Eval(map[string]any{
	    "output":     out,
	    "blackboard": bb.Map(),
	})
*/
package expr
