/*
Package template expands variables in agent personas and prompts.

Two placeholder styles are recognised:

	${name}       brace style
	{{ name }}    mustache style (surrounding spaces allowed)

Names may be dotted (blackboard.plan.owner) to reach into nested maps.
Strings are inserted verbatim; maps, slices and other structured values are
rendered as indented JSON so a persona can embed the whole blackboard with
{{blackboard}}.

Missing variables are kept, blanked or reported depending on the
MissingAction:

	exp := template.NewExpander(template.WithMissingAction(template.MissingError))
	persona, err := exp.Expand("You review {{topic}} drafts.", vars)
*/
package template
