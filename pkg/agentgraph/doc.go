/*
Package agentgraph runs multi-agent LLM workflows described as directed graphs.

# Overview

A workflow is a graph of nodes (agents, routers, scripts, memory and tool
nodes, plus input and output markers) joined by edges. Each run keeps a
shared blackboard that nodes read and write, an append-only history of
steps with blackboard snapshots, and a stream of events for observers.
Provider calls go through a traffic controller that bounds concurrent
calls per provider and backs off on rate limits.

# Basic Usage

Build a graph, compile it, then run it on an engine:

	graph := agentgraph.NewGraph("review").
	    AddNode(agentgraph.Node{ID: "in", Role: agentgraph.InputRole{}}).
	    AddNode(agentgraph.Node{ID: "author", Role: agentgraph.AgentRole{Provider: "mock"}}).
	    AddNode(agentgraph.Node{ID: "critic", Role: agentgraph.AgentRole{Type: agentgraph.KindCritic, Provider: "mock"}}).
	    AddNode(agentgraph.Node{ID: "out", Role: agentgraph.OutputRole{}}).
	    Connect("in", "author").
	    Connect("author", "critic").
	    Connect("critic", "out").
	    AddFeedback("critic", "author", 3)

	compiled, err := graph.Compile()
	if err != nil {
	    log.Fatal(err)
	}

	engine := agentgraph.New()
	result, err := engine.Run(ctx, compiled, "Draft a lease summary")
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(result.Outputs["out"])

Node failures never abort a run. A failed node blocks its successors
unless an edge with Trigger OnFailure or Always leaves it, and the run
reports the failure through RunResult.FailedNodes.

# Scheduling

A node becomes ready when none of its inbound edges is still pending or
blocked and at least one has been satisfied. Routers satisfy exactly one
outbound edge and prune the rest; nodes whose every inbound edge is pruned
never run. Ready nodes are dispatched by priority tier, then declaration
order, and run concurrently up to the engine's concurrency cap.

# Feedback

Feedback edges are the only sanctioned cycles. When one fires, the source
output is written to the blackboard under "<target>_feedback" and the
target, together with every node between it and the source, returns to
idle. A feedback edge stops firing once its target has executed
MaxIterations times.

# Human in the loop

Nodes with RequiresApproval hold their successful result until a decision
arrives through RunContext.Decide: approve commits it, reject fails the
node, and route forces a router's branch or replaces the output.

# Replay

Every committed transition is recorded as a history step carrying a
blackboard snapshot and the scheduler state. RunContext.Replay discards the
steps after a given index and resumes from there.
*/
package agentgraph
