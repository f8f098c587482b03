/*
Package event carries execution events from a run to its listeners.

Every event belongs to a run and carries a per-run Step that increases
monotonically in emission order. Listeners may receive the same event more
than once (reconnects, replays); NodeStates merges node_update and trace
events idempotently by node and step, so applying an event twice leaves the
same state as applying it once.

	bus := event.NewBus(event.BusConfig{BufferSize: 512})
	defer bus.Close()

	events, sub := bus.SubscribeChan(event.Filter{RunID: runID}, 64)
	defer sub.Unsubscribe()

	seq := event.NewSequencer(runID, bus)
	seq.Emit(ctx, event.WorkflowStarted, "", event.WorkflowStartedData{Graph: "review"})
*/
package event
