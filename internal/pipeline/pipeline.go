// Package pipeline normalizes, merges, and routes item collections between
// node output ports and downstream node input ports.
package pipeline

import (
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/schema"
)

// ErrNotReady is the internal control signal returned when a required
// upstream has no terminal result yet. The scheduler reinterprets it as
// "not runnable"; it is never surfaced to callers.
var ErrNotReady = schema.NewError(schema.ErrCodeNotReady, "upstream output not available yet")

// StateFn reports the current per-node state of the running execution.
type StateFn func(nodeID string) schema.NodeStatus

// AssembleInputs gathers the input collections for one node, one slice entry
// per declared input port.
//
// For each connection into a port, the contribution is: the pinned collection
// when the upstream node is pinned (pins stand in for output port 0); the
// matching port of the upstream's latest successful attempt otherwise; an
// empty collection when the upstream was skipped or its attempt carries no
// data for that port. Multiple connections into one port concatenate in
// connection-declaration order — a deterministic, documented policy. Item
// count and order are preserved; no deduplication or reordering.
func AssembleInputs(vg *graph.Validated, nodeID string, rd schema.RunData, pin schema.PinData, state StateFn) ([]schema.ItemCollection, error) {
	ports := vg.InputPortsOf(nodeID)
	inputs := make([]schema.ItemCollection, ports)

	for port := 0; port < ports; port++ {
		var merged schema.ItemCollection
		for _, conn := range vg.ConnectionsInto(nodeID, port) {
			items, err := sourceOutput(vg, conn, rd, pin, state)
			if err != nil {
				return nil, err
			}
			merged = append(merged, items...)
		}
		inputs[port] = merged
	}

	return inputs, nil
}

func sourceOutput(vg *graph.Validated, conn schema.Connection, rd schema.RunData, pin schema.PinData, state StateFn) (schema.ItemCollection, error) {
	if pinned, ok := pin[conn.SourceNode]; ok {
		if conn.SourceOutput == 0 {
			return pinned, nil
		}
		return nil, nil
	}

	if last := rd.LastSuccess(conn.SourceNode); last != nil {
		if conn.SourceOutput < len(last.OutputsByPort) {
			return last.OutputsByPort[conn.SourceOutput], nil
		}
		return nil, nil
	}

	// No successful attempt: a skipped or failed-but-settled upstream
	// contributes nothing; anything non-terminal means not runnable yet.
	if state(conn.SourceNode).IsTerminal() {
		return nil, nil
	}
	return nil, ErrNotReady
}
