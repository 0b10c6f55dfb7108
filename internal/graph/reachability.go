package graph

import "github.com/loomworks/loom/pkg/schema"

// Required computes the set of enabled nodes that must actually run given the
// pinned set. Pinned nodes have fixed output, so their ancestors are needed
// only when some other non-pinned downstream consumer depends on them.
//
// One backward-reachability pass from all non-pinned sinks: traversal adds a
// node's predecessors only when the node itself is not pinned. Pinned nodes
// encountered on the walk are recorded as satisfied but never run. O(V+E).
func (v *Validated) Required(pin schema.PinData) map[string]bool {
	required := make(map[string]bool, len(v.enabled))

	queue := make([]string, 0, len(v.enabled))
	for _, id := range v.enabled {
		if _, pinned := pin[id]; pinned {
			continue
		}
		if len(v.succ[id]) == 0 {
			required[id] = true
			queue = append(queue, id)
		}
	}

	visited := make(map[string]bool, len(v.enabled))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if _, pinned := pin[id]; pinned {
			// Output is fixed; upstream production is not needed via this path.
			continue
		}
		required[id] = true
		for _, p := range v.pred[id] {
			if !visited[p] {
				queue = append(queue, p)
			}
		}
	}

	return required
}
