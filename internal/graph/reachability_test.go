package graph

import (
	"testing"

	"github.com/loomworks/loom/pkg/schema"
)

func pinOf(ids ...string) schema.PinData {
	pin := make(schema.PinData, len(ids))
	for _, id := range ids {
		pin[id] = schema.ItemCollection{{"pinned": true}}
	}
	return pin
}

func TestRequiredNoPins(t *testing.T) {
	g := &schema.Graph{
		Nodes: []schema.Node{node("a", "source"), node("b", "transform"), node("c", "transform")},
		Connections: []schema.Connection{
			conn("a", 0, "b", 0),
			conn("b", 0, "c", 0),
		},
	}
	v := mustValidate(t, g)

	req := v.Required(nil)
	for _, id := range []string{"a", "b", "c"} {
		if !req[id] {
			t.Errorf("node %s should be required without pins", id)
		}
	}
}

func TestRequiredPrunesAncestorsOfPinned(t *testing.T) {
	// a -> b(pinned) -> c: a's output can never matter.
	g := &schema.Graph{
		Nodes: []schema.Node{node("a", "source"), node("b", "transform"), node("c", "transform")},
		Connections: []schema.Connection{
			conn("a", 0, "b", 0),
			conn("b", 0, "c", 0),
		},
	}
	v := mustValidate(t, g)

	req := v.Required(pinOf("b"))
	if req["a"] {
		t.Error("a feeds only a pinned node and should be pruned")
	}
	if req["b"] {
		t.Error("pinned node b never runs and should not be required")
	}
	if !req["c"] {
		t.Error("c consumes pinned output and must run")
	}
}

func TestRequiredKeepsAncestorWithLiveConsumer(t *testing.T) {
	// a feeds both pinned b and live d: a must still run for d.
	g := &schema.Graph{
		Nodes: []schema.Node{
			node("a", "source"), node("b", "transform"), node("c", "transform"), node("d", "transform"),
		},
		Connections: []schema.Connection{
			conn("a", 0, "b", 0),
			conn("b", 0, "c", 0),
			conn("a", 0, "d", 0),
		},
	}
	v := mustValidate(t, g)

	req := v.Required(pinOf("b"))
	if !req["a"] {
		t.Error("a has a live consumer d and must run")
	}
	if !req["d"] || !req["c"] {
		t.Error("c and d are live and must run")
	}
}

func TestRequiredTransitivePrune(t *testing.T) {
	// x -> y -> b(pinned) -> c: both x and y are pruned.
	g := &schema.Graph{
		Nodes: []schema.Node{
			node("x", "source"), node("y", "transform"), node("b", "transform"), node("c", "transform"),
		},
		Connections: []schema.Connection{
			conn("x", 0, "y", 0),
			conn("y", 0, "b", 0),
			conn("b", 0, "c", 0),
		},
	}
	v := mustValidate(t, g)

	req := v.Required(pinOf("b"))
	if req["x"] || req["y"] {
		t.Errorf("x and y feed only a pinned node transitively; required = %v", req)
	}
}

func TestRequiredPinnedSinkExcluded(t *testing.T) {
	g := &schema.Graph{
		Nodes: []schema.Node{node("a", "source"), node("b", "transform")},
		Connections: []schema.Connection{
			conn("a", 0, "b", 0),
		},
	}
	v := mustValidate(t, g)

	req := v.Required(pinOf("b"))
	if len(req) != 0 {
		t.Fatalf("everything feeds a pinned sink; required = %v, want empty", req)
	}
}
