package graph

import (
	"sort"

	"github.com/loomworks/loom/pkg/schema"
)

// PortResolver reports the declared port counts for a node type.
// Satisfied by the node handler registry; an unknown type surfaces as a
// validation-time error rather than a late runtime failure.
type PortResolver interface {
	Ports(nodeType string) (inputs, outputs int, err error)
}

// Validated is the immutable, query-friendly form of a workflow graph.
// Safe to share read-only across concurrent executions of the same workflow.
type Validated struct {
	graph *schema.Graph

	nodes   map[string]*schema.Node
	inputs  map[string]int // declared input port count per node
	outputs map[string]int // declared regular output port count per node

	// Adjacency over enabled nodes only. Connections touching a disabled
	// node are dropped at validation time.
	succ    map[string][]string
	pred    map[string][]string
	into    map[portKey][]schema.Connection // target node+port -> connections in declaration order
	from    map[portKey][]schema.Connection // source node+port -> connections in declaration order
	roots   []string
	enabled []string
}

type portKey struct {
	node string
	port int
}

// Validate checks the structural invariants of a graph and returns its
// validated form. Checks: unique non-empty node ids; every node type known to
// the resolver; every connection endpoint resolving to an existing enabled
// node and a declared port; acyclicity among enabled nodes; at least one
// enabled entry node unless the graph is empty.
func Validate(g *schema.Graph, ports PortResolver) (*Validated, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph is nil")
	}

	v := &Validated{
		graph:   g,
		nodes:   make(map[string]*schema.Node, len(g.Nodes)),
		inputs:  make(map[string]int, len(g.Nodes)),
		outputs: make(map[string]int, len(g.Nodes)),
		succ:    make(map[string][]string),
		pred:    make(map[string][]string),
		into:    make(map[portKey][]schema.Connection),
		from:    make(map[portKey][]schema.Connection),
	}

	for i := range g.Nodes {
		node := &g.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := v.nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		in, out, err := ports.Ports(node.Type)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
				"node %s has unknown type %q", node.ID, node.Type).WithNode(node.ID).WithCause(err)
		}
		v.nodes[node.ID] = node
		v.inputs[node.ID] = in
		v.outputs[node.ID] = out
		if !node.Disabled {
			v.enabled = append(v.enabled, node.ID)
		}
	}
	sort.Strings(v.enabled)

	seenEdge := make(map[[4]any]bool)
	for _, c := range g.Connections {
		src, ok := v.nodes[c.SourceNode]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection references non-existent source node %q", c.SourceNode)
		}
		dst, ok := v.nodes[c.TargetNode]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection references non-existent target node %q", c.TargetNode)
		}
		// Port index v.outputs[src] (one past the last regular port) is the
		// node's error output.
		if c.SourceOutput < 0 || c.SourceOutput > v.outputs[src.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection from %s uses undeclared output port %d", src.ID, c.SourceOutput)
		}
		if c.TargetInput < 0 || c.TargetInput >= v.inputs[dst.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection into %s uses undeclared input port %d", dst.ID, c.TargetInput)
		}
		key := [4]any{c.SourceNode, c.SourceOutput, c.TargetNode, c.TargetInput}
		if seenEdge[key] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate connection %s:%d -> %s:%d", c.SourceNode, c.SourceOutput, c.TargetNode, c.TargetInput)
		}
		seenEdge[key] = true

		if src.Disabled || dst.Disabled {
			continue
		}
		v.from[portKey{c.SourceNode, c.SourceOutput}] = append(v.from[portKey{c.SourceNode, c.SourceOutput}], c)
		v.into[portKey{c.TargetNode, c.TargetInput}] = append(v.into[portKey{c.TargetNode, c.TargetInput}], c)
		v.succ[c.SourceNode] = appendUnique(v.succ[c.SourceNode], c.TargetNode)
		v.pred[c.TargetNode] = appendUnique(v.pred[c.TargetNode], c.SourceNode)
	}

	if cycle := v.findCycle(); cycle != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"graph contains a cycle: %s", joinPath(cycle)).
			WithDetails(map[string]any{"cycle": cycle})
	}

	for _, id := range v.enabled {
		if len(v.pred[id]) == 0 {
			v.roots = append(v.roots, id)
		}
	}
	sort.Strings(v.roots)

	if len(v.enabled) > 0 && len(v.roots) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no entry node")
	}

	return v, nil
}

// findCycle runs DFS with an explicit recursion stack over enabled nodes and
// returns the node sequence of the first cycle found, or nil.
func (v *Validated) findCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(v.enabled))
	stack := make([]string, 0, len(v.enabled))

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		succs := append([]string(nil), v.succ[id]...)
		sort.Strings(succs)
		for _, next := range succs {
			switch color[next] {
			case grey:
				// Found a back edge: slice the stack from the first
				// occurrence of next and close the loop.
				for i, n := range stack {
					if n == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range v.enabled {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Graph returns the underlying definition. Callers must treat it as read-only.
func (v *Validated) Graph() *schema.Graph { return v.graph }

// Node returns a node by ID, or nil.
func (v *Validated) Node(id string) *schema.Node { return v.nodes[id] }

// Enabled returns the IDs of all enabled nodes in stable order.
func (v *Validated) Enabled() []string { return v.enabled }

// RootNodes returns enabled nodes with no incoming connections, in stable order.
func (v *Validated) RootNodes() []string { return v.roots }

// Successors returns the enabled nodes directly downstream of the given node.
func (v *Validated) Successors(id string) []string { return v.succ[id] }

// Predecessors returns the enabled nodes directly upstream of the given node.
func (v *Validated) Predecessors(id string) []string { return v.pred[id] }

// InputPortsOf returns the declared input port count of a node.
func (v *Validated) InputPortsOf(id string) int { return v.inputs[id] }

// OutputPortsOf returns the declared regular output port count of a node.
func (v *Validated) OutputPortsOf(id string) int { return v.outputs[id] }

// ConnectionsInto returns the connections feeding one input port, in
// declaration order. Declaration order defines the merge policy for
// multi-connection ports.
func (v *Validated) ConnectionsInto(id string, port int) []schema.Connection {
	return v.into[portKey{id, port}]
}

// HasErrorOutput reports whether the node has at least one connection leaving
// its error output port.
func (v *Validated) HasErrorOutput(id string) bool {
	return len(v.from[portKey{id, v.outputs[id]}]) > 0
}

// ErrorPort returns the error output port index for a node.
func (v *Validated) ErrorPort(id string) int { return v.outputs[id] }

func appendUnique(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}
