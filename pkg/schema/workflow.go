package schema

// Graph is the JSON-serializable workflow format: typed nodes wired by
// port-to-port connections. It is pure data; structural queries live in
// the graph package once a Graph has been validated.
type Graph struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Node describes a single processing unit in a workflow graph.
// Immutable once an execution starts.
type Node struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Disabled    bool           `json:"disabled,omitempty"`
	Credentials string         `json:"credentials,omitempty"` // entry name served by the resolver

	RetryOnFail        bool `json:"retry_on_fail,omitempty"`
	MaxTries           int  `json:"max_tries,omitempty"`
	WaitBetweenTriesMs int  `json:"wait_between_tries_ms,omitempty"`
	ContinueOnFail     bool `json:"continue_on_fail,omitempty"`
	TimeoutMs          int  `json:"timeout_ms,omitempty"` // per-attempt handler deadline
}

// Connection is a directed, port-to-port data link between two nodes.
// A source port equal to the handler's declared output count addresses the
// node's error output.
type Connection struct {
	SourceNode   string `json:"source_node"`
	SourceOutput int    `json:"source_output"`
	TargetNode   string `json:"target_node"`
	TargetInput  int    `json:"target_input"`
}

// Item is one structured record flowing along a connection.
type Item = map[string]any

// ItemCollection is an ordered batch of items on one connection.
// Order is significant and preserved end to end.
type ItemCollection []Item

// BinaryKey is the reserved item key under which binary references are
// stored, as a map of field name to BinaryRef.
const BinaryKey = "__binary"

// BinaryRef points at a blob held by the BinaryStore capability.
type BinaryRef struct {
	ID   string `json:"id"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// PinData maps node IDs to fixed output collections. A pinned node's live
// execution is bypassed: the pinned collection stands in for its output.
type PinData map[string]ItemCollection

// Copy returns a shallow copy of the pin map (collections are shared).
func (p PinData) Copy() PinData {
	if p == nil {
		return nil
	}
	out := make(PinData, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
