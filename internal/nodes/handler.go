// Package nodes defines the node handler capability and the builtin
// handlers shipped with the engine. Handlers are registered by type name;
// the executor is handler-agnostic and only enforces the invocation contract.
package nodes

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/binstore"
	"github.com/loomworks/loom/internal/credentials"
	"github.com/loomworks/loom/pkg/schema"
)

// PortSpec declares the ports a handler exposes. Output port indexes
// 0..Outputs-1 are regular; index Outputs is the node's error output.
type PortSpec struct {
	Inputs      int      `json:"inputs"`
	Outputs     int      `json:"outputs"`
	OutputNames []string `json:"output_names,omitempty"`
}

// Input is the data provided to a handler at execution time.
type Input struct {
	Node         *schema.Node
	Params       map[string]any
	InputsByPort []schema.ItemCollection
	Credentials  credentials.Data
	Binary       binstore.Store
	Execution    map[string]any // id, workflow_id, mode
}

// Output is the result of a handler invocation, one collection per regular
// output port.
type Output struct {
	OutputsByPort []schema.ItemCollection
}

// Handler implements the logic of one node type.
// Implementations must be safe for concurrent use across executions.
type Handler interface {
	Type() string
	Ports() PortSpec
	// ParamsSchema returns the JSON Schema for the handler's parameters,
	// or nil when the handler accepts anything.
	ParamsSchema() json.RawMessage
	Execute(ctx context.Context, in Input) (*Output, error)
}

// Single wraps one collection as a single-output result.
func Single(items schema.ItemCollection) *Output {
	return &Output{OutputsByPort: []schema.ItemCollection{items}}
}
