package nodes

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/pkg/schema"
)

// NoOp passes its input through unchanged. Useful as a junction point or
// as a placeholder while sketching a workflow.
type NoOp struct{}

func NewNoOp() *NoOp { return &NoOp{} }

func (h *NoOp) Type() string { return "noop" }

func (h *NoOp) Ports() PortSpec {
	return PortSpec{Inputs: 1, Outputs: 1, OutputNames: []string{"main"}}
}

func (h *NoOp) ParamsSchema() json.RawMessage { return nil }

func (h *NoOp) Execute(ctx context.Context, in Input) (*Output, error) {
	if len(in.InputsByPort) == 0 || in.InputsByPort[0] == nil {
		return Single(schema.ItemCollection{}), nil
	}
	return Single(in.InputsByPort[0]), nil
}

var _ Handler = (*NoOp)(nil)
