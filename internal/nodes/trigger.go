package nodes

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/pkg/schema"
)

// ManualTrigger is the entry node for manually started executions. It has no
// input ports; the scheduler hands it the execution's trigger payload, which
// it forwards unchanged on its single output.
type ManualTrigger struct{}

func NewManualTrigger() *ManualTrigger { return &ManualTrigger{} }

func (h *ManualTrigger) Type() string { return "manualTrigger" }

func (h *ManualTrigger) Ports() PortSpec {
	return PortSpec{Inputs: 0, Outputs: 1, OutputNames: []string{"main"}}
}

func (h *ManualTrigger) ParamsSchema() json.RawMessage { return nil }

func (h *ManualTrigger) Execute(ctx context.Context, in Input) (*Output, error) {
	if len(in.InputsByPort) > 0 && in.InputsByPort[0] != nil {
		return Single(in.InputsByPort[0]), nil
	}
	return Single(schema.ItemCollection{}), nil
}

var _ Handler = (*ManualTrigger)(nil)
