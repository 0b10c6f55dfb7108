package nodes

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// Filter keeps the input items for which an expr predicate is true and drops
// the rest. Unlike the if node it has a single output; dropped items simply
// do not continue downstream.
type Filter struct {
	engine expressions.Engine
}

func NewFilter(engine expressions.Engine) *Filter {
	return &Filter{engine: engine}
}

func (h *Filter) Type() string { return "filter" }

func (h *Filter) Ports() PortSpec {
	return PortSpec{Inputs: 1, Outputs: 1, OutputNames: []string{"kept"}}
}

func (h *Filter) ParamsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"condition": {"type": "string", "minLength": 1}
		},
		"required": ["condition"],
		"additionalProperties": false
	}`)
}

func (h *Filter) Execute(ctx context.Context, in Input) (*Output, error) {
	condition, _ := in.Params["condition"].(string)

	var items schema.ItemCollection
	if len(in.InputsByPort) > 0 {
		items = in.InputsByPort[0]
	}

	kept := make(schema.ItemCollection, 0, len(items))
	for i, item := range items {
		scope := expressions.ItemScope(item, i, items, in.Execution)
		result, err := h.engine.Evaluate(ctx, condition, scope)
		if err != nil {
			return nil, err
		}

		pass, ok := result.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"filter condition %q returned %T, want bool", condition, result).
				WithDetails(map[string]any{"item_index": i})
		}
		if pass {
			kept = append(kept, item)
		}
	}

	return Single(kept), nil
}

var _ Handler = (*Filter)(nil)
