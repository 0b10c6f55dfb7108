package nodes

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// If routes each input item by a CEL condition: truthy items go to the
// "true" output (port 0), the rest to the "false" output (port 1). A
// condition that does not evaluate to a boolean fails the node.
type If struct {
	engine expressions.Engine
}

func NewIf(engine expressions.Engine) *If {
	return &If{engine: engine}
}

func (h *If) Type() string { return "if" }

func (h *If) Ports() PortSpec {
	return PortSpec{Inputs: 1, Outputs: 2, OutputNames: []string{"true", "false"}}
}

func (h *If) ParamsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"condition": {"type": "string", "minLength": 1}
		},
		"required": ["condition"],
		"additionalProperties": false
	}`)
}

func (h *If) Execute(ctx context.Context, in Input) (*Output, error) {
	condition, _ := in.Params["condition"].(string)

	var items schema.ItemCollection
	if len(in.InputsByPort) > 0 {
		items = in.InputsByPort[0]
	}

	truthy := make(schema.ItemCollection, 0, len(items))
	falsy := make(schema.ItemCollection, 0, len(items))

	for i, item := range items {
		scope := expressions.ItemScope(item, i, items, in.Execution)
		result, err := h.engine.Evaluate(ctx, condition, scope)
		if err != nil {
			return nil, err
		}

		pass, ok := result.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"if condition %q returned %T, want bool", condition, result).
				WithDetails(map[string]any{"item_index": i})
		}

		if pass {
			truthy = append(truthy, item)
		} else {
			falsy = append(falsy, item)
		}
	}

	return &Output{OutputsByPort: []schema.ItemCollection{truthy, falsy}}, nil
}

var _ Handler = (*If)(nil)
