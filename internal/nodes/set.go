package nodes

import (
	"context"
	"encoding/json"

	"dario.cat/mergo"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// Set transforms each input item with a jq expression. In "replace" mode the
// expression result becomes the item; in "merge" mode it is merged over the
// original item, overriding colliding keys.
type Set struct {
	engine expressions.Engine
}

func NewSet(engine expressions.Engine) *Set {
	return &Set{engine: engine}
}

func (h *Set) Type() string { return "set" }

func (h *Set) Ports() PortSpec {
	return PortSpec{Inputs: 1, Outputs: 1, OutputNames: []string{"main"}}
}

func (h *Set) ParamsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"expression": {"type": "string", "minLength": 1},
			"mode": {"type": "string", "enum": ["replace", "merge"]}
		},
		"required": ["expression"],
		"additionalProperties": false
	}`)
}

func (h *Set) Execute(ctx context.Context, in Input) (*Output, error) {
	expression, _ := in.Params["expression"].(string)
	mode, _ := in.Params["mode"].(string)
	if mode == "" {
		mode = "replace"
	}

	var items schema.ItemCollection
	if len(in.InputsByPort) > 0 {
		items = in.InputsByPort[0]
	}

	out := make(schema.ItemCollection, 0, len(items))
	for i, item := range items {
		scope := expressions.ItemScope(item, i, items, in.Execution)
		result, err := h.engine.Evaluate(ctx, expression, scope)
		if err != nil {
			return nil, err
		}

		next := toItem(result)
		if mode == "merge" {
			merged := copyItem(item)
			if err := mergo.Merge(&merged, next, mergo.WithOverride); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"merge set result into item %d: %s", i, err.Error()).WithCause(err)
			}
			next = merged
		}
		out = append(out, next)
	}

	return Single(out), nil
}

// toItem coerces an expression result to an item. Non-object results are
// wrapped under "data".
func toItem(v any) schema.Item {
	switch val := v.(type) {
	case nil:
		return schema.Item{}
	case map[string]any:
		return val
	default:
		return schema.Item{"data": val}
	}
}

func copyItem(item schema.Item) schema.Item {
	out := make(schema.Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

var _ Handler = (*Set)(nil)
