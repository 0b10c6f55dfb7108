package nodes

import (
	"context"
	"encoding/json"

	"dario.cat/mergo"

	"github.com/loomworks/loom/pkg/schema"
)

// Merge joins two input branches into one collection. In "append" mode the
// second port's items follow the first port's. In "combine" mode items are
// zipped by position, the second port's fields overriding the first's;
// leftover items from the longer side pass through unchanged.
type Merge struct{}

func NewMerge() *Merge { return &Merge{} }

func (h *Merge) Type() string { return "merge" }

func (h *Merge) Ports() PortSpec {
	return PortSpec{Inputs: 2, Outputs: 1, OutputNames: []string{"main"}}
}

func (h *Merge) ParamsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"mode": {"type": "string", "enum": ["append", "combine"]}
		},
		"additionalProperties": false
	}`)
}

func (h *Merge) Execute(ctx context.Context, in Input) (*Output, error) {
	mode, _ := in.Params["mode"].(string)
	if mode == "" {
		mode = "append"
	}

	var a, b schema.ItemCollection
	if len(in.InputsByPort) > 0 {
		a = in.InputsByPort[0]
	}
	if len(in.InputsByPort) > 1 {
		b = in.InputsByPort[1]
	}

	if mode == "append" {
		out := make(schema.ItemCollection, 0, len(a)+len(b))
		out = append(out, a...)
		out = append(out, b...)
		return Single(out), nil
	}

	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(schema.ItemCollection, 0, n)
	for i := 0; i < n; i++ {
		switch {
		case i >= len(a):
			out = append(out, b[i])
		case i >= len(b):
			out = append(out, a[i])
		default:
			merged := copyItem(a[i])
			if err := mergo.Merge(&merged, b[i], mergo.WithOverride); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"combine items at position %d: %s", i, err.Error()).WithCause(err)
			}
			out = append(out, merged)
		}
	}
	return Single(out), nil
}

var _ Handler = (*Merge)(nil)
