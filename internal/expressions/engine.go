// Package expressions provides the cached expression engines used by node
// handlers: CEL for routing conditions, expr for predicates, and jq for
// item transformation.
package expressions

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// Engine evaluates an expression against a data environment.
// Implementations must be safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope variable names exposed to node expressions.
const (
	VarItem      = "item"      // current item
	VarItems     = "items"     // all items on the node's first input port
	VarIndex     = "index"     // current item index
	VarInput     = "input"     // node parameters after resolution
	VarExecution = "execution" // execution metadata (id, workflow_id, mode)
)

// ItemScope builds the evaluation environment for a per-item expression.
func ItemScope(item schema.Item, index int, items schema.ItemCollection, execution map[string]any) map[string]any {
	env := map[string]any{
		VarItem:      map[string]any(item),
		VarIndex:     index,
		VarItems:     collectionAny(items),
		VarExecution: execution,
	}
	if env[VarExecution] == nil {
		env[VarExecution] = map[string]any{}
	}
	return env
}

func collectionAny(items schema.ItemCollection) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = map[string]any(it)
	}
	return out
}
