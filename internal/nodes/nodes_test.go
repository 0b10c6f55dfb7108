package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinOptions{}))
	return reg
}

func inputOf(items ...schema.Item) Input {
	return Input{
		Node:         &schema.Node{ID: "n"},
		Params:       map[string]any{},
		InputsByPort: []schema.ItemCollection{items},
	}
}

func TestRegistryDuplicateType(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewNoOp()))

	err := reg.Register(NewNoOp())
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeConflict, lerr.Code)
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.Ports("nope")
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeUnknownNodeType, lerr.Code)
}

func TestRegistryBuiltinsRegistered(t *testing.T) {
	reg := builtinRegistry(t)
	for _, typ := range []string{"manualTrigger", "noop", "set", "if", "filter", "merge", "httpRequest"} {
		assert.True(t, reg.Has(typ), "missing builtin %s", typ)
	}
}

func TestManualTriggerForwardsPayload(t *testing.T) {
	h := NewManualTrigger()
	out, err := h.Execute(context.Background(), inputOf(schema.Item{"k": "v"}))
	require.NoError(t, err)
	require.Len(t, out.OutputsByPort, 1)
	assert.Equal(t, "v", out.OutputsByPort[0][0]["k"])
}

func TestNoOpPassthrough(t *testing.T) {
	h := NewNoOp()
	out, err := h.Execute(context.Background(), inputOf(schema.Item{"a": 1}, schema.Item{"b": 2}))
	require.NoError(t, err)
	assert.Len(t, out.OutputsByPort[0], 2)
}

func TestSetReplaceMode(t *testing.T) {
	h := NewSet(expressions.NewGoJQEngine())
	in := inputOf(schema.Item{"first": "ada", "last": "lovelace"})
	in.Params = map[string]any{"expression": `{name: (.item.first + " " + .item.last)}`}

	out, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out.OutputsByPort[0], 1)
	got := out.OutputsByPort[0][0]
	assert.Equal(t, "ada lovelace", got["name"])
	assert.NotContains(t, got, "first", "replace mode should drop original fields")
}

func TestSetMergeMode(t *testing.T) {
	h := NewSet(expressions.NewGoJQEngine())
	in := inputOf(schema.Item{"keep": "me", "n": 1})
	in.Params = map[string]any{
		"expression": `{n: 2}`,
		"mode":       "merge",
	}

	out, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	got := out.OutputsByPort[0][0]
	assert.Equal(t, "me", got["keep"])
	assert.EqualValues(t, 2, got["n"])
}

func TestIfRoutesBothBranches(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	h := NewIf(cel)

	in := inputOf(schema.Item{"n": 1}, schema.Item{"n": 10})
	in.Params = map[string]any{"condition": `int(item.n) > 5`}

	out, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out.OutputsByPort, 2)
	assert.Len(t, out.OutputsByPort[0], 1, "true branch")
	assert.Len(t, out.OutputsByPort[1], 1, "false branch")
	assert.EqualValues(t, 10, out.OutputsByPort[0][0]["n"])
}

func TestIfNonBooleanConditionFails(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	h := NewIf(cel)

	in := inputOf(schema.Item{"n": 1})
	in.Params = map[string]any{"condition": `item.n`}

	_, err = h.Execute(context.Background(), in)
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeExecution, lerr.Code)
}

func TestFilterKeepsMatching(t *testing.T) {
	h := NewFilter(expressions.NewExprEngine())

	in := inputOf(schema.Item{"n": 1}, schema.Item{"n": 7}, schema.Item{"n": 9})
	in.Params = map[string]any{"condition": `item.n > 5`}

	out, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, out.OutputsByPort[0], 2)
}

func TestMergeAppendOrder(t *testing.T) {
	h := NewMerge()
	in := Input{
		Params: map[string]any{"mode": "append"},
		InputsByPort: []schema.ItemCollection{
			{{"v": "a1"}, {"v": "a2"}},
			{{"v": "b1"}},
		},
	}

	out, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	got := out.OutputsByPort[0]
	require.Len(t, got, 3)
	assert.Equal(t, "a1", got[0]["v"])
	assert.Equal(t, "b1", got[2]["v"])
}

func TestMergeCombineZipsByPosition(t *testing.T) {
	h := NewMerge()
	in := Input{
		Params: map[string]any{"mode": "combine"},
		InputsByPort: []schema.ItemCollection{
			{{"a": 1}, {"a": 2}},
			{{"b": 10}, {"b": 20}, {"b": 30}},
		},
	}

	out, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	got := out.OutputsByPort[0]
	require.Len(t, got, 3)
	assert.EqualValues(t, 1, got[0]["a"])
	assert.EqualValues(t, 10, got[0]["b"])
	assert.EqualValues(t, 30, got[2]["b"], "leftover items pass through")
}

func TestMergeCombineSecondPortWins(t *testing.T) {
	h := NewMerge()
	in := Input{
		Params: map[string]any{"mode": "combine"},
		InputsByPort: []schema.ItemCollection{
			{{"k": "first"}},
			{{"k": "second"}},
		},
	}

	out, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "second", out.OutputsByPort[0][0]["k"])
}
