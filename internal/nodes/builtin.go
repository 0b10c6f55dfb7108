package nodes

import (
	"net/http"

	"github.com/loomworks/loom/internal/expressions"
)

// BuiltinOptions carries the shared services builtin handlers depend on.
type BuiltinOptions struct {
	JQ         expressions.Engine // set node; defaults to a fresh GoJQ engine
	CEL        expressions.Engine // if node; defaults to a fresh CEL engine
	Expr       expressions.Engine // filter node; defaults to a fresh expr engine
	HTTPClient *http.Client
}

// RegisterBuiltins registers the standard handler set on a registry.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	if opts.JQ == nil {
		opts.JQ = expressions.NewGoJQEngine()
	}
	if opts.Expr == nil {
		opts.Expr = expressions.NewExprEngine()
	}
	if opts.CEL == nil {
		celEngine, err := expressions.NewCELEngine()
		if err != nil {
			return err
		}
		opts.CEL = celEngine
	}

	handlers := []Handler{
		NewManualTrigger(),
		NewNoOp(),
		NewSet(opts.JQ),
		NewIf(opts.CEL),
		NewFilter(opts.Expr),
		NewMerge(),
		NewHTTPRequest(opts.HTTPClient),
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
