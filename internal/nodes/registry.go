package nodes

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Registry is the thread-safe, type-keyed handler table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	typ := h.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", typ)
	}

	r.handlers[typ] = h
	return nil
}

// HandlerFor retrieves a handler by node type.
func (r *Registry) HandlerFor(nodeType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "node type %q not registered", nodeType)
	}
	return h, nil
}

// Ports implements graph.PortResolver.
func (r *Registry) Ports(nodeType string) (int, int, error) {
	h, err := r.HandlerFor(nodeType)
	if err != nil {
		return 0, 0, err
	}
	ports := h.Ports()
	return ports.Inputs, ports.Outputs, nil
}

// Types returns all registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Has checks if a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[nodeType]
	return ok
}
