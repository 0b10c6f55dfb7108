// Package credentials defines the credential resolution capability.
// Secret storage and decryption live outside the engine; the engine only
// consumes resolved credential data per node.
package credentials

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Data is resolved credential material handed to a node handler.
type Data map[string]any

// Resolver resolves the credential entry a node references.
// Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, node *schema.Node) (Data, error)
}

// StaticResolver serves credentials from a fixed in-memory table keyed by
// the node's credential entry name. Used by tests and the CLI.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]Data
	denied  map[string]bool
}

// NewStaticResolver creates an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		entries: make(map[string]Data),
		denied:  make(map[string]bool),
	}
}

// Set registers credential data under an entry name.
func (r *StaticResolver) Set(name string, data Data) {
	r.mu.Lock()
	r.entries[name] = data
	r.mu.Unlock()
}

// Deny marks an entry as present but inaccessible.
func (r *StaticResolver) Deny(name string) {
	r.mu.Lock()
	r.denied[name] = true
	r.mu.Unlock()
}

// Resolve returns the credential data for the node's entry. Nodes that
// reference no entry resolve to nil data without error.
func (r *StaticResolver) Resolve(ctx context.Context, node *schema.Node) (Data, error) {
	if node.Credentials == "" {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.denied[node.Credentials] {
		return nil, schema.NewErrorf(schema.ErrCodeAccessDenied,
			"access to credential %q denied", node.Credentials).WithNode(node.ID)
	}
	data, ok := r.entries[node.Credentials]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"credential %q not found", node.Credentials).WithNode(node.ID)
	}
	return data, nil
}

var _ Resolver = (*StaticResolver)(nil)
