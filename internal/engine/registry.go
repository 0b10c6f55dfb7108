package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// ActiveExecution is the live handle of a running execution. Cancel requests
// cancellation at the next checkpoint; the scheduler seals the record after
// in-flight nodes drain.
type ActiveExecution struct {
	ID         string
	WorkflowID string
	Mode       schema.ExecutionMode
	StartedAt  time.Time

	cancel context.CancelFunc
}

// Cancel requests cooperative cancellation.
func (a *ActiveExecution) Cancel() {
	if a.cancel != nil {
		a.cancel()
	}
}

// ActiveRegistry tracks executions between start and seal. It is the source
// of truth for "what is running right now"; sealed executions live only in
// the store.
type ActiveRegistry struct {
	mu     sync.RWMutex
	active map[string]*ActiveExecution
}

func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{
		active: make(map[string]*ActiveExecution),
	}
}

// Register adds a live execution. Duplicate IDs are a conflict.
func (r *ActiveRegistry) Register(exec *ActiveExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already active", exec.ID)
	}
	r.active[exec.ID] = exec
	return nil
}

// Unregister removes an execution once sealed.
func (r *ActiveRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// Get returns a live execution, or nil.
func (r *ActiveRegistry) Get(id string) *ActiveExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[id]
}

// IDs returns the IDs of all live executions, sorted.
func (r *ActiveRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns copies of all live execution handles, sorted by start time.
func (r *ActiveRegistry) Snapshot() []ActiveExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActiveExecution, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, ActiveExecution{
			ID:         a.ID,
			WorkflowID: a.WorkflowID,
			Mode:       a.Mode,
			StartedAt:  a.StartedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
