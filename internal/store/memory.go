package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/xjson"
	"github.com/loomworks/loom/pkg/schema"
)

// MemoryStore is an in-process Store for tests and ephemeral runs. Records
// are deep-copied through JSON on the way in and out, so callers observe the
// same isolation the SQL store provides.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*schema.ExecutionRecord
	events     map[string][]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*schema.ExecutionRecord),
		events:     make(map[string][]*Event),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	cp, err := copyRecord(rec)
	if err != nil {
		return err
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[cp.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", cp.ID)
	}
	s.executions[cp.ID] = cp
	return nil
}

func (s *MemoryStore) SealExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	cp, err := copyRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.executions[cp.ID]
	if !ok {
		return storeNotFound("execution", cp.ID)
	}
	existing.Status = cp.Status
	existing.RunData = cp.RunData
	existing.Error = cp.Error
	existing.StoppedAt = cp.StoppedAt
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	s.mu.RLock()
	rec, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return copyRecord(rec)
}

func (s *MemoryStore) ListExecutions(ctx context.Context, f Filter) ([]*schema.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.ExecutionRecord
	for _, rec := range s.executions {
		if !matches(rec, f) {
			continue
		}
		cp, err := copyRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteExecutions(ctx context.Context, f Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.executions {
		if rec.StoppedAt == nil || !matches(rec, f) {
			continue
		}
		delete(s.executions, id)
		delete(s.events, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	cp.Sequence = int64(len(s.events[cp.ExecutionID])) + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[cp.ExecutionID] = append(s.events[cp.ExecutionID], &cp)
	event.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func matches(rec *schema.ExecutionRecord, f Filter) bool {
	if f.ID != "" && rec.ID != f.ID {
		return false
	}
	if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && string(rec.Status) != f.Status {
		return false
	}
	if f.StoppedBefore != nil {
		if rec.StoppedAt == nil || !rec.StoppedAt.Before(*f.StoppedBefore) {
			return false
		}
	}
	return true
}

func copyRecord(rec *schema.ExecutionRecord) (*schema.ExecutionRecord, error) {
	b, err := xjson.Marshal(rec)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "copy execution record").WithCause(err)
	}
	cp := &schema.ExecutionRecord{}
	if err := xjson.Unmarshal(b, cp); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "copy execution record").WithCause(err)
	}
	return cp, nil
}

var _ Store = (*MemoryStore)(nil)
