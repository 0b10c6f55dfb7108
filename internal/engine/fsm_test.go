package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

func TestExecutionTransitionsEmitEvents(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewExecutionFSM(st)
	ctx := context.Background()

	steps := []struct {
		from, to schema.ExecutionStatus
		event    string
	}{
		{schema.ExecutionStatusNew, schema.ExecutionStatusRunning, schema.EventExecutionStarted},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting, schema.EventExecutionWaiting},
		{schema.ExecutionStatusWaiting, schema.ExecutionStatusRunning, schema.EventExecutionStarted},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusSuccess, schema.EventExecutionCompleted},
	}
	for _, s := range steps {
		if err := fsm.Transition(ctx, "exec-1", s.from, s.to); err != nil {
			t.Fatalf("Transition %s -> %s: %v", s.from, s.to, err)
		}
	}

	events, err := st.GetEvents(ctx, "exec-1", 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("events = %d, want %d", len(events), len(steps))
	}
	for i, s := range steps {
		if events[i].Type != s.event {
			t.Errorf("event %d = %s, want %s", i, events[i].Type, s.event)
		}
	}
}

func TestInvalidExecutionTransitionRejected(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	cases := []struct{ from, to schema.ExecutionStatus }{
		{schema.ExecutionStatusNew, schema.ExecutionStatusSuccess},
		{schema.ExecutionStatusSuccess, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusCanceled, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusSuccess},
	}
	for _, c := range cases {
		err := fsm.Transition(context.Background(), "exec-1", c.from, c.to)
		var lerr *schema.LoomError
		if !errors.As(err, &lerr) || lerr.Code != schema.ErrCodeInvalidTransition {
			t.Errorf("%s -> %s: err = %v, want %s", c.from, c.to, err, schema.ErrCodeInvalidTransition)
		}
	}
}

func TestNodeTransitionsEmitEvents(t *testing.T) {
	st := store.NewMemoryStore()
	fsm := NewExecutionFSM(st)
	ctx := context.Background()

	if err := fsm.NodeTransition(ctx, "exec-1", "n1", schema.NodeStatusWaiting, schema.NodeStatusRunnable); err != nil {
		t.Fatalf("waiting -> runnable: %v", err)
	}
	if err := fsm.NodeTransition(ctx, "exec-1", "n1", schema.NodeStatusRunnable, schema.NodeStatusRunning); err != nil {
		t.Fatalf("runnable -> running: %v", err)
	}
	if err := fsm.NodeTransition(ctx, "exec-1", "n1", schema.NodeStatusRunning, schema.NodeStatusSucceeded); err != nil {
		t.Fatalf("running -> succeeded: %v", err)
	}

	events, err := st.GetEvents(ctx, "exec-1", 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	// waiting -> runnable has no event; the other two do.
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != schema.EventNodeStarted || events[1].Type != schema.EventNodeSucceeded {
		t.Errorf("events = [%s, %s]", events[0].Type, events[1].Type)
	}
	if events[0].NodeID != "n1" {
		t.Errorf("node id = %s, want n1", events[0].NodeID)
	}
}

func TestPinnedNodeSettlesFromWaiting(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	if err := fsm.NodeTransition(context.Background(), "exec-1", "p", schema.NodeStatusWaiting, schema.NodeStatusSucceeded); err != nil {
		t.Fatalf("waiting -> succeeded: %v", err)
	}
}

func TestInvalidNodeTransitionRejected(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	cases := []struct{ from, to schema.NodeStatus }{
		{schema.NodeStatusWaiting, schema.NodeStatusRunning},
		{schema.NodeStatusSucceeded, schema.NodeStatusRunning},
		{schema.NodeStatusRunning, schema.NodeStatusSkipped},
		{schema.NodeStatusSkipped, schema.NodeStatusRunnable},
	}
	for _, c := range cases {
		err := fsm.NodeTransition(context.Background(), "exec-1", "n1", c.from, c.to)
		var lerr *schema.LoomError
		if !errors.As(err, &lerr) || lerr.Code != schema.ErrCodeInvalidTransition {
			t.Errorf("%s -> %s: err = %v, want %s", c.from, c.to, err, schema.ErrCodeInvalidTransition)
		}
	}
}
