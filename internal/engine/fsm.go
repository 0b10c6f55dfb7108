package engine

import (
	"context"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// EventAppender is satisfied by the Store; FSMs emit lifecycle events on
// transitions through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidExecutionTransitions defines the execution lifecycle state machine.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusNew: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCanceled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusSuccess,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCanceled,
		schema.ExecutionStatusWaiting,
	},
	schema.ExecutionStatusWaiting: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCanceled,
	},
}

// ValidNodeTransitions defines the per-node state machine within a run.
// A pinned node settles directly from waiting to succeeded without dispatch.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusWaiting: {
		schema.NodeStatusRunnable,
		schema.NodeStatusSucceeded,
		schema.NodeStatusSkipped,
	},
	schema.NodeStatusRunnable: {
		schema.NodeStatusRunning,
		schema.NodeStatusSkipped,
	},
	schema.NodeStatusRunning: {
		schema.NodeStatusSucceeded,
		schema.NodeStatusFailed,
	},
}

// ExecutionFSM validates lifecycle transitions and emits the corresponding
// events. The caller persists the new state; the FSM only guards and records.
type ExecutionFSM struct {
	appender EventAppender
}

func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{appender: appender}
}

// Transition validates an execution state change and emits its event.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if !contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	eventType := executionEventType(to)
	if eventType == "" || f.appender == nil {
		return nil
	}
	event := &store.Event{
		ExecutionID: executionID,
		Type:        eventType,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// NodeTransition validates a node state change and emits its event.
func (f *ExecutionFSM) NodeTransition(ctx context.Context, executionID, nodeID string, from, to schema.NodeStatus) error {
	if !contains(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	eventType := nodeEventType(to)
	if eventType == "" || f.appender == nil {
		return nil
	}
	event := &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func contains[T comparable](s []T, v T) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusSuccess:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCanceled:
		return schema.EventExecutionCanceled
	case schema.ExecutionStatusWaiting:
		return schema.EventExecutionWaiting
	}
	return ""
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusSucceeded:
		return schema.EventNodeSucceeded
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	}
	return ""
}
