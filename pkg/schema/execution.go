package schema

import "time"

// ExecutionStatus enumerates the lifecycle states of one workflow run.
type ExecutionStatus string

const (
	ExecutionStatusNew      ExecutionStatus = "new"
	ExecutionStatusRunning  ExecutionStatus = "running"
	ExecutionStatusSuccess  ExecutionStatus = "success"
	ExecutionStatusFailed   ExecutionStatus = "failed"
	ExecutionStatusCanceled ExecutionStatus = "canceled"
	// ExecutionStatusWaiting is reserved for executions parked on an external
	// event. No in-scope node parks an execution; the status exists for
	// interface compatibility with callers that track it.
	ExecutionStatusWaiting ExecutionStatus = "waiting"
)

// IsTerminal reports whether the status seals the record.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCanceled, ExecutionStatusWaiting:
		return true
	}
	return false
}

// NodeStatus enumerates the per-node states within a run.
type NodeStatus string

const (
	NodeStatusWaiting   NodeStatus = "waiting"
	NodeStatusRunnable  NodeStatus = "runnable"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether a node has settled.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusSucceeded || s == NodeStatusFailed || s == NodeStatusSkipped
}

// ExecutionMode records how a run was started.
type ExecutionMode string

const (
	ModeManual  ExecutionMode = "manual"
	ModeTrigger ExecutionMode = "trigger"
	ModeRetry   ExecutionMode = "retry"
)

// NodeRun attempt sources.
const (
	RunSourceLive   = "run"     // produced by invoking the handler
	RunSourcePin    = "pindata" // synthesized from pinned data
	RunSourceReplay = "replay"  // copied verbatim from a prior execution
)

// NodeRun is one attempt at executing a node. Attempts for a node are
// appended in the order they were made; the last successful one feeds
// downstream assembly.
type NodeRun struct {
	StartedAt       time.Time        `json:"started_at"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	OutputsByPort   []ItemCollection `json:"outputs_by_port,omitempty"`
	Error           *LoomError       `json:"error,omitempty"`
	Source          string           `json:"source,omitempty"`
}

// Succeeded reports whether the attempt produced outputs.
func (r *NodeRun) Succeeded() bool { return r.Error == nil }

// RunData accumulates per-node, per-attempt results of one execution.
// Append-only during a run; sealed with the record.
type RunData map[string][]*NodeRun

// LastSuccess returns the most recent successful attempt for a node, or nil.
func (rd RunData) LastSuccess(nodeID string) *NodeRun {
	runs := rd[nodeID]
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Succeeded() {
			return runs[i]
		}
	}
	return nil
}

// ExecutionRecord is the persisted summary of one workflow run.
// Exclusively owned by the scheduler while running; immutable once sealed.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	Mode        ExecutionMode   `json:"mode"`
	Graph       *Graph          `json:"graph,omitempty"`
	PinData     PinData         `json:"pin_data,omitempty"`
	RunData     RunData         `json:"run_data,omitempty"`
	TriggerData ItemCollection  `json:"trigger_data,omitempty"`
	Error       *LoomError      `json:"error,omitempty"`
	RetryOf     string          `json:"retry_of,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	StoppedAt   *time.Time      `json:"stopped_at,omitempty"`
}
