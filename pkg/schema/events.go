package schema

// Event types emitted on execution and node lifecycle transitions.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCanceled  = "execution.canceled"
	EventExecutionWaiting   = "execution.waiting"

	EventNodeStarted      = "node.started"
	EventNodeSucceeded    = "node.succeeded"
	EventNodeFailed       = "node.failed"
	EventNodeSkipped      = "node.skipped"
	EventNodeRetryAttempt = "node.retry_attempt"
)
