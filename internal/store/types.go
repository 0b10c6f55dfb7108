package store

import (
	"encoding/json"
	"time"
)

// Event is one row of the append-only execution event log. Sequence is
// monotonically increasing per execution, assigned by the store.
type Event struct {
	ID          int64           `json:"id,omitempty"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Filter narrows execution queries. Zero fields match everything.
type Filter struct {
	ID            string
	WorkflowID    string
	Status        string
	StoppedBefore *time.Time // only executions sealed before this instant
	Limit         int
}
