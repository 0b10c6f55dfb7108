// Package store persists execution records and their event logs.
package store

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// Store is the persistence port for executions.
//
// CreateExecution writes the initial record when an execution starts.
// SealExecution updates the record with the final status, run data, error,
// and stop time; it is called exactly once per execution.
type Store interface {
	Migrate(ctx context.Context) error

	CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	SealExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, f Filter) ([]*schema.ExecutionRecord, error)
	// DeleteExecutions removes matching sealed executions and their events,
	// returning the number of executions removed.
	DeleteExecutions(ctx context.Context, f Filter) (int64, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	Close() error
}
