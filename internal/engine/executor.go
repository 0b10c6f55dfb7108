package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/binstore"
	"github.com/loomworks/loom/internal/credentials"
	"github.com/loomworks/loom/internal/nodes"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// execMeta identifies the execution a node runs within.
type execMeta struct {
	ID         string
	WorkflowID string
	Mode       schema.ExecutionMode
}

func (m execMeta) asMap() map[string]any {
	return map[string]any{
		"id":          m.ID,
		"workflow_id": m.WorkflowID,
		"mode":        string(m.Mode),
	}
}

// nodeResolution is the settled outcome of one node dispatch: a terminal
// status plus every attempt made. On success OutputsByPort holds one
// collection per declared output port.
type nodeResolution struct {
	Status        schema.NodeStatus
	OutputsByPort []schema.ItemCollection
	Attempts      []*schema.NodeRun
	Err           *schema.LoomError
	Canceled      bool
}

// NodeExecutor owns the single-node invocation contract: credential
// resolution, per-attempt timeout, the retry loop, and continue-on-fail.
// It never routes data; the scheduler does that with the resolution.
type NodeExecutor struct {
	handlers *nodes.Registry
	creds    credentials.Resolver
	binary   binstore.Store
	appender EventAppender
	logger   *slog.Logger
}

func NewNodeExecutor(handlers *nodes.Registry, creds credentials.Resolver, binary binstore.Store, appender EventAppender, logger *slog.Logger) *NodeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeExecutor{
		handlers: handlers,
		creds:    creds,
		binary:   binary,
		appender: appender,
		logger:   logger,
	}
}

// Execute runs one node to a terminal status. Failures are encoded in the
// resolution, never returned; the only hard stop is context cancellation
// between attempts.
func (e *NodeExecutor) Execute(ctx context.Context, meta execMeta, node *schema.Node, inputs []schema.ItemCollection) *nodeResolution {
	handler, err := e.handlers.HandlerFor(node.Type)
	if err != nil {
		return failed(nil, asLoomError(err).WithNode(node.ID))
	}

	var credData credentials.Data
	if e.creds != nil {
		credData, err = e.creds.Resolve(ctx, node)
		if err != nil {
			return failed(nil, asLoomError(err).WithNode(node.ID))
		}
	}

	in := nodes.Input{
		Node:         node,
		Params:       node.Parameters,
		InputsByPort: inputs,
		Credentials:  credData,
		Binary:       e.binary,
		Execution:    meta.asMap(),
	}

	policy := policyFor(node)
	outputs := handler.Ports().Outputs

	var attempts []*schema.NodeRun
	for attempt := 1; attempt <= policy.MaxTries; attempt++ {
		if ctx.Err() != nil {
			return &nodeResolution{
				Status:   schema.NodeStatusFailed,
				Attempts: attempts,
				Err:      cancellationError(ctx, node.ID),
				Canceled: true,
			}
		}
		if attempt > 1 {
			e.emitRetry(ctx, meta.ID, node.ID, attempt)
			if err := waitBetweenTries(ctx, policy.WaitBetween); err != nil {
				return &nodeResolution{
					Status:   schema.NodeStatusFailed,
					Attempts: attempts,
					Err:      cancellationError(ctx, node.ID),
					Canceled: true,
				}
			}
		}

		run, out := e.attempt(ctx, handler, node, in, outputs)
		attempts = append(attempts, run)
		if run.Succeeded() {
			return &nodeResolution{
				Status:        schema.NodeStatusSucceeded,
				OutputsByPort: out,
				Attempts:      attempts,
			}
		}
		if ctx.Err() != nil {
			return &nodeResolution{
				Status:   schema.NodeStatusFailed,
				Attempts: attempts,
				Err:      cancellationError(ctx, node.ID),
				Canceled: true,
			}
		}

		e.logger.WarnContext(ctx, "node attempt failed",
			slog.String("node_id", node.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_tries", policy.MaxTries),
			slog.String("error", run.Error.Error()),
		)
	}

	lastErr := attempts[len(attempts)-1].Error
	if node.ContinueOnFail {
		// The node settles as succeeded with no outputs; downstream nodes
		// receive empty input from it.
		return &nodeResolution{
			Status:        schema.NodeStatusSucceeded,
			OutputsByPort: emptyPorts(outputs),
			Attempts:      attempts,
		}
	}

	finalErr := lastErr
	if policy.MaxTries > 1 {
		finalErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"node failed after %d tries: %s", policy.MaxTries, lastErr.Message).
			WithNode(node.ID).WithCause(lastErr)
	}
	return failed(attempts, finalErr)
}

// attempt performs a single handler invocation with the node's per-attempt
// timeout and panic containment.
func (e *NodeExecutor) attempt(ctx context.Context, handler nodes.Handler, node *schema.Node, in nodes.Input, outputs int) (run *schema.NodeRun, out []schema.ItemCollection) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if node.TimeoutMs > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	started := time.Now().UTC()
	run = &schema.NodeRun{
		StartedAt: started,
		Source:    schema.RunSourceLive,
	}
	defer func() {
		run.ExecutionTimeMs = time.Since(started).Milliseconds()
		if r := recover(); r != nil {
			run.Error = schema.NewErrorf(schema.ErrCodeNodeFailed,
				"handler panic: %v", r).WithNode(node.ID)
			out = nil
		}
	}()

	result, err := handler.Execute(attemptCtx, in)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			run.Error = schema.NewErrorf(schema.ErrCodeTimeout,
				"node timed out after %dms", node.TimeoutMs).WithNode(node.ID).WithCause(err)
		} else {
			run.Error = asLoomError(err).WithNode(node.ID)
		}
		return run, nil
	}

	out = normalizeOutputs(result, outputs)
	run.OutputsByPort = out
	return run, out
}

func (e *NodeExecutor) emitRetry(ctx context.Context, executionID, nodeID string, attempt int) {
	if e.appender == nil {
		return
	}
	event := &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        schema.EventNodeRetryAttempt,
		Payload:     []byte(fmt.Sprintf(`{"attempt":%d}`, attempt)),
	}
	if err := e.appender.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "emit retry event failed", slog.String("error", err.Error()))
	}
}

// normalizeOutputs pads or trims a handler result to exactly the declared
// port count, with no nil collections.
func normalizeOutputs(result *nodes.Output, outputs int) []schema.ItemCollection {
	out := make([]schema.ItemCollection, outputs)
	if result != nil {
		for i := 0; i < outputs && i < len(result.OutputsByPort); i++ {
			out[i] = result.OutputsByPort[i]
		}
	}
	for i := range out {
		if out[i] == nil {
			out[i] = schema.ItemCollection{}
		}
	}
	return out
}

func emptyPorts(n int) []schema.ItemCollection {
	out := make([]schema.ItemCollection, n)
	for i := range out {
		out[i] = schema.ItemCollection{}
	}
	return out
}

func failed(attempts []*schema.NodeRun, err *schema.LoomError) *nodeResolution {
	return &nodeResolution{
		Status:   schema.NodeStatusFailed,
		Attempts: attempts,
		Err:      err,
	}
}

func cancellationError(ctx context.Context, nodeID string) *schema.LoomError {
	return schema.NewError(schema.ErrCodeCancelled, "execution canceled").
		WithNode(nodeID).WithCause(ctx.Err())
}

func asLoomError(err error) *schema.LoomError {
	var lerr *schema.LoomError
	if errors.As(err, &lerr) {
		return lerr
	}
	return schema.NewError(schema.ErrCodeNodeFailed, err.Error()).WithCause(err)
}
