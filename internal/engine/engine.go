// Package engine runs workflow graphs: validation, scheduling, node
// execution, persistence, and the live execution registry.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/binstore"
	"github.com/loomworks/loom/internal/credentials"
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/nodes"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
)

// WorkflowLoader fetches the current definition of a stored workflow.
// Optional: retries fall back to the graph frozen in the execution record.
type WorkflowLoader interface {
	LoadWorkflow(ctx context.Context, workflowID string) (*schema.Graph, error)
}

// Options configures an Engine.
type Options struct {
	Handlers    *nodes.Registry
	Store       store.Store
	Credentials credentials.Resolver
	Binary      binstore.Store
	Workflows   WorkflowLoader // optional
	PoolSize    int
	Logger      *slog.Logger
}

// Engine is the public entry point: it starts, retries, stops, lists, and
// deletes executions. One Engine serves many concurrent executions over a
// shared worker pool.
type Engine struct {
	handlers  *nodes.Registry
	store     store.Store
	registry  *ActiveRegistry
	pool      *WorkerPool
	scheduler *Scheduler
	fsm       *ExecutionFSM
	params    *validation.ParamsValidator
	workflows WorkflowLoader
	logger    *slog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Handlers == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "handler registry is required")
	}
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool := NewWorkerPool(opts.PoolSize)
	fsm := NewExecutionFSM(opts.Store)
	executor := NewNodeExecutor(opts.Handlers, opts.Credentials, opts.Binary, opts.Store, logger)

	return &Engine{
		handlers:  opts.Handlers,
		store:     opts.Store,
		registry:  NewActiveRegistry(),
		pool:      pool,
		scheduler: NewScheduler(executor, pool, fsm, logger),
		fsm:       fsm,
		params:    validation.NewParamsValidator(),
		workflows: opts.Workflows,
		logger:    logger,
	}, nil
}

// Close shuts down the worker pool after in-flight nodes finish. The store
// is owned by the caller and left open.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

// StartManual validates and runs a workflow synchronously, returning the
// sealed execution record. The context controls cooperative cancellation:
// canceling it stops the execution at the next checkpoint.
func (e *Engine) StartManual(ctx context.Context, workflowID string, g *schema.Graph, pin schema.PinData, trigger schema.ItemCollection) (*schema.ExecutionRecord, error) {
	vg, err := e.validate(g, pin)
	if err != nil {
		return nil, err
	}

	rec := &schema.ExecutionRecord{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      schema.ExecutionStatusRunning,
		Mode:        schema.ModeManual,
		Graph:       g,
		PinData:     pin.Copy(),
		TriggerData: trigger,
		StartedAt:   time.Now().UTC(),
	}
	return e.run(ctx, rec, vg)
}

// Retry re-runs a sealed execution. Nodes that succeeded in the original run
// are replayed from their recorded outputs; only the rest execute again. With
// loadWorkflow true and a workflow loader configured, the current workflow
// definition replaces the frozen one.
func (e *Engine) Retry(ctx context.Context, executionID string, loadWorkflow bool) (*schema.ExecutionRecord, error) {
	prior, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is still running and cannot be retried", executionID)
	}

	g := prior.Graph
	if loadWorkflow && e.workflows != nil {
		fresh, err := e.workflows.LoadWorkflow(ctx, prior.WorkflowID)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound,
				"load workflow %q: %s", prior.WorkflowID, err.Error()).WithCause(err)
		}
		g = fresh
	}

	vg, err := e.validate(g, prior.PinData)
	if err != nil {
		return nil, err
	}

	rec := &schema.ExecutionRecord{
		ID:          uuid.NewString(),
		WorkflowID:  prior.WorkflowID,
		Status:      schema.ExecutionStatusRunning,
		Mode:        schema.ModeRetry,
		Graph:       g,
		PinData:     prior.PinData.Copy(),
		TriggerData: prior.TriggerData,
		RunData:     replaySuccesses(prior.RunData, vg),
		RetryOf:     prior.ID,
		StartedAt:   time.Now().UTC(),
	}
	return e.run(ctx, rec, vg)
}

// Stop requests cancellation of a live execution. The execution seals as
// canceled once in-flight nodes drain.
func (e *Engine) Stop(ctx context.Context, executionID string) error {
	if active := e.registry.Get(executionID); active != nil {
		active.Cancel()
		return nil
	}
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q already sealed with status %s", executionID, rec.Status)
}

// Get returns an execution record by ID.
func (e *Engine) Get(ctx context.Context, executionID string) (*schema.ExecutionRecord, error) {
	return e.store.GetExecution(ctx, executionID)
}

// List returns sealed and running execution records matching the filter.
func (e *Engine) List(ctx context.Context, f store.Filter) ([]*schema.ExecutionRecord, error) {
	return e.store.ListExecutions(ctx, f)
}

// ListCurrent returns the live executions, oldest first.
func (e *Engine) ListCurrent() []ActiveExecution {
	return e.registry.Snapshot()
}

// Delete removes a sealed execution and its events. Live executions must be
// stopped first.
func (e *Engine) Delete(ctx context.Context, executionID string) error {
	if e.registry.Get(executionID) != nil {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is running; stop it before deleting", executionID)
	}
	n, err := e.store.DeleteExecutions(ctx, store.Filter{ID: executionID})
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	return nil
}

// validate checks graph structure, node parameters, and pin shape.
func (e *Engine) validate(g *schema.Graph, pin schema.PinData) (*graph.Validated, error) {
	vg, err := graph.Validate(g, e.handlers)
	if err != nil {
		return nil, err
	}
	for id := range pin {
		if vg.Node(id) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"pinned data references unknown node %q", id)
		}
	}
	for _, id := range vg.Enabled() {
		node := vg.Node(id)
		handler, err := e.handlers.HandlerFor(node.Type)
		if err != nil {
			return nil, err
		}
		if err := e.params.Validate(node.Parameters, handler.ParamsSchema()); err != nil {
			return nil, asLoomError(err).WithNode(id)
		}
	}
	return vg, nil
}

// run persists, registers, schedules, and seals one execution.
func (e *Engine) run(ctx context.Context, rec *schema.ExecutionRecord, vg *graph.Validated) (*schema.ExecutionRecord, error) {
	ctx = logging.WithExecutionID(ctx, rec.ID)
	ctx = logging.WithWorkflowID(ctx, rec.WorkflowID)

	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	active := &ActiveExecution{
		ID:         rec.ID,
		WorkflowID: rec.WorkflowID,
		Mode:       rec.Mode,
		StartedAt:  rec.StartedAt,
		cancel:     cancel,
	}
	if err := e.registry.Register(active); err != nil {
		return nil, err
	}
	defer e.registry.Unregister(rec.ID)

	if err := e.fsm.Transition(ctx, rec.ID, schema.ExecutionStatusNew, schema.ExecutionStatusRunning); err != nil {
		e.logger.WarnContext(ctx, "execution start event failed", slog.String("error", err.Error()))
	}
	e.logger.InfoContext(ctx, "execution started",
		slog.String("workflow_id", rec.WorkflowID),
		slog.String("mode", string(rec.Mode)),
	)

	status, runErr := e.scheduler.Run(runCtx, rec, vg)

	rec.Status = status
	rec.Error = runErr
	now := time.Now().UTC()
	rec.StoppedAt = &now

	// Sealing must survive cancellation of the caller's context.
	sealCtx := context.WithoutCancel(ctx)
	if err := e.fsm.Transition(sealCtx, rec.ID, schema.ExecutionStatusRunning, status); err != nil {
		e.logger.WarnContext(ctx, "execution seal event failed", slog.String("error", err.Error()))
	}
	if err := e.store.SealExecution(sealCtx, rec); err != nil {
		// The run itself finished; hand the record back with the store error
		// so the caller can retry the save.
		return rec, err
	}

	e.logger.InfoContext(ctx, "execution sealed",
		slog.String("status", string(status)),
		slog.Duration("elapsed", now.Sub(rec.StartedAt)),
	)
	return rec, nil
}

// replaySuccesses copies the last successful attempt of every node that still
// exists in the graph, marked as replayed.
func replaySuccesses(prior schema.RunData, vg *graph.Validated) schema.RunData {
	rd := make(schema.RunData)
	for _, id := range vg.Enabled() {
		last := prior.LastSuccess(id)
		if last == nil {
			continue
		}
		rd[id] = []*schema.NodeRun{{
			StartedAt:       last.StartedAt,
			ExecutionTimeMs: last.ExecutionTimeMs,
			OutputsByPort:   last.OutputsByPort,
			Source:          schema.RunSourceReplay,
		}}
	}
	return rd
}
