package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/pkg/schema"
)

// Scheduler drives one execution across a validated graph: it settles pinned
// and pruned nodes up front, then repeatedly dispatches ready nodes to the
// worker pool and routes their outputs until every reachable node settles.
//
// The run loop is single-goroutine; workers only execute handlers and report
// back on a buffered channel, so run state needs no locking.
type Scheduler struct {
	executor *NodeExecutor
	pool     *WorkerPool
	fsm      *ExecutionFSM
	logger   *slog.Logger
}

func NewScheduler(executor *NodeExecutor, pool *WorkerPool, fsm *ExecutionFSM, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		executor: executor,
		pool:     pool,
		fsm:      fsm,
		logger:   logger,
	}
}

type completion struct {
	nodeID string
	res    *nodeResolution
}

// Run executes rec's graph to a terminal status, mutating rec.RunData in
// place, and returns the final execution status. Cancellation is observed
// at dispatch checkpoints; in-flight nodes drain before the run settles.
func (s *Scheduler) Run(ctx context.Context, rec *schema.ExecutionRecord, vg *graph.Validated) (schema.ExecutionStatus, *schema.LoomError) {
	if rec.RunData == nil {
		rec.RunData = make(schema.RunData)
	}

	r := &run{
		rec:    rec,
		vg:     vg,
		states: make(map[string]schema.NodeStatus, len(vg.Enabled())),
		done:   make(chan completion, len(vg.Enabled())),
	}
	for _, id := range vg.Enabled() {
		r.states[id] = schema.NodeStatusWaiting
	}

	s.settlePinned(ctx, r)
	s.settleReplayed(ctx, r)
	s.pruneUnrequired(ctx, r)
	s.scanReady(ctx, r, vg.Enabled())

	var (
		inflight int
		failure  *schema.LoomError
		canceled bool
	)

	for len(r.queue) > 0 || inflight > 0 {
		// Cancellation checkpoint: stop handing out work, let in-flight
		// nodes drain.
		if ctx.Err() != nil {
			canceled = true
		}

		if len(r.queue) > 0 && !canceled && failure == nil {
			nodeID := r.queue[0]
			r.queue = r.queue[1:]

			dispatched, err := s.dispatch(ctx, r, nodeID)
			if err != nil {
				if ctx.Err() != nil {
					canceled = true
				} else if failure == nil {
					failure = asLoomError(err)
				}
				continue
			}
			if dispatched {
				inflight++
			}
			continue
		}

		if inflight == 0 {
			break
		}
		c := <-r.done
		inflight--
		err, wasCanceled := s.settle(ctx, r, c)
		if wasCanceled {
			canceled = true
		} else if err != nil && failure == nil {
			failure = err
		}
	}

	switch {
	case canceled && failure == nil:
		return schema.ExecutionStatusCanceled, nil
	case failure != nil:
		return schema.ExecutionStatusFailed, failure
	default:
		return schema.ExecutionStatusSuccess, nil
	}
}

// run is the mutable state of one execution.
type run struct {
	rec    *schema.ExecutionRecord
	vg     *graph.Validated
	states map[string]schema.NodeStatus
	queue  []string
	done   chan completion
}

func (r *run) state(nodeID string) schema.NodeStatus {
	return r.states[nodeID]
}

// settlePinned synthesizes a succeeded attempt from each pinned node's data.
// The handler is never invoked.
func (s *Scheduler) settlePinned(ctx context.Context, r *run) {
	for _, id := range r.vg.Enabled() {
		pinned, ok := r.rec.PinData[id]
		if !ok {
			continue
		}
		outputs := emptyPorts(r.vg.OutputPortsOf(id))
		if len(outputs) > 0 {
			outputs[0] = pipeline.CopyCollection(pinned)
		}
		r.rec.RunData[id] = append(r.rec.RunData[id], &schema.NodeRun{
			StartedAt:     time.Now().UTC(),
			OutputsByPort: outputs,
			Source:        schema.RunSourcePin,
		})
		s.transitionNode(ctx, r, id, schema.NodeStatusSucceeded)
	}
}

// settleReplayed marks nodes that already carry a successful attempt,
// copied in from the execution being retried.
func (s *Scheduler) settleReplayed(ctx context.Context, r *run) {
	for _, id := range r.vg.Enabled() {
		if r.states[id] != schema.NodeStatusWaiting {
			continue
		}
		if r.rec.RunData.LastSuccess(id) != nil {
			s.transitionNode(ctx, r, id, schema.NodeStatusSucceeded)
		}
	}
}

// pruneUnrequired skips every node that cannot influence a live (non-pinned)
// part of the graph. Pruned nodes keep no run data.
func (s *Scheduler) pruneUnrequired(ctx context.Context, r *run) {
	required := r.vg.Required(r.rec.PinData)
	for _, id := range r.vg.Enabled() {
		if r.states[id] != schema.NodeStatusWaiting {
			continue
		}
		if !required[id] {
			s.transitionNode(ctx, r, id, schema.NodeStatusSkipped)
		}
	}
}

// scanReady enqueues every waiting candidate whose inputs are assemblable.
func (s *Scheduler) scanReady(ctx context.Context, r *run, candidates []string) {
	for _, id := range candidates {
		if r.states[id] != schema.NodeStatusWaiting {
			continue
		}
		if _, err := pipeline.AssembleInputs(r.vg, id, r.rec.RunData, r.rec.PinData, r.state); err != nil {
			continue // not ready yet
		}
		s.transitionNode(ctx, r, id, schema.NodeStatusRunnable)
		r.queue = append(r.queue, id)
	}
}

// dispatch assembles a node's inputs and hands it to the pool. Nodes whose
// taken branches delivered nothing are skipped instead of run.
func (s *Scheduler) dispatch(ctx context.Context, r *run, nodeID string) (bool, error) {
	inputs, err := pipeline.AssembleInputs(r.vg, nodeID, r.rec.RunData, r.rec.PinData, r.state)
	if err != nil {
		// Should not happen for an enqueued node; treat as internal failure.
		s.logger.ErrorContext(ctx, "assemble inputs for ready node failed",
			slog.String("node_id", nodeID), slog.String("error", err.Error()))
		return false, err
	}

	node := r.vg.Node(nodeID)
	isRoot := len(r.vg.Predecessors(nodeID)) == 0

	if !isRoot && allEmpty(inputs) {
		s.transitionNode(ctx, r, nodeID, schema.NodeStatusSkipped)
		s.scanReady(ctx, r, r.vg.Successors(nodeID))
		return false, nil
	}
	if isRoot && r.vg.InputPortsOf(nodeID) == 0 {
		// Entry nodes without input ports receive the trigger payload.
		inputs = []schema.ItemCollection{r.rec.TriggerData}
	}

	s.transitionNode(ctx, r, nodeID, schema.NodeStatusRunning)

	meta := execMeta{ID: r.rec.ID, WorkflowID: r.rec.WorkflowID, Mode: r.rec.Mode}
	err = s.pool.Submit(ctx, func(workerCtx context.Context) error {
		res := s.executor.Execute(workerCtx, meta, node, inputs)
		r.done <- completion{nodeID: nodeID, res: res}
		if res.Err != nil {
			return res.Err
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// settle records a completed node's attempts, converts failures with a wired
// error output into routed successes, and wakes up downstream candidates.
func (s *Scheduler) settle(ctx context.Context, r *run, c completion) (*schema.LoomError, bool) {
	res := c.res
	r.rec.RunData[c.nodeID] = append(r.rec.RunData[c.nodeID], res.Attempts...)

	if res.Status == schema.NodeStatusFailed && !res.Canceled && r.vg.HasErrorOutput(c.nodeID) {
		s.routeToErrorOutput(r, c.nodeID, res.Err)
		res.Status = schema.NodeStatusSucceeded
		res.Err = nil
	}

	s.transitionNode(ctx, r, c.nodeID, res.Status)

	if res.Status == schema.NodeStatusFailed {
		return res.Err, res.Canceled
	}

	s.scanReady(ctx, r, r.vg.Successors(c.nodeID))
	return nil, false
}

// routeToErrorOutput appends a succeeded attempt carrying the failure as a
// single item on the node's error port.
func (s *Scheduler) routeToErrorOutput(r *run, nodeID string, nodeErr *schema.LoomError) {
	ports := emptyPorts(r.vg.ErrorPort(nodeID) + 1)
	item := schema.Item{"error": map[string]any{
		"code":    nodeErr.Code,
		"message": nodeErr.Message,
		"node_id": nodeID,
	}}
	ports[r.vg.ErrorPort(nodeID)] = schema.ItemCollection{item}

	r.rec.RunData[nodeID] = append(r.rec.RunData[nodeID], &schema.NodeRun{
		StartedAt:     time.Now().UTC(),
		OutputsByPort: ports,
		Source:        schema.RunSourceLive,
	})
}

// transitionNode updates local state and emits the lifecycle event. An
// emission failure is logged, never fatal to the run.
func (s *Scheduler) transitionNode(ctx context.Context, r *run, nodeID string, to schema.NodeStatus) {
	from := r.states[nodeID]
	if err := s.fsm.NodeTransition(ctx, r.rec.ID, nodeID, from, to); err != nil {
		s.logger.WarnContext(ctx, "node transition event failed",
			slog.String("node_id", nodeID), slog.String("error", err.Error()))
	}
	r.states[nodeID] = to
}

func allEmpty(inputs []schema.ItemCollection) bool {
	for _, in := range inputs {
		if len(in) > 0 {
			return false
		}
	}
	return true
}
