package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/nodes"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// --- helpers ---

// fakeHandler is a scriptable node handler for engine tests.
type fakeHandler struct {
	typ     string
	inputs  int
	outputs int
	calls   atomic.Int64
	fn      func(ctx context.Context, in nodes.Input) (*nodes.Output, error)
}

func (h *fakeHandler) Type() string { return h.typ }
func (h *fakeHandler) Ports() nodes.PortSpec {
	return nodes.PortSpec{Inputs: h.inputs, Outputs: h.outputs}
}
func (h *fakeHandler) ParamsSchema() json.RawMessage { return nil }
func (h *fakeHandler) Execute(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
	h.calls.Add(1)
	if h.fn != nil {
		return h.fn(ctx, in)
	}
	// Default: pass port 0 through.
	var items schema.ItemCollection
	if len(in.InputsByPort) > 0 {
		items = in.InputsByPort[0]
	}
	out := make([]schema.ItemCollection, h.outputs)
	if h.outputs > 0 {
		out[0] = items
	}
	for i := range out {
		if out[i] == nil {
			out[i] = schema.ItemCollection{}
		}
	}
	return &nodes.Output{OutputsByPort: out}, nil
}

func entry() *fakeHandler {
	return &fakeHandler{typ: "start", inputs: 0, outputs: 1}
}

func passthrough(typ string) *fakeHandler {
	return &fakeHandler{typ: typ, inputs: 1, outputs: 1}
}

func testEngine(t *testing.T, handlers ...nodes.Handler) (*Engine, *store.MemoryStore) {
	t.Helper()
	reg := nodes.NewRegistry()
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			t.Fatalf("register %s: %v", h.Type(), err)
		}
	}
	st := store.NewMemoryStore()
	eng, err := New(Options{Handlers: reg, Store: st, PoolSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, st
}

func n(id, typ string) schema.Node { return schema.Node{ID: id, Type: typ} }

func c(src string, out int, dst string, in int) schema.Connection {
	return schema.Connection{SourceNode: src, SourceOutput: out, TargetNode: dst, TargetInput: in}
}

func trigger(values ...string) schema.ItemCollection {
	out := make(schema.ItemCollection, len(values))
	for i, v := range values {
		out[i] = schema.Item{"v": v}
	}
	return out
}

// --- tests ---

func TestStartManualLinearSuccess(t *testing.T) {
	start := entry()
	work := passthrough("work")
	eng, st := testEngine(t, start, work)

	g := &schema.Graph{
		Nodes:       []schema.Node{n("s", "start"), n("w", "work")},
		Connections: []schema.Connection{c("s", 0, "w", 0)},
	}

	rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("one", "two"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if rec.Status != schema.ExecutionStatusSuccess {
		t.Fatalf("status = %s, want success (err=%v)", rec.Status, rec.Error)
	}
	if got := rec.RunData.LastSuccess("w"); got == nil || len(got.OutputsByPort[0]) != 2 {
		t.Fatalf("w output = %+v, want two items", got)
	}
	if rec.StoppedAt == nil {
		t.Fatal("sealed record must carry a stop time")
	}

	events, err := st.GetEvents(context.Background(), rec.ID, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected lifecycle events")
	}
	if events[0].Type != schema.EventExecutionStarted {
		t.Errorf("first event = %s, want %s", events[0].Type, schema.EventExecutionStarted)
	}
	if events[len(events)-1].Type != schema.EventExecutionCompleted {
		t.Errorf("last event = %s, want %s", events[len(events)-1].Type, schema.EventExecutionCompleted)
	}
}

func TestBranchRoutingSkipsEmptyBranch(t *testing.T) {
	start := entry()
	// Router sends everything to port 0, nothing to port 1.
	router := &fakeHandler{typ: "router", inputs: 1, outputs: 2,
		fn: func(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
			return &nodes.Output{OutputsByPort: []schema.ItemCollection{
				in.InputsByPort[0],
				{},
			}}, nil
		}}
	taken := passthrough("taken")
	notTaken := passthrough("notTaken")
	eng, _ := testEngine(t, start, router, taken, notTaken)

	g := &schema.Graph{
		Nodes: []schema.Node{n("s", "start"), n("r", "router"), n("t", "taken"), n("u", "notTaken")},
		Connections: []schema.Connection{
			c("s", 0, "r", 0),
			c("r", 0, "t", 0),
			c("r", 1, "u", 0),
		},
	}

	rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("x"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if rec.Status != schema.ExecutionStatusSuccess {
		t.Fatalf("status = %s, want success", rec.Status)
	}
	if taken.calls.Load() != 1 {
		t.Errorf("taken branch calls = %d, want 1", taken.calls.Load())
	}
	if notTaken.calls.Load() != 0 {
		t.Errorf("empty branch handler was invoked %d times", notTaken.calls.Load())
	}
	if _, ok := rec.RunData["u"]; ok {
		t.Error("skipped node must not carry run data")
	}
}

func TestPinnedNodeShortCircuits(t *testing.T) {
	start := entry()
	pinnedWork := passthrough("pinnedWork")
	sink := passthrough("sink")
	eng, _ := testEngine(t, start, pinnedWork, sink)

	g := &schema.Graph{
		Nodes: []schema.Node{n("s", "start"), n("p", "pinnedWork"), n("d", "sink")},
		Connections: []schema.Connection{
			c("s", 0, "p", 0),
			c("p", 0, "d", 0),
		},
	}
	pin := schema.PinData{"p": schema.ItemCollection{{"pinned": "yes"}}}

	rec, err := eng.StartManual(context.Background(), "wf", g, pin, trigger("live"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if rec.Status != schema.ExecutionStatusSuccess {
		t.Fatalf("status = %s, want success (err=%v)", rec.Status, rec.Error)
	}

	if pinnedWork.calls.Load() != 0 {
		t.Error("pinned node handler must never be invoked")
	}
	if start.calls.Load() != 0 {
		t.Error("ancestor feeding only a pinned node must be pruned")
	}

	pinRun := rec.RunData["p"]
	if len(pinRun) != 1 || pinRun[0].Source != schema.RunSourcePin {
		t.Fatalf("pinned node run = %+v, want one pindata attempt", pinRun)
	}
	if _, ok := rec.RunData["s"]; ok {
		t.Error("pruned ancestor must not carry run data")
	}

	sinkRun := rec.RunData.LastSuccess("d")
	if sinkRun == nil || sinkRun.OutputsByPort[0][0]["pinned"] != "yes" {
		t.Fatalf("sink consumed %+v, want the pinned item", sinkRun)
	}
}

func TestRetryOnFailRecordsEveryAttempt(t *testing.T) {
	start := entry()
	var tries atomic.Int64
	flaky := &fakeHandler{typ: "flaky", inputs: 1, outputs: 1,
		fn: func(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
			if tries.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return nodes.Single(in.InputsByPort[0]), nil
		}}
	eng, _ := testEngine(t, start, flaky)

	g := &schema.Graph{
		Nodes: []schema.Node{
			n("s", "start"),
			{ID: "f", Type: "flaky", RetryOnFail: true, MaxTries: 3, WaitBetweenTriesMs: 1},
		},
		Connections: []schema.Connection{c("s", 0, "f", 0)},
	}

	rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("x"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if rec.Status != schema.ExecutionStatusSuccess {
		t.Fatalf("status = %s, want success after retries", rec.Status)
	}
	attempts := rec.RunData["f"]
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	if attempts[0].Error == nil || attempts[1].Error == nil {
		t.Error("first two attempts should carry errors")
	}
	if !attempts[2].Succeeded() {
		t.Error("final attempt should have succeeded")
	}
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	start := entry()
	broken := &fakeHandler{typ: "broken", inputs: 1, outputs: 1,
		fn: func(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
			return nil, errors.New("permanently broken")
		}}
	after := passthrough("after")
	eng, _ := testEngine(t, start, broken, after)

	g := &schema.Graph{
		Nodes: []schema.Node{
			n("s", "start"),
			{ID: "b", Type: "broken", RetryOnFail: true, MaxTries: 2, WaitBetweenTriesMs: 1},
			n("a", "after"),
		},
		Connections: []schema.Connection{
			c("s", 0, "b", 0),
			c("b", 0, "a", 0),
		},
	}

	rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("x"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if rec.Status != schema.ExecutionStatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Error == nil || rec.Error.Code != schema.ErrCodeRetryExhausted {
		t.Fatalf("error = %v, want %s", rec.Error, schema.ErrCodeRetryExhausted)
	}
	if after.calls.Load() != 0 {
		t.Error("downstream of the failed node must not run")
	}
	if len(rec.RunData["b"]) != 2 {
		t.Errorf("attempts = %d, want 2", len(rec.RunData["b"]))
	}
}

func TestContinueOnFailSettlesAsSucceeded(t *testing.T) {
	start := entry()
	broken := &fakeHandler{typ: "broken", inputs: 1, outputs: 1,
		fn: func(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
			return nil, errors.New("boom")
		}}
	after := passthrough("after")
	eng, _ := testEngine(t, start, broken, after)

	g := &schema.Graph{
		Nodes: []schema.Node{
			n("s", "start"),
			{ID: "b", Type: "broken", ContinueOnFail: true},
			n("a", "after"),
		},
		Connections: []schema.Connection{
			c("s", 0, "b", 0),
			c("b", 0, "a", 0),
		},
	}

	rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("x"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if rec.Status != schema.ExecutionStatusSuccess {
		t.Fatalf("status = %s, want success with continue_on_fail", rec.Status)
	}
	// The failed node settles; its downstream is skipped for lack of items.
	if after.calls.Load() != 0 {
		t.Error("downstream received no items and should be skipped, not run")
	}
}

func TestErrorOutputRoutesFailure(t *testing.T) {
	start := entry()
	broken := &fakeHandler{typ: "broken", inputs: 1, outputs: 1,
		fn: func(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
			return nil, errors.New("boom")
		}}
	handlerNode := passthrough("errhandler")
	eng, _ := testEngine(t, start, broken, handlerNode)

	g := &schema.Graph{
		Nodes: []schema.Node{n("s", "start"), n("b", "broken"), n("h", "errhandler")},
		Connections: []schema.Connection{
			c("s", 0, "b", 0),
			c("b", 1, "h", 0), // port 1 is broken's error output
		},
	}

	rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("x"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if rec.Status != schema.ExecutionStatusSuccess {
		t.Fatalf("status = %s, want success via error branch (err=%v)", rec.Status, rec.Error)
	}
	if handlerNode.calls.Load() != 1 {
		t.Fatalf("error handler calls = %d, want 1", handlerNode.calls.Load())
	}

	got := rec.RunData.LastSuccess("h")
	if got == nil {
		t.Fatal("error handler should have run data")
	}
	item := got.OutputsByPort[0][0]
	if _, ok := item["error"]; !ok {
		t.Fatalf("error branch item = %v, want an error field", item)
	}
}

func TestStopCancelsExecution(t *testing.T) {
	start := entry()
	release := make(chan struct{})
	blocking := &fakeHandler{typ: "blocking", inputs: 1, outputs: 1,
		fn: func(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
			close(release)
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	after := passthrough("after")
	eng, _ := testEngine(t, start, blocking, after)

	g := &schema.Graph{
		Nodes: []schema.Node{n("s", "start"), n("b", "blocking"), n("a", "after")},
		Connections: []schema.Connection{
			c("s", 0, "b", 0),
			c("b", 0, "a", 0),
		},
	}

	type result struct {
		rec *schema.ExecutionRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("x"))
		done <- result{rec, err}
	}()

	<-release
	current := eng.ListCurrent()
	if len(current) != 1 {
		t.Fatalf("ListCurrent = %d executions, want 1", len(current))
	}
	if err := eng.Stop(context.Background(), current[0].ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("StartManual: %v", res.err)
	}
	if res.rec.Status != schema.ExecutionStatusCanceled {
		t.Fatalf("status = %s, want canceled", res.rec.Status)
	}
	if after.calls.Load() != 0 {
		t.Error("node after the cancellation point must not run")
	}
	if _, ok := res.rec.RunData["a"]; ok {
		t.Error("undispatched node must not carry run data")
	}
	if len(eng.ListCurrent()) != 0 {
		t.Error("sealed execution still listed as current")
	}
}

func TestRetryReplaysSucceededNodes(t *testing.T) {
	start := entry()
	var broken atomic.Bool
	broken.Store(true)
	flaky := &fakeHandler{typ: "flaky", inputs: 1, outputs: 1,
		fn: func(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
			if broken.Load() {
				return nil, errors.New("down")
			}
			return nodes.Single(in.InputsByPort[0]), nil
		}}
	sink := passthrough("sink")
	eng, _ := testEngine(t, start, flaky, sink)

	g := &schema.Graph{
		Nodes: []schema.Node{n("s", "start"), n("f", "flaky"), n("d", "sink")},
		Connections: []schema.Connection{
			c("s", 0, "f", 0),
			c("f", 0, "d", 0),
		},
	}

	first, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("x"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if first.Status != schema.ExecutionStatusFailed {
		t.Fatalf("first run status = %s, want failed", first.Status)
	}
	startCallsAfterFirst := start.calls.Load()

	broken.Store(false)
	second, err := eng.Retry(context.Background(), first.ID, false)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if second.Status != schema.ExecutionStatusSuccess {
		t.Fatalf("retry status = %s, want success (err=%v)", second.Status, second.Error)
	}
	if second.RetryOf != first.ID {
		t.Errorf("RetryOf = %s, want %s", second.RetryOf, first.ID)
	}
	if second.Mode != schema.ModeRetry {
		t.Errorf("Mode = %s, want retry", second.Mode)
	}

	if start.calls.Load() != startCallsAfterFirst {
		t.Error("node that succeeded in the first run must be replayed, not re-invoked")
	}
	replayed := second.RunData["s"]
	if len(replayed) == 0 || replayed[0].Source != schema.RunSourceReplay {
		t.Fatalf("start run = %+v, want a replay attempt", replayed)
	}
	if got := second.RunData.LastSuccess("d"); got == nil || got.OutputsByPort[0][0]["v"] != "x" {
		t.Fatalf("sink output = %+v, want the original trigger item", got)
	}
}

func TestRetryRunningExecutionRejected(t *testing.T) {
	eng, st := testEngine(t, entry())

	rec := &schema.ExecutionRecord{
		ID:         "live",
		WorkflowID: "wf",
		Status:     schema.ExecutionStatusRunning,
		Mode:       schema.ModeManual,
		Graph:      &schema.Graph{Nodes: []schema.Node{n("s", "start")}},
		StartedAt:  time.Now().UTC(),
	}
	if err := st.CreateExecution(context.Background(), rec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	_, err := eng.Retry(context.Background(), "live", false)
	var lerr *schema.LoomError
	if !errors.As(err, &lerr) || lerr.Code != schema.ErrCodeConflict {
		t.Fatalf("err = %v, want %s", err, schema.ErrCodeConflict)
	}
}

func TestDeleteSealedExecution(t *testing.T) {
	eng, _ := testEngine(t, entry())

	g := &schema.Graph{Nodes: []schema.Node{n("s", "start")}}
	rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("x"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}

	if err := eng.Delete(context.Background(), rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := eng.Get(context.Background(), rec.ID); err == nil {
		t.Fatal("deleted execution still readable")
	}
	err = eng.Delete(context.Background(), rec.ID)
	var lerr *schema.LoomError
	if !errors.As(err, &lerr) || lerr.Code != schema.ErrCodeNotFound {
		t.Fatalf("second delete err = %v, want %s", err, schema.ErrCodeNotFound)
	}
}

func TestDiamondJoinWaitsForBothBranches(t *testing.T) {
	start := entry()
	left := passthrough("left")
	right := passthrough("right")
	join := &fakeHandler{typ: "join", inputs: 2, outputs: 1,
		fn: func(ctx context.Context, in nodes.Input) (*nodes.Output, error) {
			merged := append(schema.ItemCollection{}, in.InputsByPort[0]...)
			merged = append(merged, in.InputsByPort[1]...)
			return nodes.Single(merged), nil
		}}
	eng, _ := testEngine(t, start, left, right, join)

	g := &schema.Graph{
		Nodes: []schema.Node{n("s", "start"), n("l", "left"), n("r", "right"), n("j", "join")},
		Connections: []schema.Connection{
			c("s", 0, "l", 0),
			c("s", 0, "r", 0),
			c("l", 0, "j", 0),
			c("r", 0, "j", 1),
		},
	}

	rec, err := eng.StartManual(context.Background(), "wf", g, nil, trigger("a", "b"))
	if err != nil {
		t.Fatalf("StartManual: %v", err)
	}
	if rec.Status != schema.ExecutionStatusSuccess {
		t.Fatalf("status = %s, want success", rec.Status)
	}
	if join.calls.Load() != 1 {
		t.Fatalf("join calls = %d, want exactly 1", join.calls.Load())
	}
	if got := rec.RunData.LastSuccess("j"); got == nil || len(got.OutputsByPort[0]) != 4 {
		t.Fatalf("join output = %+v, want four items (two per branch)", got)
	}
}

func TestUnknownNodeTypeRejectedBeforeStart(t *testing.T) {
	eng, st := testEngine(t, entry())

	g := &schema.Graph{Nodes: []schema.Node{n("s", "start"), n("x", "mystery")}}
	_, err := eng.StartManual(context.Background(), "wf", g, nil, nil)
	var lerr *schema.LoomError
	if !errors.As(err, &lerr) || lerr.Code != schema.ErrCodeUnknownNodeType {
		t.Fatalf("err = %v, want %s", err, schema.ErrCodeUnknownNodeType)
	}

	recs, err := st.ListExecutions(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(recs) != 0 {
		t.Fatal("rejected workflow must not leave an execution record")
	}
}

func TestPinReferencingUnknownNodeRejected(t *testing.T) {
	eng, _ := testEngine(t, entry())

	g := &schema.Graph{Nodes: []schema.Node{n("s", "start")}}
	pin := schema.PinData{"ghost": schema.ItemCollection{{}}}
	_, err := eng.StartManual(context.Background(), "wf", g, pin, nil)
	var lerr *schema.LoomError
	if !errors.As(err, &lerr) || lerr.Code != schema.ErrCodeValidation {
		t.Fatalf("err = %v, want %s", err, schema.ErrCodeValidation)
	}
}
