package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/errdefs"
	"github.com/harun/conduit/pkg/events"
	"github.com/harun/conduit/pkg/governor"
	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeExecutor answers from a function and counts submissions.
type fakeExecutor struct {
	fn    func(ctx context.Context, call toolexecutor.Call) (toolexecutor.Outcome, error)
	calls atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, call toolexecutor.Call) (toolexecutor.Outcome, error) {
	f.calls.Add(1)
	return f.fn(ctx, call)
}

func succeed(result string) *fakeExecutor {
	return &fakeExecutor{fn: func(context.Context, toolexecutor.Call) (toolexecutor.Outcome, error) {
		return toolexecutor.Outcome{
			ToolResult: toolexecutor.ToolResult{Success: true, Result: result},
			Duration:   12 * time.Millisecond,
		}, nil
	}}
}

func newTestLedger(exec Executor, auto AutoApprover) (*Ledger, *events.Recorder) {
	rec := &events.Recorder{}
	return New(Config{Executor: exec, Sink: rec, AutoApprover: auto}), rec
}

func statusesOf(rec *events.Recorder, id string) []string {
	var out []string
	for _, evt := range rec.Filter(func(e events.Event) bool { return e.ToolCallID == id }) {
		out = append(out, evt.Status)
	}
	return out
}

func TestDenyThenApproveIsFinalized(t *testing.T) {
	l, rec := newTestLedger(succeed("x"), nil)

	_, err := l.Propose(context.Background(), Proposal{ID: "tc1", ExecutionID: "e1", MessageID: "m1", FunctionName: "fs__read"})
	require.NoError(t, err)

	call, err := l.Deny("tc1")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, call.Status)

	_, err = l.Approve("tc1")
	var fin *errdefs.ToolCallAlreadyFinalizedError
	require.ErrorAs(t, err, &fin)
	assert.Equal(t, "tc1", fin.ToolCallID)
	assert.Equal(t, "denied", fin.Status)

	got, err := l.Get("tc1")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
	assert.Equal(t, []string{"pending", "denied"}, statusesOf(rec, "tc1"))
}

func TestApproveExecutesOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	exec := succeed("42 words")
	l, rec := newTestLedger(exec, nil)

	_, err := l.Propose(context.Background(), Proposal{ID: "tc1", ExecutionID: "e1", FunctionName: "builtin__text_word_count"})
	require.NoError(t, err)

	call, err := l.Approve("tc1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, call.Status)
	assert.Equal(t, DeciderHuman, call.Decider)

	_, err = l.Approve("tc1")
	assert.Error(t, err, "a second approval never dispatches again")

	require.NoError(t, l.Wait(context.Background(), "tc1"))
	l.Drain()

	got, err := l.Get("tc1")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got.Status)
	assert.Equal(t, "42 words", got.Result)
	assert.Equal(t, int64(12), got.ExecutionTimeMs)
	assert.Equal(t, int32(1), exec.calls.Load())
	assert.Equal(t, []string{"pending", "approved", "executed"}, statusesOf(rec, "tc1"))

	_, err = l.Deny("tc1")
	var fin *errdefs.ToolCallAlreadyFinalizedError
	assert.ErrorAs(t, err, &fin)
}

func TestExecutionFailureBecomesError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	exec := &fakeExecutor{fn: func(context.Context, toolexecutor.Call) (toolexecutor.Outcome, error) {
		return toolexecutor.Outcome{ToolResult: toolexecutor.ToolResult{Error: "permission denied"}},
			&errdefs.ToolExecutionError{Server: "fs", Tool: "write", Err: errors.New("permission denied")}
	}}
	l, rec := newTestLedger(exec, nil)

	_, err := l.Propose(context.Background(), Proposal{ID: "tc1", ExecutionID: "e1", FunctionName: "fs__write"})
	require.NoError(t, err)
	_, err = l.Approve("tc1")
	require.NoError(t, err)
	require.NoError(t, l.Wait(context.Background(), "tc1"))
	l.Drain()

	got, _ := l.Get("tc1")
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "permission denied", got.Error)

	evts := rec.Filter(func(e events.Event) bool { return e.ToolCallID == "tc1" && e.Status == "error" })
	require.Len(t, evts, 1)
	assert.Equal(t, "permission denied", evts[0].Error)
}

func TestTerminalStatesNeverTransition(t *testing.T) {
	l, _ := newTestLedger(succeed("ok"), nil)

	for _, id := range []string{"a", "b"} {
		_, err := l.Propose(context.Background(), Proposal{ID: id, ExecutionID: "e1", FunctionName: "s__t"})
		require.NoError(t, err)
	}
	_, err := l.Deny("a")
	require.NoError(t, err)
	_, err = l.Approve("b")
	require.NoError(t, err)
	require.NoError(t, l.Wait(context.Background(), "a", "b"))
	l.Drain()

	for _, id := range []string{"a", "b"} {
		before, _ := l.Get(id)
		_, errA := l.Approve(id)
		_, errD := l.Deny(id)
		var fin *errdefs.ToolCallAlreadyFinalizedError
		assert.ErrorAs(t, errA, &fin)
		assert.ErrorAs(t, errD, &fin)
		after, _ := l.Get(id)
		assert.Equal(t, before.Status, after.Status)
	}
}

func TestUnknownCall(t *testing.T) {
	l, _ := newTestLedger(nil, nil)

	_, err := l.Approve("nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = l.Get("nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.ErrorIs(t, l.Wait(context.Background(), "nope"), errdefs.ErrNotFound)
}

func TestProposeValidation(t *testing.T) {
	l, _ := newTestLedger(nil, nil)

	_, err := l.Propose(context.Background(), Proposal{ExecutionID: "e1"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	call, err := l.Propose(context.Background(), Proposal{ExecutionID: "e1", FunctionName: "s__t"})
	require.NoError(t, err)
	assert.NotEmpty(t, call.ID)

	_, err = l.Propose(context.Background(), Proposal{ID: call.ID, ExecutionID: "e1", FunctionName: "s__t"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestAutoApprovalByServer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	l, rec := newTestLedger(succeed("now"), NewServerPolicy("builtin"))

	auto, err := l.Propose(context.Background(), Proposal{ID: "tc1", ExecutionID: "e1", FunctionName: "builtin__clock_now"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, auto.Status)
	assert.Equal(t, DeciderPolicy, auto.Decider)

	manual, err := l.Propose(context.Background(), Proposal{ID: "tc2", ExecutionID: "e1", FunctionName: "fs__delete"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, manual.Status)

	require.NoError(t, l.Wait(context.Background(), "tc1"))
	l.Drain()
	assert.Equal(t, []string{"pending", "approved", "executed"}, statusesOf(rec, "tc1"))
}

func TestServerPolicy(t *testing.T) {
	p := NewServerPolicy("builtin", "search")
	assert.True(t, p.AutoApprove("builtin__clock_now"))
	assert.False(t, p.AutoApprove("fs__write"))
	assert.False(t, p.AutoApprove("unqualified"))

	p.Set([]string{"*"}, []string{"fs"})
	assert.True(t, p.AutoApprove("anything__x"))
	assert.False(t, p.AutoApprove("fs__write"))

	var nilPolicy *ServerPolicy
	assert.False(t, nilPolicy.AutoApprove("builtin__clock_now"))
}

func TestSealCascade(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ toolexecutor.Call) (toolexecutor.Outcome, error) {
		close(started)
		<-ctx.Done()
		return toolexecutor.Outcome{}, errdefs.Aborted("cancelled")
	}}
	l, rec := newTestLedger(exec, nil)

	execCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"running", "waiting"} {
		_, err := l.Propose(execCtx, Proposal{ID: id, ExecutionID: "e1", FunctionName: "s__t"})
		require.NoError(t, err)
	}
	_, err := l.Propose(context.Background(), Proposal{ID: "other", ExecutionID: "e2", FunctionName: "s__t"})
	require.NoError(t, err)

	_, err = l.Approve("running")
	require.NoError(t, err)
	<-started

	before := len(rec.Events())
	report := l.Seal("e1")
	cancel()
	l.Drain()

	assert.Equal(t, SealReport{Denied: 1, Aborted: 1}, report)
	assert.Len(t, rec.Events(), before, "nothing is published for a sealed execution")

	running, _ := l.Get("running")
	assert.Equal(t, StatusError, running.Status)
	assert.Equal(t, "aborted", running.Error)
	waiting, _ := l.Get("waiting")
	assert.Equal(t, StatusDenied, waiting.Status)
	other, _ := l.Get("other")
	assert.Equal(t, StatusPending, other.Status)

	_, err = l.Propose(execCtx, Proposal{ExecutionID: "e1", FunctionName: "s__t"})
	assert.True(t, errdefs.IsAborted(err))

	assert.Equal(t, SealReport{}, l.Seal("e1"))
}

func TestWaitBlocksUntilTerminal(t *testing.T) {
	l, _ := newTestLedger(succeed("ok"), nil)

	_, err := l.Propose(context.Background(), Proposal{ID: "tc1", ExecutionID: "e1", FunctionName: "s__t"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var waitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		waitErr = l.Wait(context.Background(), "tc1")
	}()

	_, err = l.Deny("tc1")
	require.NoError(t, err)
	wg.Wait()
	assert.NoError(t, waitErr)

	_, err = l.Propose(context.Background(), Proposal{ID: "tc2", ExecutionID: "e1", FunctionName: "s__t"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errdefs.IsAborted(l.Wait(ctx, "tc2")))
}

func TestParallelismIsBounded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	var running, peak atomic.Int32
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(context.Context, toolexecutor.Call) (toolexecutor.Outcome, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return toolexecutor.Outcome{ToolResult: toolexecutor.ToolResult{Success: true}}, nil
	}}
	l := New(Config{Executor: exec, MaxParallel: 2})

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		_, err := l.Propose(context.Background(), Proposal{ID: id, ExecutionID: "e1", FunctionName: "s__t"})
		require.NoError(t, err)
		_, err = l.Approve(id)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, l.Wait(context.Background(), ids...))
	l.Drain()

	assert.Equal(t, int32(2), peak.Load())
}

// blockingExecutor holds every call until release is closed and tracks how
// many are running.
func blockingExecutor(running *atomic.Int32, release <-chan struct{}) *fakeExecutor {
	return &fakeExecutor{fn: func(ctx context.Context, _ toolexecutor.Call) (toolexecutor.Outcome, error) {
		running.Add(1)
		defer running.Add(-1)
		select {
		case <-release:
			return toolexecutor.Outcome{ToolResult: toolexecutor.ToolResult{Success: true}}, nil
		case <-ctx.Done():
			return toolexecutor.Outcome{}, errdefs.Aborted("cancelled")
		}
	}}
}

func TestParallelismIsPerExecution(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	var running atomic.Int32
	release := make(chan struct{})
	l := New(Config{Executor: blockingExecutor(&running, release), MaxParallel: 1})

	calls := []Proposal{
		{ID: "a1", ExecutionID: "exec-A", FunctionName: "s__t"},
		{ID: "b1", ExecutionID: "exec-B", FunctionName: "s__t"},
		{ID: "a2", ExecutionID: "exec-A", FunctionName: "s__t"},
	}
	for _, p := range calls {
		_, err := l.Propose(context.Background(), p)
		require.NoError(t, err)
		_, err = l.Approve(p.ID)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond,
		"one call of each execution runs")
	assert.Never(t, func() bool { return running.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond,
		"the second call of exec-A waits for the first")

	close(release)
	require.NoError(t, l.Wait(context.Background(), "a1", "b1", "a2"))
	l.Drain()

	for _, id := range []string{"a1", "b1", "a2"} {
		got, _ := l.Get(id)
		assert.Equal(t, StatusExecuted, got.Status, id)
	}
	l.mu.Lock()
	assert.Empty(t, l.slots)
	l.mu.Unlock()
}

func TestParallelismReadsLimitsOnDispatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	var ceiling atomic.Int32
	ceiling.Store(1)
	limits := governor.LimitsFunc(func() governor.Limits {
		return governor.Limits{MaxParallelAgents: int(ceiling.Load())}
	})

	var running atomic.Int32
	release := make(chan struct{})
	l := New(Config{Executor: blockingExecutor(&running, release), Limits: limits, MaxParallel: 5})

	for _, id := range []string{"a", "b"} {
		_, err := l.Propose(context.Background(), Proposal{ID: id, ExecutionID: "e1", FunctionName: "s__t"})
		require.NoError(t, err)
		_, err = l.Approve(id)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)

	ceiling.Store(2)
	_, err := l.Propose(context.Background(), Proposal{ID: "c", ExecutionID: "e1", FunctionName: "s__t"})
	require.NoError(t, err)
	_, err = l.Approve("c")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond,
		"a dispatch after the limit is raised uses the new ceiling")

	close(release)
	require.NoError(t, l.Wait(context.Background(), "a", "b", "c"))
	l.Drain()
}

func TestQueuedCallIsAbortedWhenContextEnds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	var running atomic.Int32
	release := make(chan struct{})
	l := New(Config{Executor: blockingExecutor(&running, release), MaxParallel: 1})

	_, err := l.Propose(context.Background(), Proposal{ID: "first", ExecutionID: "e1", FunctionName: "s__t"})
	require.NoError(t, err)
	_, err = l.Approve("first")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = l.Propose(ctx, Proposal{ID: "queued", ExecutionID: "e1", FunctionName: "s__t"})
	require.NoError(t, err)
	_, err = l.Approve("queued")
	require.NoError(t, err)
	cancel()
	require.NoError(t, l.Wait(context.Background(), "queued"))

	queued, _ := l.Get("queued")
	assert.Equal(t, StatusError, queued.Status)
	assert.Equal(t, "aborted", queued.Error)

	close(release)
	require.NoError(t, l.Wait(context.Background(), "first"))
	l.Drain()
}

func TestFailPublishesFinalStatuses(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	var running atomic.Int32
	release := make(chan struct{})
	l, rec := newTestLedger(blockingExecutor(&running, release), nil)

	for _, id := range []string{"running", "waiting"} {
		_, err := l.Propose(context.Background(), Proposal{ID: id, ExecutionID: "e1", FunctionName: "s__t"})
		require.NoError(t, err)
	}
	_, err := l.Approve("running")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)

	report := l.Fail("e1")
	close(release)
	l.Drain()

	assert.Equal(t, SealReport{Denied: 1, Aborted: 1}, report)
	assert.Equal(t, []string{"pending", "approved", "error"}, statusesOf(rec, "running"))
	assert.Equal(t, []string{"pending", "denied"}, statusesOf(rec, "waiting"))

	_, err = l.Propose(context.Background(), Proposal{ExecutionID: "e1", FunctionName: "s__t"})
	assert.True(t, errdefs.IsAborted(err))

	before := len(rec.Events())
	assert.Equal(t, SealReport{}, l.Fail("e1"))
	assert.Len(t, rec.Events(), before)
}

func TestListAndPrune(t *testing.T) {
	l, _ := newTestLedger(nil, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }

	for _, id := range []string{"a", "b"} {
		_, err := l.Propose(context.Background(), Proposal{ID: id, ExecutionID: "e1", MessageID: "m1", FunctionName: "s__t"})
		require.NoError(t, err)
	}
	_, err := l.Propose(context.Background(), Proposal{ID: "c", ExecutionID: "e2", MessageID: "m2", FunctionName: "s__t"})
	require.NoError(t, err)

	msg := l.ListByMessage("m1")
	require.Len(t, msg, 2)
	assert.Equal(t, "a", msg[0].ID)
	assert.Len(t, l.ListByExecution("e2"), 1)

	_, err = l.Prune("e1")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)

	l.Seal("e1")
	n, err := l.Prune("e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, l.ListByMessage("m1"))

	_, err = l.Deny("c")
	require.NoError(t, err)
	assert.Equal(t, 0, l.PruneOlderThan(time.Minute))
	now = base.Add(time.Hour)
	assert.Equal(t, 1, l.PruneOlderThan(time.Minute))
	assert.Empty(t, l.ListByExecution("e2"))
}
