package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/errdefs"
	"github.com/harun/conduit/pkg/events"
	"github.com/harun/conduit/pkg/governor"
	"github.com/harun/conduit/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// Status of a tool call.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExecuted Status = "executed"
	StatusError    Status = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDenied || s == StatusExecuted || s == StatusError
}

// Deciders recorded on approval decisions.
const (
	DeciderHuman  = "human"
	DeciderPolicy = "policy"
	DeciderSystem = "system"
)

// DefaultMaxParallel bounds concurrent calls per execution when neither
// Config.Limits nor Config.MaxParallel is set.
const DefaultMaxParallel = 3

// ToolCall is a snapshot of one ledger entry.
type ToolCall struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	MessageID       string         `json:"message_id"`
	FunctionName    string         `json:"function_name"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	Status          Status         `json:"status"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Decider         string         `json:"decider,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Proposal is a tool call proposed by the model.
type Proposal struct {
	// ID is optional; a uuid is assigned when empty.
	ID           string
	ExecutionID  string
	MessageID    string
	FunctionName string
	Arguments    map[string]any
}

// Executor runs approved calls. *toolexecutor.Router implements it.
type Executor interface {
	Execute(ctx context.Context, call toolexecutor.Call) (toolexecutor.Outcome, error)
}

// Config configures a Ledger.
type Config struct {
	Executor     Executor
	Sink         events.Sink
	AutoApprover AutoApprover
	// Limits supplies the per-execution bound on concurrently running
	// calls (MaxParallelAgents). It is read on every dispatch.
	Limits governor.LimitsSource
	// MaxParallel is used when Limits is nil.
	MaxParallel int
	Logger      zerolog.Logger
}

// SealReport summarizes a Seal.
type SealReport struct {
	Denied  int
	Aborted int
}

type entry struct {
	call ToolCall
	ctx  context.Context
	done chan struct{}
}

// slots tracks the running calls of one execution.
type slots struct {
	running int
	waiters []chan struct{}
}

// Ledger is the single writer of tool-call status.
type Ledger struct {
	exec   Executor
	sink   events.Sink
	auto   AutoApprover
	limits governor.LimitsSource
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	calls       map[string]*entry
	byExecution map[string][]string
	byMessage   map[string][]string
	sealed      map[string]struct{}
	slots       map[string]*slots

	inflight sync.WaitGroup
}

// New creates a ledger.
func New(cfg Config) *Ledger {
	observability.EnsureRegistered()

	sink := cfg.Sink
	if sink == nil {
		sink = events.Discard
	}
	limits := cfg.Limits
	if limits == nil {
		maxParallel := cfg.MaxParallel
		if maxParallel <= 0 {
			maxParallel = DefaultMaxParallel
		}
		limits = governor.StaticLimits{MaxParallelAgents: maxParallel}
	}
	return &Ledger{
		exec:        cfg.Executor,
		sink:        sink,
		auto:        cfg.AutoApprover,
		limits:      limits,
		logger:      cfg.Logger,
		now:         time.Now,
		calls:       make(map[string]*entry),
		byExecution: make(map[string][]string),
		byMessage:   make(map[string][]string),
		sealed:      make(map[string]struct{}),
		slots:       make(map[string]*slots),
	}
}

// Propose records a new pending call. ctx scopes the eventual execution:
// cancelling it aborts the call while it runs. When the auto-approver
// accepts the call it is approved immediately with decider "policy".
func (l *Ledger) Propose(ctx context.Context, p Proposal) (ToolCall, error) {
	if p.FunctionName == "" {
		return ToolCall{}, fmt.Errorf("%w: function name is required", errdefs.ErrInvalidArgument)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	now := l.now()
	e := &entry{
		call: ToolCall{
			ID:           p.ID,
			ExecutionID:  p.ExecutionID,
			MessageID:    p.MessageID,
			FunctionName: p.FunctionName,
			Arguments:    p.Arguments,
			Status:       StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		ctx:  ctx,
		done: make(chan struct{}),
	}

	l.mu.Lock()
	if _, sealed := l.sealed[p.ExecutionID]; sealed {
		l.mu.Unlock()
		return ToolCall{}, errdefs.Aborted("execution " + p.ExecutionID + " was aborted")
	}
	if _, exists := l.calls[p.ID]; exists {
		l.mu.Unlock()
		return ToolCall{}, fmt.Errorf("%w: tool call %s already exists", errdefs.ErrInvalidArgument, p.ID)
	}
	l.calls[p.ID] = e
	l.byExecution[p.ExecutionID] = append(l.byExecution[p.ExecutionID], p.ID)
	if p.MessageID != "" {
		l.byMessage[p.MessageID] = append(l.byMessage[p.MessageID], p.ID)
	}
	l.publishLocked(e)
	snapshot := e.call
	l.mu.Unlock()

	observability.RecordToolCallTransition(string(StatusPending))
	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Debug().
		Str("tool_call_id", p.ID).
		Str("tool", p.FunctionName).
		Msg("Tool call proposed")

	if l.auto != nil && l.auto.AutoApprove(p.FunctionName) {
		approved, err := l.decide(p.ID, StatusApproved, DeciderPolicy)
		if err != nil {
			return snapshot, err
		}
		return approved, nil
	}
	return snapshot, nil
}

// Approve records a human approval and dispatches the call.
func (l *Ledger) Approve(toolCallID string) (ToolCall, error) {
	return l.decide(toolCallID, StatusApproved, DeciderHuman)
}

// Deny records a human denial.
func (l *Ledger) Deny(toolCallID string) (ToolCall, error) {
	return l.decide(toolCallID, StatusDenied, DeciderHuman)
}

func (l *Ledger) decide(toolCallID string, to Status, decider string) (ToolCall, error) {
	l.mu.Lock()
	e, ok := l.calls[toolCallID]
	if !ok {
		l.mu.Unlock()
		return ToolCall{}, fmt.Errorf("tool call %s: %w", toolCallID, errdefs.ErrNotFound)
	}
	if e.call.Status.Terminal() {
		status := e.call.Status
		l.mu.Unlock()
		return ToolCall{}, &errdefs.ToolCallAlreadyFinalizedError{ToolCallID: toolCallID, Status: string(status)}
	}
	if e.call.Status != StatusPending {
		l.mu.Unlock()
		return ToolCall{}, fmt.Errorf("%w: tool call %s is %s", errdefs.ErrInvalidTransition, toolCallID, e.call.Status)
	}

	e.call.Status = to
	e.call.Decider = decider
	e.call.UpdatedAt = l.now()
	if to == StatusDenied {
		close(e.done)
	} else {
		l.inflight.Add(1)
	}
	l.publishLocked(e)
	snapshot := e.call
	l.mu.Unlock()

	observability.RecordToolCallTransition(string(to))
	observability.RecordApprovalAudit(e.ctx, toolCallID, snapshot.FunctionName, string(to), decider)
	l.logger.Info().
		Str("tool_call_id", toolCallID).
		Str("tool", snapshot.FunctionName).
		Str("decision", string(to)).
		Str("decider", decider).
		Msg("Tool call decided")

	if to == StatusApproved {
		go l.dispatch(e, snapshot)
	}
	return snapshot, nil
}

// dispatch hands an approved call to the executor once.
func (l *Ledger) dispatch(e *entry, call ToolCall) {
	defer l.inflight.Done()

	if l.exec == nil {
		l.finish(call.ID, toolexecutor.Outcome{}, fmt.Errorf("no tool executor configured"))
		return
	}
	if err := l.acquire(e.ctx, call.ExecutionID); err != nil {
		l.finish(call.ID, toolexecutor.Outcome{}, errdefs.Aborted("cancelled before execution"))
		return
	}
	defer l.release(call.ExecutionID)

	out, err := l.exec.Execute(e.ctx, toolexecutor.Call{
		ID:        call.ID,
		Name:      call.FunctionName,
		Arguments: call.Arguments,
	})
	l.finish(call.ID, out, err)
}

// maxParallel returns the current per-execution ceiling.
func (l *Ledger) maxParallel() int {
	if n := l.limits.Limits().MaxParallelAgents; n > 0 {
		return n
	}
	return DefaultMaxParallel
}

// acquire takes a run slot of executionID, waiting while the execution is
// at its ceiling. The ceiling is re-read after every wake-up so that a
// reloaded limit applies to calls that are already queued.
func (l *Ledger) acquire(ctx context.Context, executionID string) error {
	for {
		l.mu.Lock()
		s, ok := l.slots[executionID]
		if !ok {
			s = &slots{}
			l.slots[executionID] = s
		}
		if s.running < l.maxParallel() {
			s.running++
			l.mu.Unlock()
			return nil
		}
		wake := make(chan struct{})
		s.waiters = append(s.waiters, wake)
		l.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release frees a slot and wakes every waiter of executionID; they race for
// the freed slot and the losers queue again.
func (l *Ledger) release(executionID string) {
	l.mu.Lock()
	s, ok := l.slots[executionID]
	if !ok {
		l.mu.Unlock()
		return
	}
	s.running--
	waiters := s.waiters
	s.waiters = nil
	if s.running <= 0 {
		delete(l.slots, executionID)
	}
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (l *Ledger) finish(toolCallID string, out toolexecutor.Outcome, execErr error) {
	l.mu.Lock()
	e, ok := l.calls[toolCallID]
	if !ok || e.call.Status != StatusApproved {
		// Sealed while running; the seal already finalized the call.
		l.mu.Unlock()
		return
	}

	e.call.ExecutionTimeMs = out.Duration.Milliseconds()
	e.call.UpdatedAt = l.now()
	switch {
	case execErr == nil:
		e.call.Status = StatusExecuted
		e.call.Result = out.Result
	case errdefs.IsAborted(execErr):
		e.call.Status = StatusError
		e.call.Error = "aborted"
	default:
		e.call.Status = StatusError
		e.call.Error = out.Error
		if e.call.Error == "" {
			e.call.Error = execErr.Error()
		}
	}
	close(e.done)
	l.publishLocked(e)
	snapshot := e.call
	l.mu.Unlock()

	observability.RecordToolCallTransition(string(snapshot.Status))
	observability.RecordToolAudit(e.ctx, toolCallID, snapshot.FunctionName, string(snapshot.Status), snapshot.ExecutionTimeMs)
	if execErr != nil && !errdefs.IsAborted(execErr) {
		l.logger.Warn().Err(execErr).Str("tool_call_id", toolCallID).Str("tool", snapshot.FunctionName).Msg("Tool call failed")
	}
}

// Wait blocks until every listed call is terminal or ctx is done.
func (l *Ledger) Wait(ctx context.Context, toolCallIDs ...string) error {
	l.mu.Lock()
	waits := make([]chan struct{}, 0, len(toolCallIDs))
	for _, id := range toolCallIDs {
		e, ok := l.calls[id]
		if !ok {
			l.mu.Unlock()
			return fmt.Errorf("tool call %s: %w", id, errdefs.ErrNotFound)
		}
		waits = append(waits, e.done)
	}
	l.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return errdefs.Aborted("wait for tool calls cancelled")
		}
	}
	return nil
}

// Seal finalizes every open call of executionID without publishing events
// and rejects later proposals for it. Pending calls become denied and
// approved calls become error("aborted"). Sealing twice is a no-op.
// Seal is the abort path; subscribers learn of the abort from the
// execution itself.
func (l *Ledger) Seal(executionID string) SealReport {
	return l.seal(executionID, false)
}

// Fail seals executionID like Seal but publishes the final status of every
// call it finalizes, so clients waiting on a call see it end when the
// execution fails.
func (l *Ledger) Fail(executionID string) SealReport {
	return l.seal(executionID, true)
}

func (l *Ledger) seal(executionID string, publish bool) SealReport {
	var report SealReport

	l.mu.Lock()
	l.sealed[executionID] = struct{}{}
	now := l.now()
	for _, id := range l.byExecution[executionID] {
		e := l.calls[id]
		switch e.call.Status {
		case StatusPending:
			e.call.Status = StatusDenied
			e.call.Decider = DeciderSystem
			report.Denied++
		case StatusApproved:
			e.call.Status = StatusError
			e.call.Error = "aborted"
			report.Aborted++
		default:
			continue
		}
		e.call.UpdatedAt = now
		close(e.done)
		if publish {
			l.publishLocked(e)
		}
	}
	l.mu.Unlock()

	for i := 0; i < report.Denied; i++ {
		observability.RecordToolCallTransition(string(StatusDenied))
	}
	for i := 0; i < report.Aborted; i++ {
		observability.RecordToolCallTransition(string(StatusError))
	}
	if report.Denied+report.Aborted > 0 {
		l.logger.Debug().
			Str("execution_id", executionID).
			Int("denied", report.Denied).
			Int("aborted", report.Aborted).
			Msg("Tool calls sealed")
	}
	return report
}

// Get returns a snapshot of one call.
func (l *Ledger) Get(toolCallID string) (ToolCall, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.calls[toolCallID]
	if !ok {
		return ToolCall{}, fmt.Errorf("tool call %s: %w", toolCallID, errdefs.ErrNotFound)
	}
	return e.call, nil
}

// ListByMessage returns the calls attached to messageID in proposal order.
func (l *Ledger) ListByMessage(messageID string) []ToolCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.collectLocked(l.byMessage[messageID])
}

// ListByExecution returns the calls of executionID in proposal order.
func (l *Ledger) ListByExecution(executionID string) []ToolCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.collectLocked(l.byExecution[executionID])
}

func (l *Ledger) collectLocked(ids []string) []ToolCall {
	out := make([]ToolCall, 0, len(ids))
	for _, id := range ids {
		if e, ok := l.calls[id]; ok {
			out = append(out, e.call)
		}
	}
	return out
}

// Prune forgets the calls of executionID. It fails with ErrInvalidTransition
// while any of them is not terminal.
func (l *Ledger) Prune(executionID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.byExecution[executionID]
	for _, id := range ids {
		if !l.calls[id].call.Status.Terminal() {
			return 0, fmt.Errorf("%w: execution %s has open tool calls", errdefs.ErrInvalidTransition, executionID)
		}
	}
	l.pruneLocked(executionID)
	return len(ids), nil
}

// PruneOlderThan forgets executions whose calls are all terminal and were
// last updated before retention ago. It returns the number of calls dropped.
func (l *Ledger) PruneOlderThan(retention time.Duration) int {
	cutoff := l.now().Add(-retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for executionID, ids := range l.byExecution {
		eligible := true
		for _, id := range ids {
			c := l.calls[id].call
			if !c.Status.Terminal() || c.UpdatedAt.After(cutoff) {
				eligible = false
				break
			}
		}
		if eligible {
			pruned += len(ids)
			l.pruneLocked(executionID)
		}
	}
	return pruned
}

func (l *Ledger) pruneLocked(executionID string) {
	for _, id := range l.byExecution[executionID] {
		if e, ok := l.calls[id]; ok && e.call.MessageID != "" {
			delete(l.byMessage, e.call.MessageID)
		}
		delete(l.calls, id)
	}
	delete(l.byExecution, executionID)
	delete(l.sealed, executionID)
	if s, ok := l.slots[executionID]; ok && s.running == 0 {
		delete(l.slots, executionID)
	}
}

// Drain blocks until every dispatched call has returned from the executor.
func (l *Ledger) Drain() {
	l.inflight.Wait()
}

func (l *Ledger) publishLocked(e *entry) {
	l.sink.Publish(events.Event{
		Kind:        events.KindToolCall,
		ToolCallID:  e.call.ID,
		ExecutionID: e.call.ExecutionID,
		MessageID:   e.call.MessageID,
		Status:      string(e.call.Status),
		Result:      e.call.Result,
		Error:       e.call.Error,
		DurationMs:  e.call.ExecutionTimeMs,
	})
}
