package governor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/pkg/errdefs"
	"github.com/harun/conduit/pkg/events"
	"github.com/rs/zerolog"
)

// Status of an AgentExecution.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusCompleting    Status = "completing"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusAborted       Status = "aborted"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// transitions lists the legal non-terminal moves; every non-terminal status
// may also move to failed or aborted.
var transitions = map[Status][]Status{
	StatusPending:       {StatusRunning},
	StatusRunning:       {StatusRunning, StatusAwaitingHuman, StatusCompleting},
	StatusAwaitingHuman: {StatusRunning},
	StatusCompleting:    {StatusCompleted},
}

func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusAborted {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Agent card statuses.
const (
	AgentPending   = "pending"
	AgentRunning   = "running"
	AgentCompleted = "completed"
	AgentFailed    = "failed"
	AgentAborted   = "aborted"
)

// AgentCard describes one agent of an execution.
type AgentCard struct {
	RuntimeID   string `json:"runtime_id"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	CurrentTask string `json:"current_task,omitempty"`
}

// AgentExecution is a snapshot of one execution.
type AgentExecution struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chat_id,omitempty"`
	Status     Status      `json:"status"`
	Iterations int         `json:"iterations"`
	Cards      []AgentCard `json:"cards"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// BeginRequest asks for a new execution.
type BeginRequest struct {
	// ID is optional; a uuid is assigned when empty.
	ID                 string
	ChatID             string
	ConversationLength int
}

// Config configures a Governor.
type Config struct {
	Limits LimitsSource
	Sink   events.Sink
	Logger zerolog.Logger
}

// Governor is the single writer of AgentExecution state.
type Governor struct {
	limits LimitsSource
	sink   events.Sink
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	executions map[string]*AgentExecution
}

// New creates a governor.
func New(cfg Config) *Governor {
	observability.EnsureRegistered()

	limits := cfg.Limits
	if limits == nil {
		limits = StaticLimits(DefaultLimits())
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.Discard
	}
	return &Governor{
		limits:     limits,
		sink:       sink,
		logger:     cfg.Logger,
		now:        time.Now,
		executions: make(map[string]*AgentExecution),
	}
}

// checkLocked evaluates the five ceilings in order. addAgent marks an agent
// admission: the swarm must have room and the agent counts toward the
// requested parallelism.
func (g *Governor) checkLocked(e *AgentExecution, addAgent bool, conversationLength int) error {
	limits := g.limits.Limits()

	active := 0
	for id, other := range g.executions {
		if id != e.ID && !other.Status.Terminal() {
			active++
		}
	}
	if active >= limits.MaxActiveSwarms {
		return &errdefs.ResourceLimitExceeded{Limit: LimitActiveSwarms, Current: active, Max: limits.MaxActiveSwarms}
	}

	agents := len(e.Cards)
	if (addAgent && agents >= limits.MaxSwarmSize) || agents > limits.MaxSwarmSize {
		return &errdefs.ResourceLimitExceeded{Limit: LimitSwarmSize, Current: agents, Max: limits.MaxSwarmSize}
	}

	parallel := 0
	for _, card := range e.Cards {
		if card.Status == AgentPending || card.Status == AgentRunning {
			parallel++
		}
	}
	if addAgent {
		parallel++
	}
	if parallel > limits.MaxParallelAgents {
		return &errdefs.ResourceLimitExceeded{Limit: LimitParallelAgents, Current: parallel, Max: limits.MaxParallelAgents}
	}

	if e.Iterations >= limits.MaxIterations {
		return &errdefs.ResourceLimitExceeded{Limit: LimitIterations, Current: e.Iterations, Max: limits.MaxIterations}
	}

	if conversationLength >= limits.MaxConversationLength {
		return &errdefs.ResourceLimitExceeded{Limit: LimitConversationLength, Current: conversationLength, Max: limits.MaxConversationLength}
	}
	return nil
}

// Begin admits a new execution. On rejection the execution is still
// recorded, in failed status, and returned with the error.
func (g *Governor) Begin(req BeginRequest) (AgentExecution, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	g.mu.Lock()
	if _, exists := g.executions[req.ID]; exists {
		g.mu.Unlock()
		return AgentExecution{}, fmt.Errorf("%w: execution %s already exists", errdefs.ErrInvalidArgument, req.ID)
	}

	now := g.now()
	e := &AgentExecution{
		ID:        req.ID,
		ChatID:    req.ChatID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	g.executions[e.ID] = e

	err := g.checkLocked(e, false, req.ConversationLength)
	if err != nil {
		g.failLocked(e, err)
	} else {
		g.publishLocked(e)
	}
	snapshot := e.snapshot()
	active := g.activeLocked()
	g.mu.Unlock()

	observability.SetActiveExecutions(active)
	g.recordAdmission(snapshot.ID, err)
	return snapshot, err
}

// AdmitAgents admits a batch of agents into an execution. Every card is
// checked in order before any is added, and each counts toward the requested
// parallelism of the ones after it. A rejection fails the execution and
// admits none of the batch.
func (g *Governor) AdmitAgents(executionID string, cards []AgentCard, conversationLength int) ([]AgentCard, error) {
	g.mu.Lock()
	defer func() {
		active := g.activeLocked()
		g.mu.Unlock()
		observability.SetActiveExecutions(active)
	}()

	e, err := g.liveLocked(executionID)
	if err != nil {
		return nil, err
	}

	original := e.Cards
	admitted := make([]AgentCard, 0, len(cards))
	for _, card := range cards {
		if err := g.checkLocked(e, true, conversationLength); err != nil {
			e.Cards = original
			g.failLocked(e, err)
			g.recordAdmission(executionID, err)
			return nil, err
		}
		if card.RuntimeID == "" {
			card.RuntimeID = uuid.NewString()
		}
		card.Status = AgentPending
		// Provisionally added so the next card sees it.
		e.Cards = append(e.Cards, card)
		admitted = append(admitted, card)
	}

	e.UpdatedAt = g.now()
	for _, card := range admitted {
		g.publishAgentLocked(e, card)
	}
	g.recordAdmission(executionID, nil)
	return admitted, nil
}

// Iterate admits one more model round. A rejection fails the execution.
func (g *Governor) Iterate(executionID string, conversationLength int) (int, error) {
	g.mu.Lock()
	defer func() {
		active := g.activeLocked()
		g.mu.Unlock()
		observability.SetActiveExecutions(active)
	}()

	e, err := g.liveLocked(executionID)
	if err != nil {
		return 0, err
	}
	if err := g.checkLocked(e, false, conversationLength); err != nil {
		g.failLocked(e, err)
		g.recordAdmission(executionID, err)
		return e.Iterations, err
	}
	e.Iterations++
	e.UpdatedAt = g.now()
	return e.Iterations, nil
}

// SetStatus moves an execution to status. Terminal statuses are final.
func (g *Governor) SetStatus(executionID string, status Status) error {
	g.mu.Lock()
	e, ok := g.executions[executionID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("execution %s: %w", executionID, errdefs.ErrNotFound)
	}
	if !canTransition(e.Status, status) {
		from := e.Status
		g.mu.Unlock()
		return fmt.Errorf("%w: execution %s cannot move from %s to %s", errdefs.ErrInvalidTransition, executionID, from, status)
	}
	if e.Status == status {
		g.mu.Unlock()
		return nil
	}
	e.Status = status
	e.UpdatedAt = g.now()
	if status.Terminal() {
		g.finalizeCardsLocked(e)
	}
	g.publishLocked(e)
	active := g.activeLocked()
	g.mu.Unlock()

	if status.Terminal() {
		observability.RecordExecutionTerminal(string(status))
		observability.SetActiveExecutions(active)
	}
	return nil
}

// Fail moves a live execution to failed with cause.
func (g *Governor) Fail(executionID string, cause error) error {
	g.mu.Lock()
	e, err := g.liveLocked(executionID)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	g.failLocked(e, cause)
	active := g.activeLocked()
	g.mu.Unlock()

	observability.SetActiveExecutions(active)
	return nil
}

// Abort moves a live execution to aborted and reports whether it did.
// Aborting a terminal or unknown execution is a no-op.
func (g *Governor) Abort(executionID string) bool {
	return g.SetStatus(executionID, StatusAborted) == nil
}

// UpdateAgent changes the status and task of one agent card.
func (g *Governor) UpdateAgent(executionID, runtimeID, status, task string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, err := g.liveLocked(executionID)
	if err != nil {
		return err
	}
	for i := range e.Cards {
		if e.Cards[i].RuntimeID != runtimeID {
			continue
		}
		if status != "" {
			e.Cards[i].Status = status
		}
		if task != "" {
			e.Cards[i].CurrentTask = task
		}
		e.UpdatedAt = g.now()
		g.publishAgentLocked(e, e.Cards[i])
		return nil
	}
	return fmt.Errorf("agent %s in execution %s: %w", runtimeID, executionID, errdefs.ErrNotFound)
}

// Snapshot returns a copy of one execution.
func (g *Governor) Snapshot(executionID string) (AgentExecution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.executions[executionID]
	if !ok {
		return AgentExecution{}, fmt.Errorf("execution %s: %w", executionID, errdefs.ErrNotFound)
	}
	return e.snapshot(), nil
}

// Active returns the non-terminal executions, oldest first.
func (g *Governor) Active() []AgentExecution {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []AgentExecution
	for _, e := range g.executions {
		if !e.Status.Terminal() {
			out = append(out, e.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cleanup evicts terminal executions last updated more than olderThan ago
// and returns how many were evicted.
func (g *Governor) Cleanup(olderThan time.Duration) int {
	cutoff := g.now().Add(-olderThan)

	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for id, e := range g.executions {
		if e.Status.Terminal() && e.UpdatedAt.Before(cutoff) {
			delete(g.executions, id)
			evicted++
		}
	}
	return evicted
}

func (g *Governor) liveLocked(executionID string) (*AgentExecution, error) {
	e, ok := g.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, errdefs.ErrNotFound)
	}
	if e.Status.Terminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", errdefs.ErrInvalidTransition, executionID, e.Status)
	}
	return e, nil
}

func (g *Governor) failLocked(e *AgentExecution, cause error) {
	e.Status = StatusFailed
	e.Error = cause.Error()
	e.ErrorKind = errdefs.Kind(cause)
	e.UpdatedAt = g.now()
	g.finalizeCardsLocked(e)
	g.publishLocked(e)
	observability.RecordExecutionTerminal(string(StatusFailed))
	g.logger.Warn().Err(cause).Str("execution_id", e.ID).Msg("Execution failed")
}

// finalizeCardsLocked moves every live card to the execution's terminal status.
func (g *Governor) finalizeCardsLocked(e *AgentExecution) {
	final := AgentCompleted
	switch e.Status {
	case StatusFailed:
		final = AgentFailed
	case StatusAborted:
		final = AgentAborted
	}
	for i := range e.Cards {
		if e.Cards[i].Status == AgentPending || e.Cards[i].Status == AgentRunning {
			e.Cards[i].Status = final
		}
	}
}

func (g *Governor) activeLocked() int {
	n := 0
	for _, e := range g.executions {
		if !e.Status.Terminal() {
			n++
		}
	}
	return n
}

func (g *Governor) recordAdmission(executionID string, err error) {
	if err == nil {
		observability.RecordAdmission(true, "")
		return
	}
	limit := errdefs.Kind(err)
	var rle *errdefs.ResourceLimitExceeded
	if errors.As(err, &rle) {
		limit = rle.Limit
	}
	observability.RecordAdmission(false, limit)
	g.logger.Info().Str("execution_id", executionID).Str("limit", limit).Msg("Admission rejected")
}

func (g *Governor) publishLocked(e *AgentExecution) {
	g.sink.Publish(events.Event{
		Kind:        events.KindExecution,
		ExecutionID: e.ID,
		Status:      string(e.Status),
		Error:       e.Error,
		ErrorKind:   e.ErrorKind,
	})
}

func (g *Governor) publishAgentLocked(e *AgentExecution, card AgentCard) {
	g.sink.Publish(events.Event{
		Kind:        events.KindAgent,
		ExecutionID: e.ID,
		AgentID:     card.RuntimeID,
		Role:        card.Role,
		Status:      card.Status,
		Task:        card.CurrentTask,
	})
}

func (e *AgentExecution) snapshot() AgentExecution {
	out := *e
	out.Cards = append([]AgentCard(nil), e.Cards...)
	return out
}
